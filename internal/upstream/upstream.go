// Package upstream maintains the long-lived SSE connection to one tool
// provider.
//
// A Connection moves through Connecting → DiscoveringEndpoint → Ready and
// falls back to Error → Connecting on any stream failure. Reconnects happen
// at a fixed interval, forever, until the context passed to Start is done.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/radoslaw-sz/guardio/pkg/models"
)

// State of the upstream state machine.
type State string

const (
	StateConnecting          State = "connecting"
	StateDiscoveringEndpoint State = "discovering_endpoint"
	StateReady               State = "ready"
	StateError               State = "error"
)

// EventType classifies what a Connection publishes to subscribers.
type EventType string

const (
	EventReady        EventType = "ready"
	EventMessage      EventType = "message"
	EventDisconnected EventType = "disconnected"
)

// Event is published for readiness transitions and relayed traffic.
type Event struct {
	Type      EventType
	Provider  string
	Endpoint  string
	Data      []byte
	// Synthetic marks an error envelope the gateway built for a failed write.
	Synthetic bool
}

// ErrNotReady is returned by Send before the endpoint has been announced.
var ErrNotReady = errors.New("upstream not ready")

// DefaultRetryInterval is the fixed delay between reconnect attempts.
const DefaultRetryInterval = 3 * time.Second

// DefaultTimeout bounds a single Send when the provider sets none.
const DefaultTimeout = 30 * time.Second

const subscriberBuffer = 256

// Option configures a Connection.
type Option func(*Connection)

// WithRetryInterval overrides the fixed reconnect delay.
func WithRetryInterval(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.retryInterval = d
		}
	}
}

// WithHTTPClient replaces the client used for the stream and for writes.
// The client must not set a Timeout; the stream runs indefinitely.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Connection) { c.client = hc }
}

// Connection is the state machine for one provider.
type Connection struct {
	cfg           models.ProviderConfig
	client        *http.Client
	retryInterval time.Duration
	logger        zerolog.Logger
	tracer        trace.Tracer

	mu       sync.RWMutex
	state    State
	endpoint string

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a Connection for the provider. Call Start to connect.
func New(cfg models.ProviderConfig, opts ...Option) *Connection {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Connection{
		cfg:           cfg,
		client:        &http.Client{},
		retryInterval: DefaultRetryInterval,
		logger:        log.With().Str("component", "upstream").Str("provider", cfg.Name).Logger(),
		tracer:        otel.Tracer("guardio/upstream"),
		state:         StateConnecting,
		subs:          make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the provider name.
func (c *Connection) Name() string { return c.cfg.Name }

// URL returns the provider's SSE address.
func (c *Connection) URL() string { return c.cfg.URL }

// Config returns the provider configuration.
func (c *Connection) Config() models.ProviderConfig { return c.cfg }

// State returns the current state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Ready reports whether an endpoint has been announced on the live stream.
func (c *Connection) Ready() bool { return c.State() == StateReady }

// Endpoint returns the announced write URL, or "" when not ready.
func (c *Connection) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

func (c *Connection) setState(s State, endpoint string) {
	c.mu.Lock()
	c.state = s
	c.endpoint = endpoint
	c.mu.Unlock()
}

// ── Subscriptions ───────────────────────────────────────────

// Subscribe registers for connection events. The returned func unsubscribes
// and closes the channel.
func (c *Connection) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

// publish delivers to every subscriber without blocking; an event is
// dropped for a subscriber whose buffer is full.
func (c *Connection) publish(ev Event) {
	ev.Provider = c.cfg.Name
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.logger.Warn().Str("event", string(ev.Type)).Msg("Subscriber too slow, dropping upstream event")
		}
	}
}

// ── Stream loop ─────────────────────────────────────────────

// Start runs the connect/reconnect loop until ctx is done.
func (c *Connection) Start(ctx context.Context) {
	b := backoff.WithContext(backoff.NewConstantBackOff(c.retryInterval), ctx)
	_ = backoff.RetryNotify(func() error {
		err := c.stream(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, b, func(err error, next time.Duration) {
		c.logger.Warn().Err(err).Dur("retry_in", next).Msg("Upstream stream failed, reconnecting")
	})
	c.setState(StateConnecting, "")
	c.logger.Info().Msg("Upstream connection stopped")
}

func (c *Connection) stream(ctx context.Context) error {
	c.setState(StateConnecting, "")
	c.logger.Debug().Str("url", c.cfg.URL).Msg("Connecting to upstream")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		c.setState(StateError, "")
		return fmt.Errorf("create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.setState(StateError, "")
		return fmt.Errorf("open stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.setState(StateError, "")
		return fmt.Errorf("open stream: status %d", resp.StatusCode)
	}

	c.setState(StateDiscoveringEndpoint, "")
	wasReady := false

	err = ReadEvents(resp.Body, func(ev SSEEvent) error {
		switch ev.Event {
		case "endpoint":
			endpoint, err := ResolveEndpoint(c.cfg.URL, ev.Data)
			if err != nil {
				c.logger.Warn().Err(err).Str("data", ev.Data).Msg("Invalid endpoint announcement")
				return nil
			}
			c.setState(StateReady, endpoint)
			wasReady = true
			c.logger.Info().Str("endpoint", endpoint).Msg("Upstream ready")
			c.publish(Event{Type: EventReady, Endpoint: endpoint})
		case "message":
			c.publish(Event{Type: EventMessage, Data: []byte(ev.Data)})
		default:
			c.logger.Debug().Str("event", ev.Event).Msg("Ignoring upstream event")
		}
		return nil
	})

	c.setState(StateError, "")
	if wasReady {
		c.publish(Event{Type: EventDisconnected})
	}
	if errors.Is(err, io.EOF) {
		return errors.New("stream closed by upstream")
	}
	return err
}

// ── Writes ──────────────────────────────────────────────────

// Send writes one JSON-RPC message to the announced endpoint, bounded by the
// provider timeout only: a caller that goes away does not abort the write.
// Network and HTTP failures are reported as a JSON-RPC error envelope with
// status 200, and the same envelope is relayed to subscribers. Only
// ErrNotReady is returned as an error.
func (c *Connection) Send(ctx context.Context, body []byte) (int, []byte, error) {
	endpoint := c.Endpoint()
	if !c.Ready() || endpoint == "" {
		return 0, nil, ErrNotReady
	}

	ctx, span := c.tracer.Start(ctx, "upstream.Send", trace.WithAttributes(
		attribute.String("guardio.provider", c.cfg.Name),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
	defer cancel()

	status, respBody, err := c.post(ctx, endpoint, body)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn().Err(err).Msg("Upstream write failed")

		envelope, _ := json.Marshal(models.NewErrorResponse(requestID(body), models.CodeInternalError, err.Error(), nil))
		c.publish(Event{Type: EventMessage, Data: envelope, Synthetic: true})
		return http.StatusOK, envelope, nil
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	return status, respBody, nil
}

func (c *Connection) post(ctx context.Context, endpoint string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, nil, fmt.Errorf("upstream %s timed out after %s", c.cfg.Name, c.cfg.Timeout)
		}
		return 0, nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, nil, fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, bytes.TrimSpace(respBody))
	}
	return resp.StatusCode, respBody, nil
}

// requestID extracts the JSON-RPC id from a message, or nil.
func requestID(body []byte) interface{} {
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	return probe.ID
}
