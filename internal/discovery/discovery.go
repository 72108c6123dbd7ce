// Package discovery learns a provider's tool catalog over a disposable SSE
// connection: initialize → notifications/initialized → tools/list.
//
// Handshakes are deduplicated by provider address, so providers configured
// with the same URL share one handshake and one result.
package discovery

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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/radoslaw-sz/guardio/internal/catalog"
	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/internal/upstream"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// Fixed JSON-RPC ids used by the handshake.
const (
	InitRequestID      = "guardio-init-1"
	ListToolsRequestID = "guardio-list-tools-1"
)

// DefaultTimeout bounds a whole handshake.
const DefaultTimeout = 15 * time.Second

// Discoverer runs discovery handshakes and fills the catalog cache.
type Discoverer struct {
	providers []models.ProviderConfig
	cache     *catalog.Cache
	repo      store.CatalogStore
	client    *http.Client
	timeout   time.Duration
	version   string
	logger    zerolog.Logger

	group singleflight.Group

	mu         sync.Mutex
	handshakes int
}

// Options configures a Discoverer.
type Options struct {
	Providers []models.ProviderConfig
	Cache     *catalog.Cache
	// Repo persists results best-effort. May be nil.
	Repo    store.CatalogStore
	Client  *http.Client
	Timeout time.Duration
	// Version is reported as clientInfo.version.
	Version string
}

// New creates a Discoverer.
func New(opts Options) *Discoverer {
	d := &Discoverer{
		providers: opts.Providers,
		cache:     opts.Cache,
		repo:      opts.Repo,
		client:    opts.Client,
		timeout:   opts.Timeout,
		version:   opts.Version,
		logger:    log.With().Str("component", "discovery").Logger(),
	}
	if d.client == nil {
		d.client = &http.Client{}
	}
	if d.timeout <= 0 {
		d.timeout = DefaultTimeout
	}
	if d.cache == nil {
		d.cache = catalog.NewCache()
	}
	if d.version == "" {
		d.version = "0.1.0"
	}
	return d
}

// Handshakes returns how many handshakes have been started.
func (d *Discoverer) Handshakes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handshakes
}

// Discover learns the tool catalog of the named provider. Concurrent calls
// for providers sharing an address wait on a single handshake. On success
// every provider with that address gets the catalog. ok is false when the
// handshake failed or timed out; the cache is then left untouched.
func (d *Discoverer) Discover(ctx context.Context, providerName string) ([]models.ToolInfo, bool) {
	provider, found := d.provider(providerName)
	if !found {
		d.logger.Warn().Str("provider", providerName).Msg("Discovery requested for unknown provider")
		return nil, false
	}

	v, err, shared := d.group.Do(provider.URL, func() (interface{}, error) {
		d.mu.Lock()
		d.handshakes++
		d.mu.Unlock()

		tools, err := d.handshake(ctx, provider)
		if err != nil {
			return nil, err
		}
		d.store(ctx, provider.URL, tools)
		return tools, nil
	})
	if err != nil {
		d.logger.Debug().Err(err).Str("provider", providerName).Msg("Discovery failed")
		return nil, false
	}
	if shared {
		d.logger.Debug().Str("provider", providerName).Str("url", provider.URL).Msg("Discovery result shared")
	}
	return v.([]models.ToolInfo), true
}

func (d *Discoverer) provider(name string) (models.ProviderConfig, bool) {
	for _, p := range d.providers {
		if p.Name == name {
			return p, true
		}
	}
	return models.ProviderConfig{}, false
}

// store fills the cache for every provider at the address and persists
// best-effort.
func (d *Discoverer) store(ctx context.Context, address string, tools []models.ToolInfo) {
	for _, p := range d.providers {
		if p.URL != address {
			continue
		}
		d.cache.Replace(p.Name, tools)
		d.logger.Info().Str("provider", p.Name).Int("tools", len(tools)).Msg("Tool catalog discovered")
		if d.repo == nil {
			continue
		}
		if err := d.repo.SaveToolCatalog(ctx, p.Name, tools); err != nil {
			d.logger.Warn().Err(err).Str("provider", p.Name).Msg("Failed to persist tool catalog")
		}
	}
}

// ── Handshake ───────────────────────────────────────────────

type rpcReply struct {
	ID     interface{}      `json:"id"`
	Result json.RawMessage  `json:"result"`
	Error  *models.MCPError `json:"error"`
}

// session is one disposable SSE connection used for a handshake.
type session struct {
	provider models.ProviderConfig
	client   *http.Client
	endpoint chan string

	mu      sync.Mutex
	pending map[string]chan rpcReply
}

func (d *Discoverer) handshake(parent context.Context, provider models.ProviderConfig) ([]models.ToolInfo, error) {
	ctx, cancel := context.WithTimeout(parent, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, provider.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range provider.Headers {
		req.Header.Set(k, v)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open discovery stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("open discovery stream: status %d", resp.StatusCode)
	}

	s := &session{
		provider: provider,
		client:   d.client,
		endpoint: make(chan string, 1),
		pending:  make(map[string]chan rpcReply),
	}
	go s.read(resp.Body)

	var endpoint string
	select {
	case endpoint = <-s.endpoint:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for endpoint: %w", ctx.Err())
	}

	if _, err := s.call(ctx, endpoint, InitRequestID, "initialize", map[string]interface{}{
		"protocolVersion": models.ProtocolVersion,
		"capabilities":    map[string]interface{}{},
		"clientInfo":      map[string]string{"name": "guardio", "version": d.version},
	}); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	if err := s.notify(ctx, endpoint, "notifications/initialized"); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	result, err := s.call(ctx, endpoint, ListToolsRequestID, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}
	tools, ok := catalog.ParseToolsResult(result)
	if !ok {
		return nil, errors.New("tools/list: result carries no tools")
	}
	return tools, nil
}

// read dispatches stream events until the body closes.
func (s *session) read(body io.Reader) {
	_ = upstream.ReadEvents(body, func(ev upstream.SSEEvent) error {
		switch ev.Event {
		case "endpoint":
			endpoint, err := upstream.ResolveEndpoint(s.provider.URL, ev.Data)
			if err != nil {
				return nil
			}
			select {
			case s.endpoint <- endpoint:
			default:
			}
		case "message":
			var reply rpcReply
			if err := json.Unmarshal([]byte(ev.Data), &reply); err != nil {
				return nil
			}
			s.deliver(reply)
		}
		return nil
	})
}

func (s *session) deliver(reply rpcReply) {
	id := fmt.Sprint(reply.ID)
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// call posts a request and waits for its reply, either in the POST
// response itself or as a message on the stream.
func (s *session) call(ctx context.Context, endpoint, id, method string, params interface{}) (json.RawMessage, error) {
	waiter := make(chan rpcReply, 1)
	s.mu.Lock()
	s.pending[id] = waiter
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, err
	}

	respBody, err := s.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}

	var reply rpcReply
	if json.Unmarshal(respBody, &reply) == nil && fmt.Sprint(reply.ID) == id && (reply.Result != nil || reply.Error != nil) {
		return replyResult(reply)
	}

	select {
	case reply := <-waiter:
		return replyResult(reply)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func replyResult(reply rpcReply) (json.RawMessage, error) {
	if reply.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", reply.Error.Code, reply.Error.Message)
	}
	return reply.Result, nil
}

func (s *session) notify(ctx context.Context, endpoint, method string) error {
	body, err := json.Marshal(map[string]string{"jsonrpc": "2.0", "method": method})
	if err != nil {
		return err
	}
	_, err = s.post(ctx, endpoint, body)
	return err
}

func (s *session) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.provider.Headers {
		req.Header.Set(k, v)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return respBody, nil
}
