// Package core wires the gateway together.
//
// A Core owns one upstream Connection per configured provider, the client
// facing Transport, the tool catalog cache and the Discoverer. Submissions
// from the Transport are routed by provider name through the policy
// pipeline and then written upstream; traffic from each upstream stream is
// relayed back to that provider's client streams in receive order.
package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/radoslaw-sz/guardio/internal/catalog"
	"github.com/radoslaw-sz/guardio/internal/config"
	"github.com/radoslaw-sz/guardio/internal/discovery"
	"github.com/radoslaw-sz/guardio/internal/mcpgw"
	"github.com/radoslaw-sz/guardio/internal/notify"
	"github.com/radoslaw-sz/guardio/internal/plugins"
	"github.com/radoslaw-sz/guardio/internal/processor"
	"github.com/radoslaw-sz/guardio/internal/resolver"
	"github.com/radoslaw-sz/guardio/internal/retention"
	"github.com/radoslaw-sz/guardio/internal/upstream"
	"github.com/radoslaw-sz/guardio/pkg/contracts"
)

// DefaultEmitTimeout bounds one event sink delivery.
const DefaultEmitTimeout = 10 * time.Second

// pendingTTL bounds how long a forwarded request id waits for its streamed
// response.
const pendingTTL = 5 * time.Minute

// Options configures a Core.
type Options struct {
	Config  *config.Config
	Plugins *plugins.Set
	// Transport is created from Config when nil.
	Transport *mcpgw.Transport
	// HTTPClient is used for upstream streams and discovery. Optional.
	HTTPClient *http.Client
}

// Core is the gateway orchestrator.
type Core struct {
	cfg     *config.Config
	plugins *plugins.Set
	repo    contracts.Repository

	transport   *mcpgw.Transport
	conns       map[string]*upstream.Connection
	order       []string
	cache       *catalog.Cache
	discoverer  *discovery.Discoverer
	resolver    *resolver.Resolver
	processor   *processor.Processor
	dispatcher  *notify.Dispatcher
	janitor     *retention.Janitor
	tracer      trace.Tracer
	logger      zerolog.Logger
	startedOnce sync.Once

	pendingMu sync.Mutex
	pending   map[string]map[string]time.Time // provider → request id → forwarded at
	routes    map[string]map[string][]*route  // provider → request id → senders, oldest first

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Core. Nothing connects until Start.
func New(opts Options) (*Core, error) {
	if opts.Config == nil {
		return nil, errors.New("core: config is required")
	}
	if opts.Plugins == nil {
		return nil, errors.New("core: plugin set is required")
	}
	repo := opts.Plugins.Repository()
	if repo == nil {
		return nil, errors.New("core: no storage plugin configured")
	}

	c := &Core{
		cfg:        opts.Config,
		plugins:    opts.Plugins,
		repo:       repo,
		conns:      make(map[string]*upstream.Connection),
		cache:      catalog.NewCache(),
		dispatcher: notify.NewDispatcher(DefaultEmitTimeout),
		tracer:     otel.Tracer("guardio/core"),
		logger:     log.With().Str("component", "core").Logger(),
		pending:    make(map[string]map[string]time.Time),
		routes:     make(map[string]map[string][]*route),
	}

	providers := opts.Config.Providers()
	upstreamOpts := []upstream.Option{upstream.WithRetryInterval(opts.Config.Upstream.RetryInterval)}
	if opts.HTTPClient != nil {
		upstreamOpts = append(upstreamOpts, upstream.WithHTTPClient(opts.HTTPClient))
	}
	for _, p := range providers {
		if _, dup := c.conns[p.Name]; dup {
			return nil, fmt.Errorf("core: duplicate provider %q", p.Name)
		}
		c.conns[p.Name] = upstream.New(p, upstreamOpts...)
		c.order = append(c.order, p.Name)
	}

	c.discoverer = discovery.New(discovery.Options{
		Providers: providers,
		Cache:     c.cache,
		Repo:      repo,
		Client:    opts.HTTPClient,
		Timeout:   opts.Config.Discovery.Timeout,
		Version:   opts.Config.Version,
	})
	c.resolver = resolver.New(repo, opts.Plugins)
	c.janitor = newJanitor(repo, opts.Config.Events)
	c.processor = processor.New(processor.Options{
		Version:    opts.Config.Version,
		Dispatcher: c.dispatcher,
	})

	c.transport = opts.Transport
	if c.transport == nil {
		c.transport = mcpgw.New(mcpgw.Options{
			Providers:         c.order,
			Agents:            repo,
			Ready:             c.ready,
			SubmissionTimeout: opts.Config.Submission.Timeout,
		})
	}
	c.transport.OnSubmission(c.HandlePostMessage)

	return c, nil
}

// Transport returns the client-facing transport.
func (c *Core) Transport() *mcpgw.Transport { return c.transport }

// Catalog returns the tool catalog cache.
func (c *Core) Catalog() *catalog.Cache { return c.cache }

// Repository returns the repository every admin operation goes through.
func (c *Core) Repository() contracts.Repository { return c.repo }

// Connection returns the upstream connection of a provider.
func (c *Core) Connection(provider string) (*upstream.Connection, bool) {
	conn, ok := c.conns[provider]
	return conn, ok
}

func (c *Core) ready(provider string) bool {
	conn, ok := c.conns[provider]
	return ok && conn.Ready()
}

func newJanitor(repo contracts.Repository, cfg config.EventsConfig) *retention.Janitor {
	opts := retention.Options{
		Retention: cfg.Retention,
		Interval:  cfg.SweepInterval,
	}
	if cfg.ArchiveDir != "" {
		opts.Archiver = retention.NewLocalFileArchiver(cfg.ArchiveDir, cfg.CompressArchives)
	}
	return retention.NewJanitor(repo, opts)
}

// ── Lifecycle ───────────────────────────────────────────────

// Start rehydrates the catalog, starts the retention janitor and launches
// one stream loop plus one relay goroutine per provider. It returns immediately; Close stops everything.
func (c *Core) Start(ctx context.Context) {
	c.startedOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)

		if err := c.cache.Rehydrate(ctx, c.repo); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to rehydrate tool catalog")
		}

		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.janitor.Start(ctx)
		}()

		for _, name := range c.order {
			conn := c.conns[name]
			events, unsubscribe := conn.Subscribe()

			c.wg.Add(2)
			go func() {
				defer c.wg.Done()
				defer unsubscribe()
				c.relay(ctx, conn, events)
			}()
			go func() {
				defer c.wg.Done()
				conn.Start(ctx)
			}()
		}

		c.logger.Info().Int("providers", len(c.order)).Msg("Gateway started")
	})
}

// Close stops upstream loops and waits for in-flight event deliveries.
func (c *Core) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.dispatcher.Wait()
}

// relay drains one connection's events in order.
func (c *Core) relay(ctx context.Context, conn *upstream.Connection, events <-chan upstream.Event) {
	name := conn.Name()
	logger := c.logger.With().Str("provider", name).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case upstream.EventReady:
				n := c.transport.PushEndpoint(name)
				logger.Info().Str("endpoint", ev.Endpoint).Int("streams", n).Msg("Upstream ready")
				c.wg.Add(1)
				go func() {
					defer c.wg.Done()
					tools, ok := c.discoverer.Discover(ctx, name)
					if ok {
						logger.Info().Int("tools", len(tools)).Msg("Tool catalog discovered")
					}
				}()
			case upstream.EventMessage:
				c.relayMessage(name, ev, logger)
				c.observeResponse(ctx, name, ev.Data, true)
			case upstream.EventDisconnected:
				logger.Warn().Msg("Upstream disconnected")
			}
		}
	}
}
