// Package notify delivers audit events to the configured event sinks.
//
// Built-in sinks:
//   - log: writes each event through zerolog
//   - webhook: HTTP POST with optional HMAC-SHA256 signing and retries
//   - redis: XADD to a Redis stream
//   - store: persists events through the shared repository
//
// The store package also provides the built-in event-sink store, which
// serves recorded events back to the admin API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// SinkFactory builds an event sink from its plugin config.
type SinkFactory func(raw json.RawMessage, pc contracts.PluginContext) (contracts.EventSink, error)

// SinkStoreFactory builds an event-sink store from its plugin config.
type SinkStoreFactory func(raw json.RawMessage, pc contracts.PluginContext) (contracts.EventSinkStore, error)

// SinkFactories returns the built-in event sinks keyed by name.
func SinkFactories() map[string]SinkFactory {
	return map[string]SinkFactory{
		"log":     NewLogSink,
		"webhook": NewWebhookSink,
		"redis":   NewRedisSink,
		"store":   NewStoreSink,
	}
}

// SinkStoreFactories returns the built-in event-sink stores keyed by name.
func SinkStoreFactories() map[string]SinkStoreFactory {
	return map[string]SinkStoreFactory{
		"store": NewStoreSinkStore,
	}
}

// SinkNames lists built-in sink names, sorted.
func SinkNames() []string {
	names := make([]string, 0, 4)
	for name := range SinkFactories() {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ── Dispatcher ──────────────────────────────────────────────

// DefaultEmitTimeout bounds a single sink delivery.
const DefaultEmitTimeout = 30 * time.Second

// Dispatcher fans events out to sinks off the caller's path.
// Delivery failures are logged and never surface to the caller.
type Dispatcher struct {
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher. A zero timeout uses DefaultEmitTimeout.
func NewDispatcher(timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultEmitTimeout
	}
	return &Dispatcher{timeout: timeout}
}

// Dispatch sends the event to every sink concurrently and returns immediately.
func (d *Dispatcher) Dispatch(sinks []contracts.EventSink, event *models.GuardioEvent) {
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		d.wg.Add(1)
		go func(sink contracts.EventSink) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			defer cancel()
			if err := sink.Emit(ctx, event); err != nil {
				log.Warn().Err(err).
					Str("sink", sink.Name()).
					Str("event_id", event.ID).
					Str("decision", event.Decision).
					Msg("Event sink delivery failed")
			}
		}(sink)
	}
}

// Wait blocks until all in-flight deliveries finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ── Helpers ─────────────────────────────────────────────────

func decodeConfig(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
