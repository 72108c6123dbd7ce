// Package contracts defines the plugin capability interfaces of the Guardio
// gateway.
//
// These interfaces are the extension point between the core and its plugins.
// Built-in plugins (internal/guardrails, internal/notify, internal/store) and
// out-of-process plugins (internal/plugins/exec.go) both satisfy them, so the
// core never depends on a concrete backend.
package contracts

import (
	"context"
	"encoding/json"

	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// Repository is a type alias for the internal Repository interface.
// Exposed in pkg/ so plugins can reference it without importing internal/.
type Repository = store.Repository

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// PluginType names the capability a plugin entry declares.
type PluginType string

const (
	PluginTypeStorage        PluginType = "storage"
	PluginTypePolicy         PluginType = "policy"
	PluginTypeEventSink      PluginType = "event_sink"
	PluginTypeEventSinkStore PluginType = "event_sink_store"
)

// Plugin is the minimal shape every plugin has.
type Plugin interface {
	Name() string
}

// ── Storage ─────────────────────────────────────────────────

// StoragePlugin provides the repository the core reads and writes through.
type StoragePlugin interface {
	Plugin
	Repository() Repository
	Close() error
}

// ── Policy ──────────────────────────────────────────────────

// PolicyPlugin evaluates one tool call. Returning an error is treated by the
// pipeline as allow; plugins should reserve it for internal failures.
type PolicyPlugin interface {
	Plugin
	Evaluate(ctx context.Context, call *models.PolicyContext) (*models.PolicyResult, error)
}

// PolicyFactory builds policy plugins from a policy instance's config.
type PolicyFactory interface {
	Name() string
	Description() string

	// ConfigSchema returns a JSON-schema-like description of the config
	// for admin UIs. May be nil when the plugin takes no config.
	ConfigSchema() map[string]interface{}

	// ValidateConfig rejects configs that New would fail on.
	ValidateConfig(raw json.RawMessage) error

	New(raw json.RawMessage) (PolicyPlugin, error)
}

// PolicyDescriptor is what GET /api/policies returns for one policy type.
type PolicyDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"configSchema,omitempty"`
	External    bool                   `json:"external,omitempty"`
}

// ── Events ──────────────────────────────────────────────────

// EventSink receives audit events. Emit is called off the response path.
type EventSink interface {
	Plugin
	Emit(ctx context.Context, event *models.GuardioEvent) error
}

// EventSinkStore serves recorded audit events back to the admin API.
type EventSinkStore interface {
	Plugin
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.GuardioEvent, error)
}

// ── Plugin Context ──────────────────────────────────────────

// PluginContext is handed to storage-dependent plugin types.
// Storage is the first configured storage plugin, or nil.
type PluginContext struct {
	Storage StoragePlugin
}

// Repository returns the shared repository, or nil when no storage is configured.
func (pc PluginContext) Repository() Repository {
	if pc.Storage == nil {
		return nil
	}
	return pc.Storage.Repository()
}
