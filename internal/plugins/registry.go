// Package plugins loads the plugins declared in the gateway configuration.
//
// Built-in plugins are compiled in and selected by name. Out-of-tree
// plugins are executables run out of process (see exec.go); they are probed
// at load time and must advertise the capability their entry declares.
package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/internal/config"
	"github.com/radoslaw-sz/guardio/internal/guardrails"
	"github.com/radoslaw-sz/guardio/internal/notify"
	"github.com/radoslaw-sz/guardio/pkg/contracts"
)

// ConfigError is a hard configuration error found while loading plugins.
type ConfigError struct {
	Index int
	Type  string
	Name  string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("plugins[%d] (%s %q): %v", e.Index, e.Type, e.Name, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ── Set ─────────────────────────────────────────────────────

// Set is the result of loading one configuration: every instantiated plugin.
type Set struct {
	Storage    []contracts.StoragePlugin
	Policies   map[string]contracts.PolicyFactory
	Sinks      []contracts.EventSink
	SinkStores []contracts.EventSinkStore

	external map[string]bool
	closeMu  sync.Mutex
	closed   bool
}

// Repository returns the repository of the first storage plugin.
func (s *Set) Repository() contracts.Repository {
	if len(s.Storage) == 0 {
		return nil
	}
	return s.Storage[0].Repository()
}

// SinkStore returns the first event-sink store, or nil.
func (s *Set) SinkStore() contracts.EventSinkStore {
	if len(s.SinkStores) == 0 {
		return nil
	}
	return s.SinkStores[0]
}

// PolicyFactory returns the factory for a policy plugin name.
func (s *Set) PolicyFactory(name string) (contracts.PolicyFactory, bool) {
	f, ok := s.Policies[name]
	return f, ok
}

// PolicyDescriptors lists available policy types with their config schemas.
func (s *Set) PolicyDescriptors() []contracts.PolicyDescriptor {
	out := make([]contracts.PolicyDescriptor, 0, len(s.Policies))
	for name, f := range s.Policies {
		out = append(out, contracts.PolicyDescriptor{
			Name:        name,
			Description: f.Description(),
			Schema:      f.ConfigSchema(),
			External:    s.external[name],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close closes storage plugins and any sink holding resources.
// Safe to call multiple times.
func (s *Set) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, sink := range s.Sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, st := range s.Storage {
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ── Registry ────────────────────────────────────────────────

type loaded struct {
	cfg *config.Config
	set *Set
}

// Registry holds the known built-in plugin factories and caches loaded
// configurations by path. Thread-safe.
type Registry struct {
	mu         sync.RWMutex
	storages   map[string]StorageFactory
	policies   map[string]contracts.PolicyFactory
	sinks      map[string]notify.SinkFactory
	sinkStores map[string]notify.SinkStoreFactory
	cache      map[string]*loaded

	runner *Runner
}

// NewRegistry creates a registry with every built-in plugin registered.
func NewRegistry() *Registry {
	r := &Registry{
		storages:   StorageFactories(),
		policies:   make(map[string]contracts.PolicyFactory),
		sinks:      notify.SinkFactories(),
		sinkStores: notify.SinkStoreFactories(),
		cache:      make(map[string]*loaded),
		runner:     NewRunner(DefaultExecTimeout),
	}
	for _, f := range guardrails.Factories() {
		r.policies[f.Name()] = f
	}
	return r
}

// RegisterPolicy adds a compiled-in policy factory. Overwrites if exists.
func (r *Registry) RegisterPolicy(f contracts.PolicyFactory) {
	r.mu.Lock()
	r.policies[f.Name()] = f
	r.mu.Unlock()
	log.Info().Str("name", f.Name()).Msg("Policy plugin registered")
}

// RegisterSink adds a compiled-in event sink factory. Overwrites if exists.
func (r *Registry) RegisterSink(name string, f notify.SinkFactory) {
	r.mu.Lock()
	r.sinks[name] = f
	r.mu.Unlock()
	log.Info().Str("name", name).Msg("Event sink registered")
}

// BuiltinPolicies returns the names of compiled-in policy plugins.
func (r *Registry) BuiltinPolicies() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.policies))
	for name := range r.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load reads the config document at path and instantiates its plugins.
// Results are cached per path; later calls return the same Set.
func (r *Registry) Load(ctx context.Context, path string) (*config.Config, *Set, error) {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = abs
	}

	r.mu.RLock()
	if l, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return l.cfg, l.set, nil
	}
	r.mu.RUnlock()

	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	set, err := r.Build(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.cache[key]; ok {
		// Lost a concurrent load; keep the first.
		_ = set.Close()
		return l.cfg, l.set, nil
	}
	r.cache[key] = &loaded{cfg: cfg, set: set}
	return cfg, set, nil
}

// Build instantiates the plugins of an already-parsed config.
//
// Storage plugins are built first so storage-dependent types receive the
// first of them in their PluginContext. Defaults: a memory store when no
// storage is declared, every built-in policy when no policy is declared,
// and the store sink and sink store when none are declared.
func (r *Registry) Build(ctx context.Context, cfg *config.Config) (*Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := &Set{
		Policies: make(map[string]contracts.PolicyFactory),
		external: make(map[string]bool),
	}
	fail := func(err error) (*Set, error) {
		_ = set.Close()
		return nil, err
	}

	// Pass 1: storage.
	for i, p := range cfg.Plugins {
		if p.Type != string(contracts.PluginTypeStorage) {
			continue
		}
		if p.Path != "" {
			return fail(&ConfigError{Index: i, Type: p.Type, Name: p.Name,
				Err: errors.New("out-of-process storage plugins are not supported")})
		}
		factory, ok := r.storages[p.Name]
		if !ok {
			return fail(&ConfigError{Index: i, Type: p.Type, Name: p.Name, Err: errors.New("unknown built-in storage plugin")})
		}
		raw, err := rawConfig(p.Config)
		if err != nil {
			return fail(&ConfigError{Index: i, Type: p.Type, Name: p.Name, Err: err})
		}
		st, err := factory(ctx, raw)
		if err != nil {
			return fail(&ConfigError{Index: i, Type: p.Type, Name: p.Name, Err: err})
		}
		set.Storage = append(set.Storage, st)
		log.Info().Str("name", p.Name).Msg("Storage plugin loaded")
	}
	if len(set.Storage) == 0 {
		st, err := r.storages["memory"](ctx, nil)
		if err != nil {
			return fail(err)
		}
		set.Storage = append(set.Storage, st)
		log.Info().Msg("No storage plugin configured, using in-memory store")
	}

	pc := contracts.PluginContext{Storage: set.Storage[0]}

	// Pass 2: everything else, in declaration order.
	for i, p := range cfg.Plugins {
		if p.Type == string(contracts.PluginTypeStorage) {
			continue
		}
		raw, err := rawConfig(p.Config)
		if err != nil {
			return fail(&ConfigError{Index: i, Type: p.Type, Name: p.Name, Err: err})
		}
		if err := r.loadOne(ctx, set, pc, p, raw); err != nil {
			return fail(&ConfigError{Index: i, Type: p.Type, Name: p.Name, Err: err})
		}
	}

	if len(set.Policies) == 0 {
		for name, f := range r.policies {
			set.Policies[name] = f
		}
	}
	if len(set.Sinks) == 0 {
		sink, err := r.sinks["store"](nil, pc)
		if err != nil {
			return fail(err)
		}
		set.Sinks = append(set.Sinks, sink)
	}
	if len(set.SinkStores) == 0 {
		ss, err := r.sinkStores["store"](nil, pc)
		if err != nil {
			return fail(err)
		}
		set.SinkStores = append(set.SinkStores, ss)
	}

	log.Info().
		Int("storage", len(set.Storage)).
		Int("policies", len(set.Policies)).
		Int("sinks", len(set.Sinks)).
		Int("sink_stores", len(set.SinkStores)).
		Msg("Plugins loaded")
	return set, nil
}

func (r *Registry) loadOne(ctx context.Context, set *Set, pc contracts.PluginContext, p config.PluginConfig, raw json.RawMessage) error {
	if p.Path != "" {
		return r.loadExternal(ctx, set, p, raw)
	}

	switch contracts.PluginType(p.Type) {
	case contracts.PluginTypePolicy:
		f, ok := r.policies[p.Name]
		if !ok {
			return errors.New("unknown built-in policy plugin")
		}
		// Entry config, when given, must be a valid instance config.
		if len(p.Config) > 0 {
			if err := f.ValidateConfig(raw); err != nil {
				return err
			}
		}
		set.Policies[p.Name] = f

	case contracts.PluginTypeEventSink:
		f, ok := r.sinks[p.Name]
		if !ok {
			return errors.New("unknown built-in event sink")
		}
		sink, err := f(raw, pc)
		if err != nil {
			return err
		}
		set.Sinks = append(set.Sinks, sink)

	case contracts.PluginTypeEventSinkStore:
		f, ok := r.sinkStores[p.Name]
		if !ok {
			return errors.New("unknown built-in event sink store")
		}
		ss, err := f(raw, pc)
		if err != nil {
			return err
		}
		set.SinkStores = append(set.SinkStores, ss)

	default:
		return fmt.Errorf("unsupported plugin type %q", p.Type)
	}

	log.Info().Str("type", p.Type).Str("name", p.Name).Msg("Plugin loaded")
	return nil
}

func (r *Registry) loadExternal(ctx context.Context, set *Set, p config.PluginConfig, raw json.RawMessage) error {
	var want string
	switch contracts.PluginType(p.Type) {
	case contracts.PluginTypePolicy:
		want = CapabilityEvaluate
	case contracts.PluginTypeEventSink:
		want = CapabilityEmit
	default:
		return fmt.Errorf("out-of-process %s plugins are not supported", p.Type)
	}

	desc, err := r.runner.Describe(ctx, p.Path)
	if err != nil {
		return err
	}
	if !desc.has(want) {
		return fmt.Errorf("plugin %s does not advertise the %q capability (got %v)", p.Path, want, desc.Capabilities)
	}

	switch want {
	case CapabilityEvaluate:
		if _, exists := set.Policies[p.Name]; exists {
			return fmt.Errorf("policy plugin name %q is already in use", p.Name)
		}
		set.Policies[p.Name] = &execPolicyFactory{runner: r.runner, name: p.Name, path: p.Path, desc: desc}
		set.external[p.Name] = true
	case CapabilityEmit:
		set.Sinks = append(set.Sinks, &execSink{runner: r.runner, name: p.Name, path: p.Path, config: raw})
	}

	log.Info().Str("type", p.Type).Str("name", p.Name).Str("path", p.Path).Str("reported_name", desc.Name).Msg("External plugin loaded")
	return nil
}

// rawConfig re-encodes a decoded config map for the plugin constructors.
func rawConfig(m map[string]interface{}) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode plugin config: %w", err)
	}
	return data, nil
}
