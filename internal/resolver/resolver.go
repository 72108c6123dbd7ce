// Package resolver turns policy assignments into ready-to-evaluate plugin
// instances for one (agent, tool, provider) context.
package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/internal/processor"
	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/contracts"
)

// Context identifies the call being resolved.
type Context struct {
	AgentID      string
	ToolName     string
	ProviderName string
}

// Factories looks up policy factories by plugin name.
type Factories interface {
	PolicyFactory(name string) (contracts.PolicyFactory, bool)
}

type cacheKey struct {
	id      string
	updated time.Time
}

// Resolver loads matching assignments and instantiates their policies.
// Instances are cached until the policy instance is updated.
type Resolver struct {
	repo      store.PolicyStore
	factories Factories
	logger    zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPlugin
}

type cachedPlugin struct {
	key    cacheKey
	plugin contracts.PolicyPlugin
}

// New creates a Resolver.
func New(repo store.PolicyStore, factories Factories) *Resolver {
	return &Resolver{
		repo:      repo,
		factories: factories,
		logger:    log.With().Str("component", "resolver").Logger(),
		cache:     make(map[string]cachedPlugin),
	}
}

// Resolve returns the policies applying to rc, highest priority first. An
// instance matched by several assignments appears once, at its highest
// priority. Storage errors yield no policies; instantiation failures skip
// that policy.
func (r *Resolver) Resolve(ctx context.Context, rc Context) []processor.ResolvedPolicy {
	assignments, err := r.repo.MatchAssignments(ctx, rc.AgentID, rc.ToolName, rc.ProviderName)
	if err != nil {
		r.logger.Error().Err(err).Str("tool", rc.ToolName).Msg("Failed to load policy assignments")
		return nil
	}
	store.SortByPriority(assignments)

	seen := make(map[string]bool, len(assignments))
	var out []processor.ResolvedPolicy
	for _, a := range assignments {
		if seen[a.PolicyInstanceID] {
			continue
		}
		seen[a.PolicyInstanceID] = true

		inst, err := r.repo.GetPolicyInstance(ctx, a.PolicyInstanceID)
		if err != nil {
			r.logger.Warn().Err(err).Str("policy_id", a.PolicyInstanceID).Msg("Assigned policy instance not loadable, skipping")
			continue
		}
		if !inst.Enabled {
			continue
		}

		plugin, err := r.instantiate(inst.ID, inst.PluginName, inst.Config, inst.UpdatedAt)
		if err != nil {
			r.logger.Warn().Err(err).
				Str("policy_id", inst.ID).
				Str("plugin", inst.PluginName).
				Msg("Failed to instantiate policy, skipping")
			continue
		}

		out = append(out, processor.ResolvedPolicy{
			InstanceID: inst.ID,
			Name:       inst.Name,
			PluginName: inst.PluginName,
			Priority:   a.Priority,
			Plugin:     plugin,
		})
	}
	return out
}

func (r *Resolver) instantiate(id, pluginName string, config []byte, updated time.Time) (contracts.PolicyPlugin, error) {
	key := cacheKey{id: id, updated: updated}

	r.mu.Lock()
	if c, ok := r.cache[id]; ok && c.key.updated.Equal(key.updated) {
		r.mu.Unlock()
		return c.plugin, nil
	}
	r.mu.Unlock()

	factory, ok := r.factories.PolicyFactory(pluginName)
	if !ok {
		return nil, &store.ErrNotFound{Entity: "policy plugin", Key: pluginName}
	}
	plugin, err := factory.New(config)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[id] = cachedPlugin{key: key, plugin: plugin}
	r.mu.Unlock()
	return plugin, nil
}

// Forget drops the cached plugin of a policy instance.
func (r *Resolver) Forget(id string) {
	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()
}
