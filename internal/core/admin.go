package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ValidationError marks a rejected admin write.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return e.Field + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ErrNoEventStore is returned by ListEvents when no event-sink store is loaded.
var ErrNoEventStore = errors.New("no event sink store configured")

// AssignmentInput scopes a policy instance. Nil fields match everything.
type AssignmentInput struct {
	AgentID      *string `json:"agentId,omitempty"`
	ToolName     *string `json:"toolName,omitempty"`
	ProviderName *string `json:"providerName,omitempty"`
	Priority     int     `json:"priority"`
}

// PolicyInput is the body of a policy instance create or patch. On patch,
// nil fields are left unchanged.
type PolicyInput struct {
	PluginName  string             `json:"pluginName"`
	Name        *string            `json:"name,omitempty"`
	Config      json.RawMessage    `json:"config,omitempty"`
	Enabled     *bool              `json:"enabled,omitempty"`
	Assignments *[]AssignmentInput `json:"assignments,omitempty"`
}

// ── Policy Instances ────────────────────────────────────────

// ListPolicyInstances returns every instance with its assignments.
func (c *Core) ListPolicyInstances(ctx context.Context) ([]models.PolicyInstance, error) {
	instances, err := c.repo.ListPolicyInstances(ctx)
	if err != nil {
		return nil, err
	}
	for i := range instances {
		assignments, err := c.repo.ListAssignments(ctx, instances[i].ID)
		if err != nil {
			return nil, err
		}
		instances[i].Assignments = assignments
	}
	return instances, nil
}

// GetPolicyInstance returns one instance with its assignments.
func (c *Core) GetPolicyInstance(ctx context.Context, id string) (*models.PolicyInstance, error) {
	inst, err := c.repo.GetPolicyInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	assignments, err := c.repo.ListAssignments(ctx, id)
	if err != nil {
		return nil, err
	}
	inst.Assignments = assignments
	return inst, nil
}

// CreatePolicyInstance validates the config against the plugin and stores
// the instance and its assignments.
func (c *Core) CreatePolicyInstance(ctx context.Context, in PolicyInput) (*models.PolicyInstance, error) {
	if in.PluginName == "" {
		return nil, &ValidationError{Field: "pluginName", Err: errors.New("is required")}
	}
	config, err := c.validateConfig(in.PluginName, in.Config)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &models.PolicyInstance{
		ID:         uuid.New().String(),
		PluginName: in.PluginName,
		Config:     config,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if in.Name != nil {
		inst.Name = *in.Name
	}
	if in.Enabled != nil {
		inst.Enabled = *in.Enabled
	}

	if err := c.repo.CreatePolicyInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("create policy instance: %w", err)
	}
	if in.Assignments != nil {
		if err := c.repo.SetAssignments(ctx, inst.ID, toAssignments(inst.ID, *in.Assignments)); err != nil {
			if derr := c.repo.DeletePolicyInstance(context.WithoutCancel(ctx), inst.ID); derr != nil {
				c.logger.Warn().Err(derr).Str("policy_id", inst.ID).Msg("Failed to roll back policy instance")
			}
			return nil, fmt.Errorf("set assignments: %w", err)
		}
	}

	c.logger.Info().Str("policy_id", inst.ID).Str("plugin", inst.PluginName).Msg("Policy instance created")
	return c.GetPolicyInstance(ctx, inst.ID)
}

// UpdatePolicyInstance applies a partial update. A changed plugin name
// re-validates the (new or existing) config against the new plugin.
func (c *Core) UpdatePolicyInstance(ctx context.Context, id string, in PolicyInput) (*models.PolicyInstance, error) {
	inst, err := c.repo.GetPolicyInstance(ctx, id)
	if err != nil {
		return nil, err
	}

	if in.PluginName != "" {
		inst.PluginName = in.PluginName
	}
	if in.Config != nil || in.PluginName != "" {
		raw := in.Config
		if raw == nil {
			raw = inst.Config
		}
		config, err := c.validateConfig(inst.PluginName, raw)
		if err != nil {
			return nil, err
		}
		inst.Config = config
	}
	if in.Name != nil {
		inst.Name = *in.Name
	}
	if in.Enabled != nil {
		inst.Enabled = *in.Enabled
	}
	inst.UpdatedAt = time.Now().UTC()
	inst.Assignments = nil

	if err := c.repo.UpdatePolicyInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("update policy instance: %w", err)
	}
	if in.Assignments != nil {
		if err := c.repo.SetAssignments(ctx, id, toAssignments(id, *in.Assignments)); err != nil {
			return nil, fmt.Errorf("set assignments: %w", err)
		}
	}
	c.resolver.Forget(id)

	c.logger.Info().Str("policy_id", id).Msg("Policy instance updated")
	return c.GetPolicyInstance(ctx, id)
}

// DeletePolicyInstance removes an instance and its assignments.
func (c *Core) DeletePolicyInstance(ctx context.Context, id string) error {
	if err := c.repo.DeletePolicyInstance(ctx, id); err != nil {
		return err
	}
	c.resolver.Forget(id)
	c.logger.Info().Str("policy_id", id).Msg("Policy instance deleted")
	return nil
}

// ListPolicyTypes describes every loaded policy plugin.
func (c *Core) ListPolicyTypes() []contracts.PolicyDescriptor {
	return c.plugins.PolicyDescriptors()
}

func (c *Core) validateConfig(pluginName string, raw json.RawMessage) (json.RawMessage, error) {
	factory, ok := c.plugins.PolicyFactory(pluginName)
	if !ok {
		return nil, &ValidationError{Field: "pluginName", Err: fmt.Errorf("unknown policy plugin %q", pluginName)}
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	if err := factory.ValidateConfig(trimmed); err != nil {
		return nil, &ValidationError{Field: "config", Err: err}
	}
	return json.RawMessage(trimmed), nil
}

func toAssignments(instanceID string, in []AssignmentInput) []models.PolicyAssignment {
	out := make([]models.PolicyAssignment, 0, len(in))
	for _, a := range in {
		out = append(out, models.PolicyAssignment{
			ID:               uuid.New().String(),
			PolicyInstanceID: instanceID,
			AgentID:          emptyToNil(a.AgentID),
			ToolName:         emptyToNil(a.ToolName),
			ProviderName:     emptyToNil(a.ProviderName),
			Priority:         a.Priority,
		})
	}
	return out
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}

// ── Observability ───────────────────────────────────────────

// ConnectionSnapshot reports each provider's upstream state, its live
// streams and the persisted agents and connections.
func (c *Core) ConnectionSnapshot(ctx context.Context) (*models.ConnectionSnapshot, error) {
	agents, err := c.repo.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	conns, err := c.repo.ListConnections(ctx)
	if err != nil {
		return nil, err
	}

	byProvider := make(map[string][]models.Agent)
	for _, a := range agents {
		byProvider[a.ProviderName] = append(byProvider[a.ProviderName], a)
	}

	snap := &models.ConnectionSnapshot{
		Providers:   make([]models.ProviderSnapshot, 0, len(c.order)),
		Connections: conns,
		GeneratedAt: time.Now().UTC(),
	}
	if snap.Connections == nil {
		snap.Connections = []models.AgentConnection{}
	}
	for _, name := range c.order {
		conn := c.conns[name]
		provAgents := byProvider[name]
		if provAgents == nil {
			provAgents = []models.Agent{}
		}
		sort.Slice(provAgents, func(i, j int) bool { return provAgents[i].Name < provAgents[j].Name })

		snap.Providers = append(snap.Providers, models.ProviderSnapshot{
			Name:        name,
			URL:         conn.URL(),
			State:       string(conn.State()),
			Ready:       conn.Ready(),
			Connections: c.transport.Sessions().Count(name),
			Tools:       c.cache.Count(name),
			Agents:      provAgents,
			Live:        c.transport.Sessions().Snapshot(name),
		})
	}
	return snap, nil
}

// ListEvents reads audit events through the first event-sink store.
func (c *Core) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.GuardioEvent, error) {
	ss := c.plugins.SinkStore()
	if ss == nil {
		return nil, ErrNoEventStore
	}
	events, err := ss.ListEvents(ctx, filter)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []models.GuardioEvent{}
	}
	return events, nil
}

// ToolCatalog returns the cached catalog of every provider, including
// providers with no catalog yet.
func (c *Core) ToolCatalog() map[string][]models.ToolInfo {
	all := c.cache.All()
	for _, name := range c.order {
		if _, ok := all[name]; !ok {
			all[name] = []models.ToolInfo{}
		}
	}
	return all
}
