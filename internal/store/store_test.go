package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// backends returns one fresh instance of every Repository implementation
// that can run without external services.
func backends(t *testing.T) map[string]store.Repository {
	t.Helper()

	mem := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { mem.Close() })

	sqlite, err := store.NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "guardio.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]store.Repository{
		"memory": mem,
		"sqlite": sqlite,
	}
}

func strPtr(s string) *string { return &s }

func newInstance(id, plugin string) *models.PolicyInstance {
	now := time.Now().UTC()
	return &models.PolicyInstance{
		ID:         id,
		PluginName: plugin,
		Name:       id,
		Config:     []byte(`{"blockedTools":["rm"]}`),
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// ─── Agents & Connections ────────────────────────────────────

func TestAgentLifecycle(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			agent := &models.Agent{ID: "a1", Name: "agent-quiet-otter-1a2b", NameGenerated: true, ProviderName: "weather"}
			require.NoError(t, s.UpsertAgent(ctx, agent))

			got, err := s.GetAgent(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, "agent-quiet-otter-1a2b", got.Name)
			assert.True(t, got.NameGenerated)

			now := time.Now().UTC()
			require.NoError(t, s.CreateConnection(ctx, &models.AgentConnection{ID: "c1", AgentID: "a1", ProviderName: "weather", ConnectedAt: now}))
			require.NoError(t, s.CreateConnection(ctx, &models.AgentConnection{ID: "c2", AgentID: "a1", ProviderName: "weather", ConnectedAt: now.Add(time.Second)}))

			conns, err := s.ListConnections(ctx)
			require.NoError(t, err)
			assert.Len(t, conns, 2)

			// Agent survives while another connection references it.
			require.NoError(t, s.DeleteConnection(ctx, "c1"))
			_, err = s.GetAgent(ctx, "a1")
			require.NoError(t, err)

			require.NoError(t, s.DeleteConnection(ctx, "c2"))
			_, err = s.GetAgent(ctx, "a1")
			var nf *store.ErrNotFound
			assert.True(t, errors.As(err, &nf), "expected ErrNotFound, got %v", err)

			err = s.DeleteConnection(ctx, "missing")
			assert.True(t, errors.As(err, &nf))
		})
	}
}

// ─── Policy Instances ────────────────────────────────────────

func TestPolicyInstanceCRUD(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			inst := newInstance("p1", "deny-tools")
			require.NoError(t, s.CreatePolicyInstance(ctx, inst))

			got, err := s.GetPolicyInstance(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, "deny-tools", got.PluginName)
			assert.True(t, got.Enabled)
			assert.JSONEq(t, `{"blockedTools":["rm"]}`, string(got.Config))

			inst.Enabled = false
			inst.Config = []byte(`{"blockedTools":["rm","mv"]}`)
			require.NoError(t, s.UpdatePolicyInstance(ctx, inst))

			got, err = s.GetPolicyInstance(ctx, "p1")
			require.NoError(t, err)
			assert.False(t, got.Enabled)
			assert.JSONEq(t, `{"blockedTools":["rm","mv"]}`, string(got.Config))

			missing := newInstance("nope", "deny-tools")
			var nf *store.ErrNotFound
			assert.True(t, errors.As(s.UpdatePolicyInstance(ctx, missing), &nf))

			list, err := s.ListPolicyInstances(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})
	}
}

func TestDeletePolicyInstanceCascadesAssignments(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreatePolicyInstance(ctx, newInstance("p1", "regex")))
			require.NoError(t, s.SetAssignments(ctx, "p1", []models.PolicyAssignment{
				{ID: "as1", ToolName: strPtr("get_weather"), Priority: 5},
			}))

			matched, err := s.MatchAssignments(ctx, "agent", "get_weather", "weather")
			require.NoError(t, err)
			require.Len(t, matched, 1)

			require.NoError(t, s.DeletePolicyInstance(ctx, "p1"))

			matched, err = s.MatchAssignments(ctx, "agent", "get_weather", "weather")
			require.NoError(t, err)
			assert.Empty(t, matched)

			assignments, err := s.ListAssignments(ctx, "p1")
			require.NoError(t, err)
			assert.Empty(t, assignments)

			var nf *store.ErrNotFound
			assert.True(t, errors.As(s.DeletePolicyInstance(ctx, "p1"), &nf))
		})
	}
}

// ─── Assignments ─────────────────────────────────────────────

func TestSetAssignmentsRequiresInstance(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			err := s.SetAssignments(context.Background(), "ghost", []models.PolicyAssignment{{ID: "x"}})
			var nf *store.ErrNotFound
			assert.True(t, errors.As(err, &nf), "expected ErrNotFound, got %v", err)
		})
	}
}

func TestMatchAssignmentsScopesAndPriority(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.CreatePolicyInstance(ctx, newInstance("global", "pii")))
			require.NoError(t, s.CreatePolicyInstance(ctx, newInstance("tool", "regex")))
			require.NoError(t, s.CreatePolicyInstance(ctx, newInstance("agent", "deny-tools")))

			require.NoError(t, s.SetAssignments(ctx, "global", []models.PolicyAssignment{
				{ID: "g", Priority: 1},
			}))
			require.NoError(t, s.SetAssignments(ctx, "tool", []models.PolicyAssignment{
				{ID: "t", ToolName: strPtr("get_weather"), Priority: 10},
			}))
			require.NoError(t, s.SetAssignments(ctx, "agent", []models.PolicyAssignment{
				{ID: "a", AgentID: strPtr("agent-1"), ProviderName: strPtr("weather"), Priority: 5},
			}))

			matched, err := s.MatchAssignments(ctx, "agent-1", "get_weather", "weather")
			require.NoError(t, err)
			require.Len(t, matched, 3)
			assert.Equal(t, "tool", matched[0].PolicyInstanceID)
			assert.Equal(t, "agent", matched[1].PolicyInstanceID)
			assert.Equal(t, "global", matched[2].PolicyInstanceID)

			matched, err = s.MatchAssignments(ctx, "agent-2", "list_files", "weather")
			require.NoError(t, err)
			require.Len(t, matched, 1)
			assert.Equal(t, "global", matched[0].PolicyInstanceID)

			// Replacing assignments drops the old ones.
			require.NoError(t, s.SetAssignments(ctx, "global", nil))
			matched, err = s.MatchAssignments(ctx, "agent-2", "list_files", "weather")
			require.NoError(t, err)
			assert.Empty(t, matched)
		})
	}
}

// ─── Catalogs ────────────────────────────────────────────────

func TestToolCatalogRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			tools := []models.ToolInfo{{Name: "get_weather", Description: "Current weather"}}
			require.NoError(t, s.SaveToolCatalog(ctx, "weather", tools))
			require.NoError(t, s.SaveToolCatalog(ctx, "weather", append(tools, models.ToolInfo{Name: "get_forecast"})))

			catalogs, err := s.LoadToolCatalogs(ctx)
			require.NoError(t, err)
			require.Contains(t, catalogs, "weather")
			assert.Len(t, catalogs["weather"], 2)
			assert.Equal(t, "get_forecast", catalogs["weather"][1].Name)
		})
	}
}

// ─── Events ──────────────────────────────────────────────────

func TestListEventsNewestFirstWithFilters(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC().Add(-time.Hour)

			for i, decision := range []string{models.DecisionAllowed, models.DecisionBlocked, models.DecisionAllowed} {
				require.NoError(t, s.CreateEvent(ctx, &models.GuardioEvent{
					ID:        string(rune('a' + i)),
					Timestamp: base.Add(time.Duration(i) * time.Minute),
					EventType: models.EventTypeToolCall,
					AgentID:   "agent-1",
					ToolName:  "get_weather",
					Decision:  decision,
					RequestSummary: map[string]interface{}{
						"index": float64(i),
					},
				}))
			}

			events, err := s.ListEvents(ctx, models.EventFilter{})
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, "c", events[0].ID)
			assert.Equal(t, "a", events[2].ID)
			assert.Equal(t, float64(2), events[0].RequestSummary["index"])

			blocked, err := s.ListEvents(ctx, models.EventFilter{Decision: models.DecisionBlocked})
			require.NoError(t, err)
			require.Len(t, blocked, 1)
			assert.Equal(t, "b", blocked[0].ID)

			limited, err := s.ListEvents(ctx, models.EventFilter{Limit: 2})
			require.NoError(t, err)
			assert.Len(t, limited, 2)

			since := base.Add(90 * time.Second)
			recent, err := s.ListEvents(ctx, models.EventFilter{Since: &since})
			require.NoError(t, err)
			require.Len(t, recent, 1)
			assert.Equal(t, "c", recent[0].ID)

			none, err := s.ListEvents(ctx, models.EventFilter{AgentID: "someone-else"})
			require.NoError(t, err)
			assert.Empty(t, none)

			cutoff := base.Add(90 * time.Second)
			older, err := s.ListEvents(ctx, models.EventFilter{Before: &cutoff})
			require.NoError(t, err)
			require.Len(t, older, 2)
			assert.Equal(t, "b", older[0].ID)

			n, err := s.DeleteEvents(ctx, []string{"a", "b", "missing"})
			require.NoError(t, err)
			assert.Equal(t, 2, n)
			remaining, err := s.ListEvents(ctx, models.EventFilter{})
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			assert.Equal(t, "c", remaining[0].ID)

			n, err = s.DeleteEvents(ctx, nil)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}
