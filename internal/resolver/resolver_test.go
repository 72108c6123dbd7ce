package resolver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radoslaw-sz/guardio/internal/guardrails"
	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

type builtins map[string]contracts.PolicyFactory

func (b builtins) PolicyFactory(name string) (contracts.PolicyFactory, bool) {
	f, ok := b[name]
	return f, ok
}

func newBuiltins() builtins {
	b := builtins{}
	for _, f := range guardrails.Factories() {
		b[f.Name()] = f
	}
	return b
}

func strPtr(s string) *string { return &s }

func seed(t *testing.T, repo *store.MemoryStore, id, plugin, config string, enabled bool, assignments ...models.PolicyAssignment) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, repo.CreatePolicyInstance(ctx, &models.PolicyInstance{
		ID: id, PluginName: plugin, Config: json.RawMessage(config), Enabled: enabled,
		CreatedAt: now, UpdatedAt: now,
	}))
	for i := range assignments {
		assignments[i].ID = id + "-a" + string(rune('0'+i))
	}
	require.NoError(t, repo.SetAssignments(ctx, id, assignments))
}

func TestResolve_OrdersByPriorityAndFiltersScope(t *testing.T) {
	repo := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { repo.Close() })

	seed(t, repo, "low", "deny-tools", `{"tools":["rm_*"]}`, true, models.PolicyAssignment{Priority: 1})
	seed(t, repo, "high", "regex", `{"pattern":"secret"}`, true, models.PolicyAssignment{Priority: 10, ToolName: strPtr("get_weather")})
	seed(t, repo, "other-tool", "regex", `{"pattern":"x"}`, true, models.PolicyAssignment{Priority: 50, ToolName: strPtr("read_file")})
	seed(t, repo, "disabled", "regex", `{"pattern":"x"}`, false, models.PolicyAssignment{Priority: 99})

	r := New(repo, newBuiltins())
	got := r.Resolve(context.Background(), Context{AgentID: "a1", ToolName: "get_weather", ProviderName: "weather"})

	require.Len(t, got, 2)
	assert.Equal(t, "high", got[0].InstanceID)
	assert.Equal(t, 10, got[0].Priority)
	assert.Equal(t, "regex", got[0].PluginName)
	assert.Equal(t, "low", got[1].InstanceID)
}

func TestResolve_SkipsBrokenInstances(t *testing.T) {
	repo := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { repo.Close() })

	seed(t, repo, "bad-config", "regex", `{"pattern":"("}`, true, models.PolicyAssignment{Priority: 3})
	seed(t, repo, "unknown", "no-such-plugin", `{}`, true, models.PolicyAssignment{Priority: 2})
	seed(t, repo, "good", "regex", `{"pattern":"x"}`, true, models.PolicyAssignment{Priority: 1})

	got := New(repo, newBuiltins()).Resolve(context.Background(), Context{ToolName: "t"})
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].InstanceID)
}

func TestResolve_DedupesInstanceAtHighestPriority(t *testing.T) {
	repo := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { repo.Close() })

	seed(t, repo, "p", "regex", `{"pattern":"x"}`, true,
		models.PolicyAssignment{Priority: 1},
		models.PolicyAssignment{Priority: 7, AgentID: strPtr("a1")},
	)

	got := New(repo, newBuiltins()).Resolve(context.Background(), Context{AgentID: "a1", ToolName: "t"})
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].Priority)
}

func TestResolve_CachesUntilUpdated(t *testing.T) {
	repo := store.NewMemoryStore(store.MemoryOptions{})
	t.Cleanup(func() { repo.Close() })
	ctx := context.Background()

	seed(t, repo, "p", "regex", `{"pattern":"x"}`, true, models.PolicyAssignment{Priority: 1})
	r := New(repo, newBuiltins())

	first := r.Resolve(ctx, Context{ToolName: "t"})
	second := r.Resolve(ctx, Context{ToolName: "t"})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Same(t, first[0].Plugin, second[0].Plugin)

	inst, err := repo.GetPolicyInstance(ctx, "p")
	require.NoError(t, err)
	inst.Config = json.RawMessage(`{"pattern":"y"}`)
	inst.UpdatedAt = inst.UpdatedAt.Add(time.Second)
	require.NoError(t, repo.UpdatePolicyInstance(ctx, inst))

	third := r.Resolve(ctx, Context{ToolName: "t"})
	require.Len(t, third, 1)
	assert.NotSame(t, first[0].Plugin, third[0].Plugin)

	r.Forget("p")
	fourth := r.Resolve(ctx, Context{ToolName: "t"})
	assert.NotSame(t, third[0].Plugin, fourth[0].Plugin)
}
