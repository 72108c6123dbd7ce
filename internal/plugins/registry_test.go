package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radoslaw-sz/guardio/internal/config"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

func build(t *testing.T, plugins ...config.PluginConfig) *Set {
	t.Helper()
	set, err := NewRegistry().Build(context.Background(), &config.Config{Plugins: plugins})
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })
	return set
}

func TestBuild_Defaults(t *testing.T) {
	set := build(t)

	require.Len(t, set.Storage, 1)
	assert.Equal(t, "memory", set.Storage[0].Name())
	assert.NotNil(t, set.Repository())

	for _, name := range []string{"regex", "deny-tools", "pii", "expression", "override-args"} {
		_, ok := set.PolicyFactory(name)
		assert.True(t, ok, "default policy %q", name)
	}

	require.Len(t, set.Sinks, 1)
	assert.Equal(t, "store", set.Sinks[0].Name())
	require.NotNil(t, set.SinkStore())
}

func TestBuild_DeclaredPlugins(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "guardio.db")
	set := build(t,
		config.PluginConfig{Type: "policy", Name: "regex"},
		config.PluginConfig{Type: "storage", Name: "sqlite", Config: map[string]interface{}{"path": dbPath}},
		config.PluginConfig{Type: "event_sink", Name: "log"},
		config.PluginConfig{Type: "event_sink", Name: "store"},
	)

	require.Len(t, set.Storage, 1)
	assert.Equal(t, "sqlite", set.Storage[0].Name())
	assert.FileExists(t, dbPath)

	// Only the declared policy is exposed.
	descriptors := set.PolicyDescriptors()
	require.Len(t, descriptors, 1)
	assert.Equal(t, "regex", descriptors[0].Name)
	assert.NotEmpty(t, descriptors[0].Schema)

	require.Len(t, set.Sinks, 2)
	assert.Equal(t, "log", set.Sinks[0].Name())

	// The store sink writes through the declared sqlite storage.
	event := &models.GuardioEvent{ID: "evt-1", EventType: models.EventTypeToolCall, Decision: models.DecisionAllowed}
	require.NoError(t, set.Sinks[1].Emit(context.Background(), event))
	events, err := set.SinkStore().ListEvents(context.Background(), models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestBuild_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		plugin config.PluginConfig
	}{
		{"unknown policy", config.PluginConfig{Type: "policy", Name: "nope"}},
		{"unknown sink", config.PluginConfig{Type: "event_sink", Name: "nope"}},
		{"unknown storage", config.PluginConfig{Type: "storage", Name: "nope"}},
		{"external storage", config.PluginConfig{Type: "storage", Name: "custom", Path: "/bin/true"}},
		{"bad sink config", config.PluginConfig{Type: "event_sink", Name: "webhook", Config: map[string]interface{}{"url": "nope"}}},
		{"bad policy config", config.PluginConfig{Type: "policy", Name: "regex", Config: map[string]interface{}{"pattern": "("}}},
		{"postgres without url", config.PluginConfig{Type: "storage", Name: "postgres"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry().Build(context.Background(), &config.Config{Plugins: []config.PluginConfig{tt.plugin}})
			require.Error(t, err)
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, 0, cfgErr.Index)
			assert.Equal(t, tt.plugin.Name, cfgErr.Name)
		})
	}
}

func TestLoad_CachesByPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guardio.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - name: weather
    url: http://localhost:3001/sse
`), 0644))

	reg := NewRegistry()
	cfg1, set1, err := reg.Load(context.Background(), path)
	require.NoError(t, err)
	defer set1.Close()
	cfg2, set2, err := reg.Load(context.Background(), path)
	require.NoError(t, err)

	assert.Same(t, cfg1, cfg2)
	assert.Same(t, set1, set2)
}

func TestSetCloseIsIdempotent(t *testing.T) {
	set, err := NewRegistry().Build(context.Background(), &config.Config{})
	require.NoError(t, err)
	require.NoError(t, set.Close())
	require.NoError(t, set.Close())
}

// ─── External plugins ────────────────────────────────────────

const policyScript = `#!/bin/sh
input=$(cat)
case "$input" in
  *'"op":"describe"'*) echo '{"name":"city-guard","capabilities":["evaluate"],"description":"Blocks Atlantis"}' ;;
  *'"op":"evaluate"'*Atlantis*) echo '{"verdict":"block","code":"CITY_BLOCKED","reason":"no such city"}' ;;
  *'"op":"evaluate"'*) echo '{"verdict":"allow"}' ;;
  *) echo '{"error":"unsupported"}' ;;
esac
`

const sinkScript = `#!/bin/sh
input=$(cat)
case "$input" in
  *'"op":"describe"'*) echo '{"name":"audit","capabilities":["emit"]}' ;;
  *'"op":"emit"'*) echo "$input" > "$(dirname "$0")/emitted.json"; echo '{}' ;;
esac
`

func writeScript(t *testing.T, name, content string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell plugins need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0755))
	return path
}

func TestExternalPolicyPlugin(t *testing.T) {
	path := writeScript(t, "city-guard.sh", policyScript)
	set := build(t, config.PluginConfig{Type: "policy", Name: "city-guard", Path: path})

	f, ok := set.PolicyFactory("city-guard")
	require.True(t, ok)
	assert.Equal(t, "Blocks Atlantis", f.Description())

	descriptors := set.PolicyDescriptors()
	require.Len(t, descriptors, 1)
	assert.True(t, descriptors[0].External)

	policy, err := f.New(json.RawMessage(`{"strict":true}`))
	require.NoError(t, err)

	res, err := policy.Evaluate(context.Background(), &models.PolicyContext{
		ToolName:  "get_weather",
		Arguments: map[string]interface{}{"city": "Atlantis"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictBlock, res.Verdict)
	assert.Equal(t, "CITY_BLOCKED", res.Code)

	res, err = policy.Evaluate(context.Background(), &models.PolicyContext{
		ToolName:  "get_weather",
		Arguments: map[string]interface{}{"city": "Berlin"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictAllow, res.Verdict)

	assert.Error(t, f.ValidateConfig(json.RawMessage(`[1,2]`)))
}

func TestExternalSinkPlugin(t *testing.T) {
	path := writeScript(t, "audit.sh", sinkScript)
	set := build(t, config.PluginConfig{Type: "event_sink", Name: "audit", Path: path})

	require.Len(t, set.Sinks, 1)
	require.NoError(t, set.Sinks[0].Emit(context.Background(), &models.GuardioEvent{ID: "evt-9", Decision: models.DecisionBlocked}))

	data, err := os.ReadFile(filepath.Join(filepath.Dir(path), "emitted.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"evt-9"`)
}

func TestExternalPluginCapabilityMismatch(t *testing.T) {
	path := writeScript(t, "audit.sh", sinkScript)
	_, err := NewRegistry().Build(context.Background(), &config.Config{Plugins: []config.PluginConfig{
		{Type: "policy", Name: "audit", Path: path},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluate")
}

func TestExternalPluginMissingExecutable(t *testing.T) {
	_, err := NewRegistry().Build(context.Background(), &config.Config{Plugins: []config.PluginConfig{
		{Type: "policy", Name: "ghost", Path: filepath.Join(t.TempDir(), "missing")},
	}})
	assert.Error(t, err)
}
