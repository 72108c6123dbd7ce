package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_YAML(t *testing.T) {
	t.Setenv("WEATHER_TOKEN", "secret")
	path := writeConfig(t, "guardio.config.yaml", `
servers:
  - name: weather
    url: http://localhost:3001/sse
    headers:
      Authorization: "Bearer ${WEATHER_TOKEN}"
    timeout: 5s
  - name: files
    url: https://files.internal/sse
client:
  port: 4000
plugins:
  - type: storage
    name: sqlite
    config:
      path: ./guardio.db
  - type: policy
    name: deny-tools
discovery:
  timeout: 2s
upstream:
  retry_interval: 500ms
events:
  retention: 48h
  archive_dir: ./archive
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.Path)
	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, "Bearer secret", cfg.Servers[0].Headers["Authorization"])
	assert.Equal(t, 5*time.Second, cfg.Servers[0].Timeout)
	assert.Equal(t, DefaultProviderTimeout, cfg.Servers[1].Timeout)

	assert.Equal(t, 4000, cfg.Client.Port)
	assert.Equal(t, DefaultHost, cfg.Client.Host)
	assert.Equal(t, 2*time.Second, cfg.Discovery.Timeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Upstream.RetryInterval)
	assert.Equal(t, DefaultSubmissionTimeout, cfg.Submission.Timeout)
	assert.Equal(t, 48*time.Hour, cfg.Events.Retention)
	assert.Equal(t, DefaultSweepInterval, cfg.Events.SweepInterval)
	assert.Equal(t, "./archive", cfg.Events.ArchiveDir)

	require.Len(t, cfg.Plugins, 2)
	assert.Equal(t, "./guardio.db", cfg.Plugins[0].Config["path"])

	providers := cfg.Providers()
	require.Len(t, providers, 2)
	assert.Equal(t, "weather", providers[0].Name)
	assert.Equal(t, 5*time.Second, providers[0].Timeout)
}

func TestParse_EventRetention(t *testing.T) {
	base := "servers:\n  - name: weather\n    url: http://localhost:3001/sse\n"

	cfg, err := Parse([]byte(base), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultEventRetention, cfg.Events.Retention)

	cfg, err = Parse([]byte(base+"events:\n  retention: 0s\n"), ".yaml")
	require.NoError(t, err)
	assert.Zero(t, cfg.Events.Retention)

	cfg, err = Parse([]byte(base+"events:\n  retention: 2h\n"), ".yaml")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Events.Retention)
}

func TestLoad_TOML(t *testing.T) {
	path := writeConfig(t, "guardio.toml", `
[[servers]]
name = "weather"
url = "http://localhost:3001/sse"

[[plugins]]
type = "policy"
name = "regex"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)
	assert.Equal(t, "weather", cfg.Servers[0].Name)
	assert.Equal(t, DefaultPort, cfg.Client.Port)
	require.Len(t, cfg.Plugins, 1)
	assert.Equal(t, "regex", cfg.Plugins[0].Name)
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, "guardio.config.json", `{"servers":[{"name":"weather","url":"http://localhost:3001/sse"}]}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "weather", cfg.Servers[0].Name)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GUARDIO_PORT", "5050")
	t.Setenv("GUARDIO_HOST", "0.0.0.0")
	path := writeConfig(t, "guardio.config.yaml", `
servers:
  - name: weather
    url: http://localhost:3001/sse
client:
  port: 4000
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.Client.Port)
	assert.Equal(t, "0.0.0.0", cfg.Client.Host)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "no servers",
			content: `client: {port: 3939}`,
			wantErr: "at least one entry in servers",
		},
		{
			name: "duplicate names",
			content: `
servers:
  - {name: a, url: "http://x/sse"}
  - {name: a, url: "http://y/sse"}`,
			wantErr: "duplicated",
		},
		{
			name:    "bad name",
			content: `servers: [{name: "a/b", url: "http://x/sse"}]`,
			wantErr: "may only contain",
		},
		{
			name:    "reserved name",
			content: `servers: [{name: api, url: "http://x/sse"}]`,
			wantErr: "reserved",
		},
		{
			name:    "relative url",
			content: `servers: [{name: a, url: "/sse"}]`,
			wantErr: "absolute http(s) URL",
		},
		{
			name: "unknown plugin type",
			content: `
servers: [{name: a, url: "http://x/sse"}]
plugins: [{type: auth, name: x}]`,
			wantErr: "plugins[0].type",
		},
		{
			name:    "bad duration",
			content: `servers: [{name: a, url: "http://x/sse", timeout: soon}]`,
			wantErr: "servers[0].timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), ".yaml")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPath(t *testing.T) {
	t.Setenv("GUARDIO_CONFIG", "")
	assert.Equal(t, DefaultPath, Path())

	t.Setenv("GUARDIO_CONFIG", "/etc/guardio.yaml")
	assert.Equal(t, "/etc/guardio.yaml", Path())
}
