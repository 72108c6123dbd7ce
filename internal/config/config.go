package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/radoslaw-sz/guardio/pkg/models"
)

// DefaultPath is used when GUARDIO_CONFIG is unset.
const DefaultPath = "guardio.config.yaml"

const (
	DefaultPort              = 3939
	DefaultHost              = "127.0.0.1"
	DefaultProviderTimeout   = 30 * time.Second
	DefaultDiscoveryTimeout  = 15 * time.Second
	DefaultRetryInterval     = 3 * time.Second
	DefaultSubmissionTimeout = 60 * time.Second
	DefaultEventRetention    = 7 * 24 * time.Hour
	DefaultSweepInterval     = time.Hour
)

// Config holds all configuration for the Guardio gateway.
type Config struct {
	Servers    []ServerConfig      `yaml:"servers" toml:"servers"`
	Client     models.ClientConfig `yaml:"client" toml:"client"`
	Plugins    []PluginConfig      `yaml:"plugins" toml:"plugins"`
	Discovery  DiscoveryConfig     `yaml:"discovery" toml:"discovery"`
	Upstream   UpstreamConfig      `yaml:"upstream" toml:"upstream"`
	Submission SubmissionConfig    `yaml:"submission" toml:"submission"`
	Telemetry  TelemetryConfig     `yaml:"telemetry" toml:"telemetry"`
	Events     EventsConfig        `yaml:"events" toml:"events"`

	// Set from the environment, not the document.
	Version   string `yaml:"-" toml:"-"`
	LogLevel  string `yaml:"-" toml:"-"`
	LogFormat string `yaml:"-" toml:"-"`
	Path      string `yaml:"-" toml:"-"`
}

// ServerConfig is one upstream provider entry.
type ServerConfig struct {
	Name       string            `yaml:"name" toml:"name"`
	URL        string            `yaml:"url" toml:"url"`
	Headers    map[string]string `yaml:"headers" toml:"headers"`
	TimeoutRaw string            `yaml:"timeout" toml:"timeout"`

	Timeout time.Duration `yaml:"-" toml:"-"`
}

// PluginConfig declares one plugin. Name selects a built-in unless Path
// points at an out-of-process plugin executable.
type PluginConfig struct {
	Type   string                 `yaml:"type" toml:"type"`
	Name   string                 `yaml:"name" toml:"name"`
	Path   string                 `yaml:"path" toml:"path"`
	Config map[string]interface{} `yaml:"config" toml:"config"`
}

type DiscoveryConfig struct {
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
}

type UpstreamConfig struct {
	RetryIntervalRaw string        `yaml:"retry_interval" toml:"retry_interval"`
	RetryInterval    time.Duration `yaml:"-" toml:"-"`
}

type SubmissionConfig struct {
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
}

// EventsConfig controls audit event retention. Expired events are written
// to ArchiveDir as JSONL before they are purged when ArchiveDir is set.
type EventsConfig struct {
	RetentionRaw     string        `yaml:"retention" toml:"retention"`
	Retention        time.Duration `yaml:"-" toml:"-"`
	SweepIntervalRaw string        `yaml:"sweep_interval" toml:"sweep_interval"`
	SweepInterval    time.Duration `yaml:"-" toml:"-"`
	ArchiveDir       string        `yaml:"archive_dir" toml:"archive_dir"`
	CompressArchives bool          `yaml:"compress_archives" toml:"compress_archives"`
}

var validPluginTypes = map[string]bool{
	"storage":          true,
	"policy":           true,
	"event_sink":       true,
	"event_sink_store": true,
}

var serverNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Path returns the config document path from GUARDIO_CONFIG or the default.
func Path() string {
	return envStr("GUARDIO_CONFIG", DefaultPath)
}

// Load reads the config document at path, expands ${VAR} references,
// applies defaults and environment overrides, and validates the result.
// The format is chosen by extension: .toml is TOML, anything else is
// parsed as YAML (which also accepts JSON).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	cfg.Path = path
	return cfg, nil
}

// Parse decodes a config document. ext selects the format (".toml" or other).
func Parse(data []byte, ext string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Providers returns the immutable provider configs in declaration order.
func (c *Config) Providers() []models.ProviderConfig {
	out := make([]models.ProviderConfig, 0, len(c.Servers))
	for _, s := range c.Servers {
		headers := make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			headers[k] = v
		}
		out = append(out, models.ProviderConfig{
			Name:    s.Name,
			URL:     s.URL,
			Headers: headers,
			Timeout: s.Timeout,
		})
	}
	return out
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one entry in servers is required")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d].name is required", i)
		}
		if !serverNamePattern.MatchString(s.Name) {
			return fmt.Errorf("servers[%d].name %q may only contain letters, digits, '-' and '_'", i, s.Name)
		}
		if s.Name == "api" || s.Name == "health" {
			return fmt.Errorf("servers[%d].name %q is reserved", i, s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d].name %q is duplicated", i, s.Name)
		}
		seen[s.Name] = true

		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("servers[%d].url %q must be an absolute http(s) URL", i, s.URL)
		}
	}

	if c.Client.Port <= 0 || c.Client.Port > 65535 {
		return fmt.Errorf("client.port %d is out of range", c.Client.Port)
	}

	for i, p := range c.Plugins {
		if !validPluginTypes[p.Type] {
			return fmt.Errorf("plugins[%d].type %q is not one of storage, policy, event_sink, event_sink_store", i, p.Type)
		}
		if p.Name == "" {
			return fmt.Errorf("plugins[%d].name is required", i)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Client.Port == 0 {
		c.Client.Port = DefaultPort
	}
	if c.Client.Host == "" {
		c.Client.Host = DefaultHost
	}
	for i := range c.Servers {
		if c.Servers[i].Timeout == 0 {
			c.Servers[i].Timeout = DefaultProviderTimeout
		}
	}
	if c.Discovery.Timeout == 0 {
		c.Discovery.Timeout = DefaultDiscoveryTimeout
	}
	if c.Upstream.RetryInterval == 0 {
		c.Upstream.RetryInterval = DefaultRetryInterval
	}
	if c.Submission.Timeout == 0 {
		c.Submission.Timeout = DefaultSubmissionTimeout
	}
	// An explicit zero disables retention.
	if c.Events.Retention == 0 && c.Events.RetentionRaw == "" {
		c.Events.Retention = DefaultEventRetention
	}
	if c.Events.SweepInterval == 0 {
		c.Events.SweepInterval = DefaultSweepInterval
	}
	if c.Telemetry.OTLPEndpoint == "" {
		c.Telemetry.OTLPEndpoint = "localhost:4317"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "guardio"
	}
}

// applyEnv lets the environment override the listen address and telemetry.
func (c *Config) applyEnv() {
	c.Client.Port = envInt("GUARDIO_PORT", c.Client.Port)
	c.Client.Host = envStr("GUARDIO_HOST", c.Client.Host)
	c.Telemetry.Enabled = envBool("OTEL_ENABLED", c.Telemetry.Enabled)
	c.Telemetry.OTLPEndpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = envStr("OTEL_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Version = envStr("GUARDIO_VERSION", "0.1.0")
	c.LogLevel = envStr("GUARDIO_LOG_LEVEL", "info")
	c.LogFormat = envStr("GUARDIO_LOG_FORMAT", "console")
}

// expandEnvVars replaces ${VAR_NAME} with the environment value.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		if s.TimeoutRaw != "" {
			if s.Timeout, err = time.ParseDuration(s.TimeoutRaw); err != nil {
				return fmt.Errorf("parsing servers[%d].timeout %q: %w", i, s.TimeoutRaw, err)
			}
		}
	}
	if cfg.Discovery.TimeoutRaw != "" {
		if cfg.Discovery.Timeout, err = time.ParseDuration(cfg.Discovery.TimeoutRaw); err != nil {
			return fmt.Errorf("parsing discovery.timeout %q: %w", cfg.Discovery.TimeoutRaw, err)
		}
	}
	if cfg.Upstream.RetryIntervalRaw != "" {
		if cfg.Upstream.RetryInterval, err = time.ParseDuration(cfg.Upstream.RetryIntervalRaw); err != nil {
			return fmt.Errorf("parsing upstream.retry_interval %q: %w", cfg.Upstream.RetryIntervalRaw, err)
		}
	}
	if cfg.Submission.TimeoutRaw != "" {
		if cfg.Submission.Timeout, err = time.ParseDuration(cfg.Submission.TimeoutRaw); err != nil {
			return fmt.Errorf("parsing submission.timeout %q: %w", cfg.Submission.TimeoutRaw, err)
		}
	}
	if cfg.Events.RetentionRaw != "" {
		if cfg.Events.Retention, err = time.ParseDuration(cfg.Events.RetentionRaw); err != nil {
			return fmt.Errorf("parsing events.retention %q: %w", cfg.Events.RetentionRaw, err)
		}
	}
	if cfg.Events.SweepIntervalRaw != "" {
		if cfg.Events.SweepInterval, err = time.ParseDuration(cfg.Events.SweepIntervalRaw); err != nil {
			return fmt.Errorf("parsing events.sweep_interval %q: %w", cfg.Events.SweepIntervalRaw, err)
		}
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
