package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Redis Stream Sink ───────────────────────────────────────
// Config: { "url": "redis://localhost:6379/0", "stream": "guardio:events",
//           "maxLen": 10000 }
// "addr", "password" and "db" may be used instead of "url".

type redisSinkConfig struct {
	URL      string `json:"url,omitempty"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Stream   string `json:"stream,omitempty"`
	MaxLen   int64  `json:"maxLen,omitempty"`
}

// RedisSink appends events to a Redis stream with XADD.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a Redis stream sink. The connection is lazy; an
// unreachable server surfaces as Emit errors, not a load failure.
func NewRedisSink(raw json.RawMessage, _ contracts.PluginContext) (contracts.EventSink, error) {
	cfg := redisSinkConfig{Stream: "guardio:events", MaxLen: 10000}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}

	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis sink: url: %w", err)
		}
		opts = parsed
	case cfg.Addr != "":
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	default:
		return nil, fmt.Errorf("redis sink: url or addr is required")
	}
	if cfg.Stream == "" {
		return nil, fmt.Errorf("redis sink: stream must not be empty")
	}
	opts.DialTimeout = 5 * time.Second

	return &RedisSink{
		client: redis.NewClient(opts),
		stream: cfg.Stream,
		maxLen: cfg.MaxLen,
	}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Emit(ctx context.Context, e *models.GuardioEvent) error {
	values, err := streamValues(e)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

// streamValues flattens an event into stream fields; nested summaries are
// stored as JSON.
func streamValues(e *models.GuardioEvent) (map[string]interface{}, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return map[string]interface{}{
		"id":         e.ID,
		"timestamp":  e.Timestamp.UTC().Format(time.RFC3339Nano),
		"event_type": e.EventType,
		"action":     e.ActionType,
		"decision":   e.Decision,
		"agent_id":   e.AgentID,
		"provider":   e.ProviderName,
		"tool":       e.ToolName,
		"payload":    string(payload),
	}, nil
}
