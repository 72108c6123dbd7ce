package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Log Sink ────────────────────────────────────────────────
// Config: { "level": "info" }

type logSinkConfig struct {
	Level string `json:"level,omitempty"`
}

// LogSink writes audit events to the process log.
type LogSink struct {
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLogSink creates a log sink.
func NewLogSink(raw json.RawMessage, _ contracts.PluginContext) (contracts.EventSink, error) {
	cfg := logSinkConfig{Level: "info"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		return nil, fmt.Errorf("log sink: invalid level %q", cfg.Level)
	}
	return &LogSink{
		logger: log.With().Str("component", "audit").Logger(),
		level:  level,
	}, nil
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Emit(_ context.Context, e *models.GuardioEvent) error {
	evt := s.logger.WithLevel(s.level)
	if e.Decision == models.DecisionBlocked && s.level < zerolog.WarnLevel {
		evt = s.logger.Warn()
	}
	evt.
		Str("event_id", e.ID).
		Str("event_type", e.EventType).
		Str("action", e.ActionType).
		Str("decision", e.Decision).
		Str("agent_id", e.AgentID).
		Str("provider", e.ProviderName).
		Str("tool", e.ToolName).
		Interface("policy", e.PolicyEvaluation).
		Msg("Tool call " + e.Decision)
	return nil
}
