package guardrails

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Argument Override ───────────────────────────────────────
// Config: { "arguments": { "units": "metric" }, "onlyIfMissing": false }
// Always allows; returns the configured arguments as overrides.

type overrideArgsConfig struct {
	Arguments     map[string]interface{} `json:"arguments"`
	OnlyIfMissing bool                   `json:"onlyIfMissing,omitempty"`
}

var overrideArgsFactory = &factory{
	name:        "override-args",
	description: "Force argument values on matching tool calls before they are forwarded",
	schema: objectSchema([]string{"arguments"}, map[string]interface{}{
		"arguments":     map[string]interface{}{"type": "object", "description": "Argument values to set"},
		"onlyIfMissing": map[string]interface{}{"type": "boolean", "default": false},
	}),
	build: newOverrideArgsPolicy,
}

type overrideArgsPolicy struct {
	cfg overrideArgsConfig
}

func newOverrideArgsPolicy(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	var cfg overrideArgsConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Arguments) == 0 {
		return nil, fmt.Errorf("override-args: arguments must not be empty")
	}
	return &overrideArgsPolicy{cfg: cfg}, nil
}

func (p *overrideArgsPolicy) Name() string { return overrideArgsFactory.name }

func (p *overrideArgsPolicy) Evaluate(_ context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	modified := make(map[string]interface{}, len(p.cfg.Arguments))
	for k, v := range p.cfg.Arguments {
		if p.cfg.OnlyIfMissing {
			if _, present := call.Arguments[k]; present {
				continue
			}
		}
		modified[k] = v
	}
	if len(modified) == 0 {
		return allow(), nil
	}
	return &models.PolicyResult{Verdict: models.VerdictAllow, ModifiedArgs: modified}, nil
}
