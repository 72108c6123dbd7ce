package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Tool Deny/Allow List ────────────────────────────────────
// Config: { "tools": ["delete_*", "exec"], "mode": "deny" | "allow",
//           "code": "TOOL_DENIED", "reason": "..." }
// Patterns use path.Match globbing.

type denyToolsConfig struct {
	Tools  []string `json:"tools"`
	Mode   string   `json:"mode,omitempty"`
	Code   string   `json:"code,omitempty"`
	Reason string   `json:"reason,omitempty"`
}

var denyToolsFactory = &factory{
	name:        "deny-tools",
	description: "Block tools by name, either as a deny-list or as an allow-list",
	schema: objectSchema([]string{"tools"}, map[string]interface{}{
		"tools":  stringListSchema("Tool names or glob patterns"),
		"mode":   map[string]interface{}{"type": "string", "enum": []string{"deny", "allow"}, "default": "deny"},
		"code":   stringSchema("Machine-readable violation code"),
		"reason": stringSchema("Human-readable reason shown to the agent"),
	}),
	build: newDenyToolsPolicy,
}

type denyToolsPolicy struct {
	cfg denyToolsConfig
}

func newDenyToolsPolicy(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	cfg := denyToolsConfig{Mode: "deny"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Mode != "deny" && cfg.Mode != "allow" {
		return nil, fmt.Errorf("deny-tools: mode must be \"deny\" or \"allow\", got %q", cfg.Mode)
	}
	if len(cfg.Tools) == 0 && cfg.Mode == "deny" {
		return nil, fmt.Errorf("deny-tools: tools must not be empty")
	}
	for _, t := range cfg.Tools {
		if _, err := path.Match(t, ""); err != nil {
			return nil, fmt.Errorf("deny-tools: bad pattern %q: %w", t, err)
		}
	}
	return &denyToolsPolicy{cfg: cfg}, nil
}

func (p *denyToolsPolicy) Name() string { return denyToolsFactory.name }

func (p *denyToolsPolicy) Evaluate(_ context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	listed := false
	for _, pattern := range p.cfg.Tools {
		if ok, _ := path.Match(pattern, call.ToolName); ok {
			listed = true
			break
		}
	}

	denied := listed
	if p.cfg.Mode == "allow" {
		denied = !listed
	}
	if !denied {
		return allow(), nil
	}

	reason := p.cfg.Reason
	if reason == "" {
		reason = fmt.Sprintf("Tool %q is not permitted", call.ToolName)
	}
	return block(p.cfg.Code, reason), nil
}
