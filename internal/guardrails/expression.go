package guardrails

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Expression ──────────────────────────────────────────────
// Config: { "expression": "tool == 'delete_file' && args.path startsWith '/etc'",
//           "verdict": "block", "code": "...", "reason": "..." }
// The expression sees: tool, args, agent, provider. When it evaluates to
// true the configured verdict is returned; otherwise the call is allowed.

type expressionConfig struct {
	Expression string `json:"expression"`
	Verdict    string `json:"verdict,omitempty"`
	Code       string `json:"code,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

var expressionFactory = &factory{
	name:        "expression",
	description: "Evaluate a boolean expression over the tool name, arguments, agent and provider",
	schema: objectSchema([]string{"expression"}, map[string]interface{}{
		"expression": stringSchema("expr-lang boolean expression; variables: tool, args, agent, provider"),
		"verdict":    map[string]interface{}{"type": "string", "enum": []string{"block", "flag", "negotiate"}, "default": "block"},
		"code":       stringSchema("Machine-readable violation code"),
		"reason":     stringSchema("Human-readable reason shown to the agent"),
	}),
	build: newExpressionPolicy,
}

type expressionPolicy struct {
	cfg     expressionConfig
	program *vm.Program
}

// expressionEnv is the typed environment used at compile time.
func expressionEnv(call *models.PolicyContext) map[string]interface{} {
	env := map[string]interface{}{
		"tool":     "",
		"args":     map[string]interface{}{},
		"agent":    "",
		"provider": "",
	}
	if call != nil {
		env["tool"] = call.ToolName
		if call.Arguments != nil {
			env["args"] = call.Arguments
		}
		env["agent"] = call.AgentID
		env["provider"] = call.ProviderName
	}
	return env
}

func newExpressionPolicy(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	cfg := expressionConfig{Verdict: string(models.VerdictBlock)}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Expression == "" {
		return nil, fmt.Errorf("expression: expression is required")
	}
	switch models.Verdict(cfg.Verdict) {
	case models.VerdictBlock, models.VerdictFlag, models.VerdictNegotiate:
	default:
		return nil, fmt.Errorf("expression: verdict must be block, flag or negotiate, got %q", cfg.Verdict)
	}

	program, err := expr.Compile(cfg.Expression, expr.Env(expressionEnv(nil)), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression: %w", err)
	}
	return &expressionPolicy{cfg: cfg, program: program}, nil
}

func (p *expressionPolicy) Name() string { return expressionFactory.name }

func (p *expressionPolicy) Evaluate(_ context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	out, err := expr.Run(p.program, expressionEnv(call))
	if err != nil {
		return nil, fmt.Errorf("expression: %w", err)
	}
	matched, _ := out.(bool)
	if !matched {
		return allow(), nil
	}

	reason := p.cfg.Reason
	if reason == "" {
		reason = "Tool call matched policy expression"
	}
	return &models.PolicyResult{
		Verdict:  models.Verdict(p.cfg.Verdict),
		Code:     p.cfg.Code,
		Reason:   reason,
		Metadata: map[string]interface{}{"expression": p.cfg.Expression},
	}, nil
}
