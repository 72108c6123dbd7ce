package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Regex Rule ──────────────────────────────────────────────
// Config: { "rules": [{ "toolName": "get_weather", "parameter": "city",
//           "pattern": "^Paris", "code": "CITY_BLOCKED", "reason": "..." }] }
// A single rule may also be given inline at the top level.

// RegexRule blocks a call when an argument matches Pattern. With
// BlockOnMatch=false the rule blocks when the argument does NOT match.
type RegexRule struct {
	ToolName     string `json:"toolName,omitempty"`
	Parameter    string `json:"parameter,omitempty"`
	Pattern      string `json:"pattern"`
	Code         string `json:"code,omitempty"`
	Reason       string `json:"reason,omitempty"`
	BlockOnMatch *bool  `json:"blockOnMatch,omitempty"`

	re *regexp.Regexp
}

type regexConfig struct {
	RegexRule
	Rules []RegexRule `json:"rules,omitempty"`
}

var regexFactory = &factory{
	name:        "regex",
	description: "Block tool calls whose arguments match (or fail to match) a regular expression",
	schema: objectSchema(nil, map[string]interface{}{
		"rules": map[string]interface{}{
			"type": "array",
			"items": objectSchema([]string{"pattern"}, map[string]interface{}{
				"toolName":     stringSchema("Tool the rule applies to; empty applies to all tools"),
				"parameter":    stringSchema("Argument to test; empty tests every string argument"),
				"pattern":      stringSchema("Go regular expression"),
				"code":         stringSchema("Machine-readable violation code"),
				"reason":       stringSchema("Human-readable reason shown to the agent"),
				"blockOnMatch": map[string]interface{}{"type": "boolean", "default": true},
			}),
		},
	}),
	build: newRegexPolicy,
}

type regexPolicy struct {
	rules []RegexRule
}

func newRegexPolicy(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	var cfg regexConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	rules := cfg.Rules
	if cfg.Pattern != "" {
		rules = append([]RegexRule{cfg.RegexRule}, rules...)
	}
	if len(rules) == 0 {
		return nil, fmt.Errorf("regex: at least one rule with a pattern is required")
	}

	for i := range rules {
		if rules[i].Pattern == "" {
			return nil, fmt.Errorf("regex: rules[%d].pattern is required", i)
		}
		re, err := regexp.Compile(rules[i].Pattern)
		if err != nil {
			return nil, fmt.Errorf("regex: rules[%d].pattern: %w", i, err)
		}
		rules[i].re = re
	}
	return &regexPolicy{rules: rules}, nil
}

func (p *regexPolicy) Name() string { return regexFactory.name }

func (p *regexPolicy) Evaluate(_ context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	for _, rule := range p.rules {
		if rule.ToolName != "" && rule.ToolName != call.ToolName {
			continue
		}

		var values []string
		if rule.Parameter != "" {
			v, ok := argumentText(call.Arguments[rule.Parameter])
			if !ok {
				continue
			}
			values = []string{v}
		} else {
			values = stringValues(call.Arguments)
		}

		matched := false
		for _, v := range values {
			if rule.re.MatchString(v) {
				matched = true
				break
			}
		}

		blockOnMatch := rule.BlockOnMatch == nil || *rule.BlockOnMatch
		if matched == blockOnMatch {
			return block(rule.Code, rule.reason(blockOnMatch)), nil
		}
	}
	return allow(), nil
}

func (r RegexRule) reason(blockOnMatch bool) string {
	if r.Reason != "" {
		return r.Reason
	}
	target := "Arguments"
	if r.Parameter != "" {
		target = fmt.Sprintf("Argument %q", r.Parameter)
	}
	if blockOnMatch {
		return fmt.Sprintf("%s matched blocked pattern %s", target, r.Pattern)
	}
	return fmt.Sprintf("%s did not match required pattern %s", target, r.Pattern)
}
