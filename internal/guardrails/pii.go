package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── PII Detection ───────────────────────────────────────────
// Config: { "patterns": ["email", "phone", "ssn", "credit_card"],
//           "action": "block" | "redact", "replacement": "[REDACTED]" }
// If "patterns" is empty, all built-in patterns are checked.

var builtInPIIPatterns = map[string]*regexp.Regexp{
	"email":       regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
	"phone":       regexp.MustCompile(`(\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
	"ssn":         regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`),
}

type piiConfig struct {
	Patterns    []string `json:"patterns,omitempty"`
	Action      string   `json:"action,omitempty"`
	Replacement string   `json:"replacement,omitempty"`
	Code        string   `json:"code,omitempty"`
}

var piiFactory = &factory{
	name:        "pii",
	description: "Detect emails, phone numbers, SSNs and card numbers in arguments; block or redact them",
	schema: objectSchema(nil, map[string]interface{}{
		"patterns":    stringListSchema("Subset of email, phone, ssn, credit_card; empty checks all"),
		"action":      map[string]interface{}{"type": "string", "enum": []string{"block", "redact"}, "default": "block"},
		"replacement": map[string]interface{}{"type": "string", "default": "[REDACTED]"},
		"code":        map[string]interface{}{"type": "string", "default": "PII_DETECTED"},
	}),
	build: newPIIPolicy,
}

type piiPolicy struct {
	cfg      piiConfig
	patterns []string
}

func newPIIPolicy(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	cfg := piiConfig{Action: "block", Replacement: "[REDACTED]", Code: "PII_DETECTED"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Action != "block" && cfg.Action != "redact" {
		return nil, fmt.Errorf("pii: action must be \"block\" or \"redact\", got %q", cfg.Action)
	}

	patterns := cfg.Patterns
	if len(patterns) == 0 {
		for k := range builtInPIIPatterns {
			patterns = append(patterns, k)
		}
	}
	for _, name := range patterns {
		if _, ok := builtInPIIPatterns[name]; !ok {
			return nil, fmt.Errorf("pii: unknown pattern %q", name)
		}
	}
	sort.Strings(patterns)
	return &piiPolicy{cfg: cfg, patterns: patterns}, nil
}

func (p *piiPolicy) Name() string { return piiFactory.name }

func (p *piiPolicy) Evaluate(_ context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	if p.cfg.Action == "redact" {
		return p.redact(call), nil
	}

	for _, text := range stringValues(call.Arguments) {
		for _, name := range p.patterns {
			if builtInPIIPatterns[name].MatchString(text) {
				return block(p.cfg.Code, "PII detected: "+name+" pattern matched"), nil
			}
		}
	}
	return allow(), nil
}

// redact rewrites every top-level argument that contains PII.
func (p *piiPolicy) redact(call *models.PolicyContext) *models.PolicyResult {
	modified := make(map[string]interface{})
	found := make(map[string]bool)

	for key, value := range call.Arguments {
		rewritten, changed := p.redactValue(value, found)
		if changed {
			modified[key] = rewritten
		}
	}

	if len(modified) == 0 {
		return allow()
	}

	kinds := make([]string, 0, len(found))
	for k := range found {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	return &models.PolicyResult{
		Verdict:      models.VerdictAllow,
		ModifiedArgs: modified,
		Metadata:     map[string]interface{}{"redacted": kinds},
	}
}

func (p *piiPolicy) redactValue(v interface{}, found map[string]bool) (interface{}, bool) {
	switch t := v.(type) {
	case string:
		out := t
		for _, name := range p.patterns {
			re := builtInPIIPatterns[name]
			if re.MatchString(out) {
				found[name] = true
				out = re.ReplaceAllLiteralString(out, p.cfg.Replacement)
			}
		}
		return out, out != t
	case map[string]interface{}:
		changed := false
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			r, c := p.redactValue(item, found)
			out[k] = r
			changed = changed || c
		}
		return out, changed
	case []interface{}:
		changed := false
		out := make([]interface{}, len(t))
		for i, item := range t {
			r, c := p.redactValue(item, found)
			out[i] = r
			changed = changed || c
		}
		return out, changed
	default:
		return v, false
	}
}
