// Package guardrails provides the built-in policy plugins.
// Each plugin inspects one tool call and returns a verdict.
//
// Supported policy types:
//   - regex: block (or require) argument values matching a pattern
//   - deny-tools: tool deny-list or allow-list with glob patterns
//   - pii: regex-based PII detection, blocking or redacting
//   - content-filter: keyword/phrase blocklist over argument text
//   - prompt-injection: heuristic injection detection over argument text
//   - expression: boolean expression over the call (expr-lang)
//   - override-args: force argument values before forwarding
package guardrails

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Factories ───────────────────────────────────────────────

// factory adapts a build function to contracts.PolicyFactory.
type factory struct {
	name        string
	description string
	schema      map[string]interface{}
	build       func(raw json.RawMessage) (contracts.PolicyPlugin, error)
}

func (f *factory) Name() string { return f.name }
func (f *factory) Description() string { return f.description }
func (f *factory) ConfigSchema() map[string]interface{} { return f.schema }

func (f *factory) ValidateConfig(raw json.RawMessage) error {
	_, err := f.build(raw)
	return err
}

func (f *factory) New(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	return f.build(raw)
}

// Factories returns every built-in policy factory, sorted by name.
func Factories() []contracts.PolicyFactory {
	all := []contracts.PolicyFactory{
		regexFactory,
		denyToolsFactory,
		piiFactory,
		contentFilterFactory,
		promptInjectionFactory,
		expressionFactory,
		overrideArgsFactory,
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name() < all[j].Name() })
	return all
}

// ── Helpers ─────────────────────────────────────────────────

// decodeConfig unmarshals a policy config. Empty or null configs leave v untouched.
func decodeConfig(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func allow() *models.PolicyResult {
	return &models.PolicyResult{Verdict: models.VerdictAllow}
}

func block(code, reason string) *models.PolicyResult {
	return &models.PolicyResult{Verdict: models.VerdictBlock, Code: code, Reason: reason}
}

// stringValues collects every string found in v, depth first.
// Map keys are visited in sorted order so results are stable.
func stringValues(v interface{}) []string {
	var out []string
	var walk func(interface{})
	walk = func(v interface{}) {
		switch t := v.(type) {
		case string:
			out = append(out, t)
		case map[string]interface{}:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		case []interface{}:
			for _, item := range t {
				walk(item)
			}
		}
	}
	walk(v)
	return out
}

// argumentText renders a single argument for pattern matching.
func argumentText(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, true
	case float64, bool, int, int64:
		return fmt.Sprint(t), true
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(data), true
	}
}

func stringSchema(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

func stringListSchema(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}

func objectSchema(required []string, properties map[string]interface{}) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
