package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Content Filter ──────────────────────────────────────────
// Config: { "blockedWords": ["word1", "word2"], "caseSensitive": false }

type contentFilterConfig struct {
	BlockedWords  []string `json:"blockedWords"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`
	Code          string   `json:"code,omitempty"`
}

var contentFilterFactory = &factory{
	name:        "content-filter",
	description: "Block tool calls whose arguments contain prohibited words or phrases",
	schema: objectSchema([]string{"blockedWords"}, map[string]interface{}{
		"blockedWords":  stringListSchema("Words or phrases to block"),
		"caseSensitive": map[string]interface{}{"type": "boolean", "default": false},
		"code":          stringSchema("Machine-readable violation code"),
	}),
	build: newContentFilterPolicy,
}

type contentFilterPolicy struct {
	cfg contentFilterConfig
}

func newContentFilterPolicy(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	var cfg contentFilterConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.BlockedWords) == 0 {
		return nil, fmt.Errorf("content-filter: blockedWords must not be empty")
	}
	return &contentFilterPolicy{cfg: cfg}, nil
}

func (p *contentFilterPolicy) Name() string { return contentFilterFactory.name }

func (p *contentFilterPolicy) Evaluate(_ context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	for _, text := range stringValues(call.Arguments) {
		checkText := text
		if !p.cfg.CaseSensitive {
			checkText = strings.ToLower(text)
		}
		for _, word := range p.cfg.BlockedWords {
			checkWord := word
			if !p.cfg.CaseSensitive {
				checkWord = strings.ToLower(word)
			}
			if checkWord != "" && strings.Contains(checkText, checkWord) {
				return block(p.cfg.Code, "Blocked content detected: contains prohibited word/phrase"), nil
			}
		}
	}
	return allow(), nil
}

// ── Prompt Injection Detection ──────────────────────────────
// Heuristic-based detection of common prompt injection patterns in
// tool arguments. Config: { "sensitivity": "high" | "medium" }

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?|directions?)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)\s+(instructions?|prompts?|rules?)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(previous|prior|above|your)\s+(instructions?|prompts?|rules?|context)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\s+`),
	regexp.MustCompile(`(?i)new\s+instructions?:\s*`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)\bdo\s+anything\s+now\b`),
	regexp.MustCompile(`(?i)\bjailbreak\b`),
	regexp.MustCompile(`(?i)pretend\s+you\s+(are|have)\s+no\s+(restrictions?|rules?|guidelines?)`),
	regexp.MustCompile(`(?i)act\s+as\s+if\s+you\s+have\s+no\s+(restrictions?|rules?|filters?)`),
}

// Additional high-sensitivity patterns
var highSensitivityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)override\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)bypass\s+(your|the|all)\s+`),
	regexp.MustCompile(`(?i)reveal\s+(your|the)\s+(system\s+)?(prompt|instructions?)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?(prompt|instructions?|rules?)`),
	regexp.MustCompile(`(?i)repeat\s+(your|the)\s+(system\s+)?(prompt|instructions?)\s+verbatim`),
}

type promptInjectionConfig struct {
	Sensitivity string `json:"sensitivity,omitempty"`
	Code        string `json:"code,omitempty"`
}

var promptInjectionFactory = &factory{
	name:        "prompt-injection",
	description: "Block tool calls whose arguments look like prompt-injection attempts",
	schema: objectSchema(nil, map[string]interface{}{
		"sensitivity": map[string]interface{}{"type": "string", "enum": []string{"medium", "high"}, "default": "medium"},
		"code":        map[string]interface{}{"type": "string", "default": "PROMPT_INJECTION"},
	}),
	build: newPromptInjectionPolicy,
}

type promptInjectionPolicy struct {
	cfg promptInjectionConfig
}

func newPromptInjectionPolicy(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	cfg := promptInjectionConfig{Sensitivity: "medium", Code: "PROMPT_INJECTION"}
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.Sensitivity != "medium" && cfg.Sensitivity != "high" {
		return nil, fmt.Errorf("prompt-injection: sensitivity must be \"medium\" or \"high\", got %q", cfg.Sensitivity)
	}
	return &promptInjectionPolicy{cfg: cfg}, nil
}

func (p *promptInjectionPolicy) Name() string { return promptInjectionFactory.name }

func (p *promptInjectionPolicy) Evaluate(_ context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	for _, text := range stringValues(call.Arguments) {
		for _, re := range injectionPatterns {
			if re.MatchString(text) {
				return block(p.cfg.Code, "Potential prompt injection detected"), nil
			}
		}
		if p.cfg.Sensitivity == "high" {
			for _, re := range highSensitivityPatterns {
				if re.MatchString(text) {
					return block(p.cfg.Code, "Potential prompt injection detected (high sensitivity)"), nil
				}
			}
		}
	}
	return allow(), nil
}
