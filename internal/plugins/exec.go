package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// Capabilities an out-of-process plugin can advertise.
const (
	CapabilityEvaluate = "evaluate"
	CapabilityEmit     = "emit"
	CapabilityValidate = "validate"
)

// DefaultExecTimeout bounds every out-of-process plugin invocation.
const DefaultExecTimeout = 10 * time.Second

// Out-of-process protocol: one invocation per operation. The executable
// receives a single JSON request on stdin and writes a single JSON
// response to stdout. A non-empty "error" field marks a failed call.
//
//	{"op":"describe"}                          → {"name":"...","capabilities":["evaluate"],...}
//	{"op":"validate","config":{...}}           → {} | {"error":"..."}
//	{"op":"evaluate","config":{...},"context"} → PolicyResult
//	{"op":"emit","config":{...},"event":{...}} → {} | {"error":"..."}
type execRequest struct {
	Op      string                `json:"op"`
	Config  json.RawMessage       `json:"config,omitempty"`
	Context *models.PolicyContext `json:"context,omitempty"`
	Event   *models.GuardioEvent  `json:"event,omitempty"`
}

type execStatus struct {
	Error string `json:"error,omitempty"`
}

// PluginDescription is what an executable reports for the describe probe.
type PluginDescription struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description,omitempty"`
	Capabilities []string               `json:"capabilities"`
	ConfigSchema map[string]interface{} `json:"configSchema,omitempty"`
	Error        string                 `json:"error,omitempty"`
}

func (d *PluginDescription) has(capability string) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

type evaluateResponse struct {
	models.PolicyResult
	Error string `json:"error,omitempty"`
}

// Runner executes out-of-process plugins.
type Runner struct {
	timeout time.Duration
}

// NewRunner creates a runner with the given per-call timeout.
func NewRunner(timeout time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	return &Runner{timeout: timeout}
}

// Describe probes an executable for its name and capabilities.
func (r *Runner) Describe(ctx context.Context, path string) (*PluginDescription, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("plugin executable: %w", err)
	}
	var desc PluginDescription
	if err := r.call(ctx, path, &execRequest{Op: "describe"}, &desc); err != nil {
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	if desc.Error != "" {
		return nil, fmt.Errorf("describe %s: %s", path, desc.Error)
	}
	if desc.Name == "" {
		return nil, fmt.Errorf("describe %s: plugin did not report a name", path)
	}
	return &desc, nil
}

// call runs the executable once, feeding req on stdin and decoding stdout into resp.
func (r *Runner) call(ctx context.Context, path string, req *execRequest, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %s", req.Op, r.timeout)
		}
		return fmt.Errorf("%s failed: %w: %s", req.Op, err, strings.TrimSpace(stderr.String()))
	}
	if stderr.Len() > 0 {
		log.Debug().Str("plugin", path).Str("op", req.Op).Msg(strings.TrimSpace(stderr.String()))
	}

	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), resp); err != nil {
		return fmt.Errorf("decode %s response: %w", req.Op, err)
	}
	log.Debug().
		Str("plugin", path).
		Str("op", req.Op).
		Dur("elapsed", time.Since(start)).
		Msg("External plugin call")
	return nil
}

// ── external policy ─────────────────────────────────────────

type execPolicyFactory struct {
	runner *Runner
	name   string
	path   string
	desc   *PluginDescription
}

func (f *execPolicyFactory) Name() string { return f.name }

func (f *execPolicyFactory) Description() string {
	if f.desc.Description != "" {
		return f.desc.Description
	}
	return "External policy plugin " + f.desc.Name
}

func (f *execPolicyFactory) ConfigSchema() map[string]interface{} {
	if f.desc.ConfigSchema != nil {
		return f.desc.ConfigSchema
	}
	return map[string]interface{}{"type": "object"}
}

// ValidateConfig requires a JSON object, then asks the plugin when it
// advertises the validate capability.
func (f *execPolicyFactory) ValidateConfig(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) > 0 {
		var obj map[string]interface{}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if !f.desc.has(CapabilityValidate) {
		return nil
	}
	var status execStatus
	if err := f.runner.call(context.Background(), f.path, &execRequest{Op: "validate", Config: raw}, &status); err != nil {
		return err
	}
	if status.Error != "" {
		return errors.New(status.Error)
	}
	return nil
}

func (f *execPolicyFactory) New(raw json.RawMessage) (contracts.PolicyPlugin, error) {
	if err := f.ValidateConfig(raw); err != nil {
		return nil, err
	}
	return &execPolicy{runner: f.runner, name: f.name, path: f.path, config: raw}, nil
}

type execPolicy struct {
	runner *Runner
	name   string
	path   string
	config json.RawMessage
}

func (p *execPolicy) Name() string { return p.name }

func (p *execPolicy) Evaluate(ctx context.Context, call *models.PolicyContext) (*models.PolicyResult, error) {
	var resp evaluateResponse
	if err := p.runner.call(ctx, p.path, &execRequest{Op: "evaluate", Config: p.config, Context: call}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(resp.Error)
	}
	switch resp.Verdict {
	case models.VerdictAllow, models.VerdictBlock, models.VerdictFlag, models.VerdictNegotiate:
	default:
		return nil, fmt.Errorf("plugin %s returned unknown verdict %q", p.name, resp.Verdict)
	}
	return &resp.PolicyResult, nil
}

// ── external sink ───────────────────────────────────────────

type execSink struct {
	runner *Runner
	name   string
	path   string
	config json.RawMessage
}

func (s *execSink) Name() string { return s.name }

func (s *execSink) Emit(ctx context.Context, event *models.GuardioEvent) error {
	var status execStatus
	if err := s.runner.call(ctx, s.path, &execRequest{Op: "emit", Config: s.config, Event: event}, &status); err != nil {
		return err
	}
	if status.Error != "" {
		return errors.New(status.Error)
	}
	return nil
}
