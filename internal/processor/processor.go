// Package processor is the policy pipeline run on every submitted call.
//
// Only tools/call requests are evaluated. Anything else, including bodies
// that are not valid JSON, is forwarded byte-for-byte. Policies run
// sequentially in the order given; the first block short-circuits and is
// answered with a protocol-level success envelope whose result carries
// isError and a _meta.guardio block.
package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/radoslaw-sz/guardio/internal/notify"
	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// MethodToolsCall is the only method the pipeline evaluates.
const MethodToolsCall = "tools/call"

// ResolvedPolicy is one instantiated policy matched for a call.
type ResolvedPolicy struct {
	InstanceID string
	Name       string
	PluginName string
	Priority   int
	Plugin     contracts.PolicyPlugin
}

// Request is one call to run through the pipeline.
type Request struct {
	Body         []byte
	ProviderName string
	AgentID      string
	// Policies must already be ordered by descending priority.
	Policies []ResolvedPolicy
	Sinks    []contracts.EventSink
}

// Result is either handled (reply directly with Status/Body) or forwarded
// (relay Body upstream).
type Result struct {
	Handled bool
	Status  int
	Body    []byte

	// ToolName is set when the body was a tools/call.
	ToolName string
	Event    *models.GuardioEvent
}

// Options configures a Processor.
type Options struct {
	// Version is reported in _meta.guardio.version.
	Version    string
	Dispatcher *notify.Dispatcher
}

// Processor runs the policy pipeline.
type Processor struct {
	version    string
	dispatcher *notify.Dispatcher
	tracer     trace.Tracer
	logger     zerolog.Logger
}

// New creates a Processor.
func New(opts Options) *Processor {
	p := &Processor{
		version:    opts.Version,
		dispatcher: opts.Dispatcher,
		tracer:     otel.Tracer("guardio/processor"),
		logger:     log.With().Str("component", "processor").Logger(),
	}
	if p.dispatcher == nil {
		p.dispatcher = notify.NewDispatcher(0)
	}
	return p
}

// Dispatcher returns the event dispatcher, mostly for tests to Wait on.
func (p *Processor) Dispatcher() *notify.Dispatcher { return p.dispatcher }

// call is a parsed tools/call request.
type call struct {
	envelope map[string]json.RawMessage
	params   map[string]json.RawMessage
	id       interface{}
	tool     string
	args     map[string]interface{}
}

// parseCall returns nil for anything that is not a well-formed tools/call.
func parseCall(body []byte) *call {
	var rpc models.MCPRequest
	if err := json.Unmarshal(body, &rpc); err != nil || rpc.Method != MethodToolsCall {
		return nil
	}
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(rpc.Params, &params); err != nil {
		return nil
	}
	var typed models.MCPToolCallParams
	if err := json.Unmarshal(rpc.Params, &typed); err != nil || typed.Name == "" {
		return nil
	}
	if typed.Arguments == nil {
		typed.Arguments = map[string]interface{}{}
	}
	return &call{envelope: envelope, params: params, id: rpc.ID, tool: typed.Name, args: typed.Arguments}
}

// Process runs the pipeline for one request.
func (p *Processor) Process(ctx context.Context, req Request) Result {
	c := parseCall(req.Body)
	if c == nil {
		return Result{Body: req.Body}
	}

	ctx, span := p.tracer.Start(ctx, "processor.Process", trace.WithAttributes(
		attribute.String("guardio.provider", req.ProviderName),
		attribute.String("guardio.agent_id", req.AgentID),
		attribute.String("guardio.tool", c.tool),
		attribute.Int("guardio.policies", len(req.Policies)),
	))
	defer span.End()

	logger := p.logger.With().
		Str("provider", req.ProviderName).
		Str("agent_id", req.AgentID).
		Str("tool", c.tool).
		Logger()

	var evaluations []map[string]interface{}
	var overridden []string

	for _, policy := range req.Policies {
		pc := &models.PolicyContext{
			ToolName:     c.tool,
			Arguments:    copyArgs(c.args),
			AgentID:      req.AgentID,
			ProviderName: req.ProviderName,
			RequestID:    c.id,
		}

		res, err := policy.Plugin.Evaluate(ctx, pc)
		if err != nil {
			logger.Warn().Err(err).Str("policy_id", policy.InstanceID).Msg("Policy evaluation failed, allowing")
			evaluations = append(evaluations, evaluation(policy, nil, err))
			continue
		}
		if res == nil {
			res = &models.PolicyResult{Verdict: models.VerdictAllow}
		}
		evaluations = append(evaluations, evaluation(policy, res, nil))

		if res.Verdict == models.VerdictBlock {
			span.SetAttributes(attribute.String("guardio.decision", models.DecisionBlocked))
			return p.block(c, req, policy, res, evaluations, logger)
		}

		for k, v := range res.ModifiedArgs {
			c.args[k] = v
			overridden = append(overridden, k)
		}

		switch res.Verdict {
		case models.VerdictFlag, models.VerdictNegotiate:
			logger.Info().
				Str("policy_id", policy.InstanceID).
				Str("verdict", string(res.Verdict)).
				Str("code", res.Code).
				Str("reason", res.Reason).
				Msg("Tool call annotated by policy")
		}
	}

	body := req.Body
	if len(overridden) > 0 {
		rewritten, err := c.encode()
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to re-encode overridden call, forwarding original")
		} else {
			body = rewritten
		}
	}

	span.SetAttributes(attribute.String("guardio.decision", models.DecisionAllowed))
	event := p.newEvent(c, req, models.DecisionAllowed, models.ActionToolAllowed)
	event.PolicyEvaluation = map[string]interface{}{"policies": orEmpty(evaluations)}
	if len(overridden) > 0 {
		event.PolicyEvaluation["overriddenArguments"] = uniqueSorted(overridden)
	}
	p.dispatcher.Dispatch(req.Sinks, event)

	logger.Debug().Int("policies", len(req.Policies)).Msg("Tool call allowed")
	return Result{Body: body, ToolName: c.tool, Event: event}
}

func (p *Processor) block(c *call, req Request, policy ResolvedPolicy, res *models.PolicyResult, evaluations []map[string]interface{}, logger zerolog.Logger) Result {
	action := models.ActionToolBlocked
	if res.Code != "" {
		action = models.ActionPolicyViolation
	}
	now := time.Now().UTC()

	meta := map[string]interface{}{
		"version":   p.version,
		"requestId": c.id,
		"timestamp": now.Format(time.RFC3339),
		"policyId":  policy.InstanceID,
		"action":    action,
	}
	if res.Code != "" {
		meta["code"] = res.Code
	}
	if res.Reason != "" {
		meta["reason"] = res.Reason
	}

	text := fmt.Sprintf("Tool call %q was blocked by policy %q.", c.tool, policyLabel(policy))
	if res.Reason != "" {
		text = fmt.Sprintf("Tool call %q was blocked by policy %q: %s", c.tool, policyLabel(policy), res.Reason)
	}

	resp := models.MCPResponse{
		Jsonrpc: "2.0",
		ID:      c.id,
		Result: models.MCPToolResult{
			Content: []models.MCPContent{{Type: "text", Text: text}},
			IsError: true,
			Meta:    map[string]interface{}{"guardio": meta},
		},
	}
	body, _ := json.Marshal(resp)

	event := p.newEvent(c, req, models.DecisionBlocked, action)
	event.Timestamp = now
	event.PolicyEvaluation = map[string]interface{}{
		"policies":  evaluations,
		"blockedBy": policy.InstanceID,
	}
	event.ResponseSummary = map[string]interface{}{
		"isError": true,
		"action":  action,
	}
	if res.Code != "" {
		event.ResponseSummary["code"] = res.Code
	}
	p.dispatcher.Dispatch(req.Sinks, event)

	logger.Info().
		Str("policy_id", policy.InstanceID).
		Str("action", action).
		Str("code", res.Code).
		Msg("Tool call blocked")

	return Result{Handled: true, Status: http.StatusOK, Body: body, ToolName: c.tool, Event: event}
}

func (p *Processor) newEvent(c *call, req Request, decision, action string) *models.GuardioEvent {
	keys := make([]string, 0, len(c.args))
	for k := range c.args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return &models.GuardioEvent{
		ID:           uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		EventType:    models.EventTypeToolCall,
		ActionType:   action,
		AgentID:      req.AgentID,
		ProviderName: req.ProviderName,
		ToolName:     c.tool,
		Decision:     decision,
		RequestSummary: map[string]interface{}{
			"requestId":    c.id,
			"method":       MethodToolsCall,
			"tool":         c.tool,
			"argumentKeys": keys,
		},
	}
}

// encode re-serializes the call with the current arguments, keeping every
// other field of the original envelope and params.
func (c *call) encode() ([]byte, error) {
	args, err := json.Marshal(c.args)
	if err != nil {
		return nil, err
	}
	c.params["arguments"] = args
	params, err := json.Marshal(c.params)
	if err != nil {
		return nil, err
	}
	c.envelope["params"] = params

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(c.envelope); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func evaluation(policy ResolvedPolicy, res *models.PolicyResult, err error) map[string]interface{} {
	e := map[string]interface{}{
		"policyId":   policy.InstanceID,
		"pluginName": policy.PluginName,
		"priority":   policy.Priority,
	}
	if policy.Name != "" {
		e["name"] = policy.Name
	}
	if err != nil {
		e["verdict"] = "error"
		e["error"] = err.Error()
		return e
	}
	e["verdict"] = string(res.Verdict)
	if res.Code != "" {
		e["code"] = res.Code
	}
	if res.Reason != "" {
		e["reason"] = res.Reason
	}
	if len(res.Metadata) > 0 {
		e["metadata"] = res.Metadata
	}
	return e
}

func policyLabel(policy ResolvedPolicy) string {
	if policy.Name != "" {
		return policy.Name
	}
	if policy.PluginName != "" {
		return policy.PluginName
	}
	return policy.InstanceID
}

func copyArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func orEmpty(evaluations []map[string]interface{}) []map[string]interface{} {
	if evaluations == nil {
		return []map[string]interface{}{}
	}
	return evaluations
}
