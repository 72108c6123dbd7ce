package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/radoslaw-sz/guardio/internal/catalog"
	"github.com/radoslaw-sz/guardio/internal/mcpgw"
	"github.com/radoslaw-sz/guardio/internal/processor"
	"github.com/radoslaw-sz/guardio/internal/resolver"
	"github.com/radoslaw-sz/guardio/internal/upstream"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

const methodToolsList = "tools/list"

// HandlePostMessage runs one submission: resolve → pipeline → upstream write.
// It always completes the submission exactly once.
func (c *Core) HandlePostMessage(ctx context.Context, sub *mcpgw.Submission) {
	status, body := c.handle(ctx, sub)
	sub.Complete(status, body)
}

func (c *Core) handle(ctx context.Context, sub *mcpgw.Submission) (int, []byte) {
	ctx, span := c.tracer.Start(ctx, "core.HandlePostMessage", trace.WithAttributes(
		attribute.String("guardio.provider", sub.ProviderName),
		attribute.String("guardio.agent_id", sub.AgentID),
	))
	defer span.End()

	logger := c.logger.With().Str("provider", sub.ProviderName).Str("agent_id", sub.AgentID).Logger()

	conn, ok := c.conns[sub.ProviderName]
	if !ok {
		return errorReply(http.StatusNotFound, sub.Body, fmt.Sprintf("unknown provider %q", sub.ProviderName))
	}
	if !conn.Ready() {
		span.SetAttributes(attribute.Bool("guardio.upstream_ready", false))
		return errorReply(http.StatusServiceUnavailable, sub.Body, "upstream not ready")
	}

	method, id, tool := peek(sub.Body)
	span.SetAttributes(attribute.String("rpc.method", method))

	var policies []processor.ResolvedPolicy
	if method == processor.MethodToolsCall && tool != "" {
		policies = c.resolver.Resolve(ctx, resolver.Context{
			AgentID:      sub.AgentID,
			ToolName:     tool,
			ProviderName: sub.ProviderName,
		})
	}

	res := c.processor.Process(ctx, processor.Request{
		Body:         sub.Body,
		ProviderName: sub.ProviderName,
		AgentID:      sub.AgentID,
		Policies:     policies,
		Sinks:        c.plugins.Sinks,
	})
	if res.Handled {
		return res.Status, res.Body
	}

	if method == methodToolsList && id != nil {
		c.trackPending(sub.ProviderName, id)
	}
	var rt *route
	if method != "" && id != nil {
		rt = c.trackRoute(sub, id)
	}

	status, body, err := conn.Send(ctx, res.Body)
	if errors.Is(err, upstream.ErrNotReady) {
		c.dropRoute(sub.ProviderName, id, rt)
		return errorReply(http.StatusServiceUnavailable, sub.Body, "upstream not ready")
	}
	if err != nil {
		c.dropRoute(sub.ProviderName, id, rt)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Upstream write failed")
		return errorReply(http.StatusBadGateway, sub.Body, err.Error())
	}
	if answers(body, id) {
		// Answered inline; nothing will follow on the stream.
		c.dropRoute(sub.ProviderName, id, rt)
	}

	if method == methodToolsList {
		c.observeResponse(ctx, sub.ProviderName, body, false)
	}
	return status, body
}

// peek extracts the method, id and (for tools/call) tool name of a message.
// Unparseable bodies yield zero values.
func peek(body []byte) (method string, id interface{}, tool string) {
	var rpc models.MCPRequest
	if err := json.Unmarshal(body, &rpc); err != nil {
		return "", nil, ""
	}
	if rpc.Method == processor.MethodToolsCall {
		var params models.MCPToolCallParams
		if json.Unmarshal(rpc.Params, &params) == nil {
			tool = params.Name
		}
	}
	return rpc.Method, rpc.ID, tool
}

func errorReply(status int, body []byte, message string) (int, []byte) {
	_, id, _ := peek(body)
	out, _ := json.Marshal(models.NewErrorResponse(id, models.CodeInternalError, message, nil))
	return status, out
}

// ── Response routing ────────────────────────────────────────

// route remembers which stream sent a forwarded request.
type route struct {
	connectionID string
	agentID      string
	at           time.Time
}

// trackRoute records the sender of a forwarded request. Anonymous
// submissions are not tracked and their responses are broadcast.
func (c *Core) trackRoute(sub *mcpgw.Submission, id interface{}) *route {
	if sub.ConnectionID == "" && sub.AgentID == "" {
		return nil
	}
	rt := &route{connectionID: sub.ConnectionID, agentID: sub.AgentID, at: time.Now()}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	byID := c.routes[sub.ProviderName]
	if byID == nil {
		byID = make(map[string][]*route)
		c.routes[sub.ProviderName] = byID
	}
	for k, rts := range byID {
		kept := rts[:0]
		for _, r := range rts {
			if rt.at.Sub(r.at) <= pendingTTL {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(byID, k)
		} else {
			byID[k] = kept
		}
	}
	key := idKey(id)
	byID[key] = append(byID[key], rt)
	return rt
}

// takeRoute pops the oldest sender waiting on id.
func (c *Core) takeRoute(provider string, id interface{}) (*route, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	byID := c.routes[provider]
	key := idKey(id)
	rts := byID[key]
	if len(rts) == 0 {
		return nil, false
	}
	rt := rts[0]
	if len(rts) == 1 {
		delete(byID, key)
	} else {
		byID[key] = rts[1:]
	}
	return rt, true
}

// dropRoute removes one specific sender, if it is still waiting.
func (c *Core) dropRoute(provider string, id interface{}, rt *route) {
	if rt == nil {
		return
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	byID := c.routes[provider]
	key := idKey(id)
	rts := byID[key]
	for i, r := range rts {
		if r == rt {
			rts = append(rts[:i], rts[i+1:]...)
			break
		}
	}
	if len(rts) == 0 {
		delete(byID, key)
	} else {
		byID[key] = rts
	}
}

// relayMessage sends one upstream message to its originating stream when it
// answers a tracked request, and to every stream of the provider otherwise.
// Synthetic error envelopes are never broadcast; their sender also gets them
// as the submission reply.
func (c *Core) relayMessage(provider string, ev upstream.Event, logger zerolog.Logger) {
	var msg struct {
		ID     interface{} `json:"id"`
		Method string      `json:"method"`
	}
	if err := json.Unmarshal(ev.Data, &msg); err == nil && msg.ID != nil && msg.Method == "" {
		if rt, ok := c.takeRoute(provider, msg.ID); ok {
			if c.transport.Deliver(provider, rt.connectionID, rt.agentID, ev.Data) == 0 {
				logger.Debug().Str("agent_id", rt.agentID).Msg("Originating stream gone, response dropped")
			}
			return
		}
	}
	if ev.Synthetic {
		return
	}
	c.transport.Broadcast(provider, ev.Data)
}

// answers reports whether body is a JSON-RPC response to id.
func answers(body []byte, id interface{}) bool {
	if id == nil {
		return false
	}
	var msg struct {
		ID     interface{}     `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &msg); err != nil || msg.ID == nil {
		return false
	}
	return idKey(msg.ID) == idKey(id) && (len(msg.Result) > 0 || len(msg.Error) > 0)
}

// ── Catalog refresh ─────────────────────────────────────────

func idKey(id interface{}) string { return fmt.Sprint(id) }

func (c *Core) trackPending(provider string, id interface{}) {
	now := time.Now()
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ids := c.pending[provider]
	if ids == nil {
		ids = make(map[string]time.Time)
		c.pending[provider] = ids
	}
	for k, at := range ids {
		if now.Sub(at) > pendingTTL {
			delete(ids, k)
		}
	}
	ids[idKey(id)] = now
}

// takePending reports whether id was a forwarded tools/list and clears it.
func (c *Core) takePending(provider string, id interface{}) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ids := c.pending[provider]
	key := idKey(id)
	if _, ok := ids[key]; !ok {
		return false
	}
	delete(ids, key)
	return true
}

// observeResponse refreshes the catalog from a tools/list response. Streamed
// messages only count when their id matches a forwarded tools/list.
func (c *Core) observeResponse(ctx context.Context, provider string, data []byte, streamed bool) {
	var msg struct {
		ID     interface{}     `json:"id"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.ID == nil || len(msg.Result) == 0 {
		return
	}
	if streamed && !c.takePending(provider, msg.ID) {
		return
	}
	tools, ok := catalog.ParseToolsResult(msg.Result)
	if !ok {
		return
	}
	if !streamed {
		c.takePending(provider, msg.ID)
	}

	c.cache.Replace(provider, tools)
	if err := c.repo.SaveToolCatalog(context.WithoutCancel(ctx), provider, tools); err != nil {
		c.logger.Warn().Err(err).Str("provider", provider).Msg("Failed to persist tool catalog")
	}
	c.logger.Debug().Str("provider", provider).Int("tools", len(tools)).Msg("Tool catalog refreshed from traffic")
}
