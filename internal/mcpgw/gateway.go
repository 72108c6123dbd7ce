// Package mcpgw implements the client-facing side of the gateway.
//
// For every configured provider it exposes:
//   - GET  /{name}/sse       a long-lived SSE stream per agent
//   - POST /{name}/messages  one JSON-RPC submission, held open until the
//     orchestrator completes it
//
// Outbound traffic is multiplexed onto live streams with a provider filter
// so one provider's traffic never reaches another provider's agents.
package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/radoslaw-sz/guardio/internal/sessions"
	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// Agent correlation headers.
const (
	HeaderAgentName = "X-Agent-Name"
	HeaderAgentID   = "X-Agent-Id"
)

const (
	DefaultSubmissionTimeout = 60 * time.Second
	DefaultKeepAlive         = 25 * time.Second

	maxSubmissionBytes = 4 << 20
	cleanupTimeout     = 5 * time.Second
)

// ── Submissions ─────────────────────────────────────────────

// Reply is the single response to a submission.
type Reply struct {
	Status int
	Body   []byte
}

// Submission is one inbound call waiting for the orchestrator.
type Submission struct {
	Body         []byte
	ProviderName string
	AgentID      string
	ConnectionID string

	once sync.Once
	done chan Reply
}

func newSubmission(body []byte, provider, agentID, connID string) *Submission {
	return &Submission{
		Body:         body,
		ProviderName: provider,
		AgentID:      agentID,
		ConnectionID: connID,
		done:         make(chan Reply, 1),
	}
}

// Complete delivers the reply. Only the first call has any effect.
func (s *Submission) Complete(status int, body []byte) {
	s.once.Do(func() {
		s.done <- Reply{Status: status, Body: body}
	})
}

// SubmissionHandler processes a submission and must call Complete.
type SubmissionHandler func(ctx context.Context, sub *Submission)

// ── Transport ───────────────────────────────────────────────

// Options configures a Transport.
type Options struct {
	// Providers are the configured provider names served under /{name}.
	Providers []string
	// Agents persists agents and connections best-effort. May be nil.
	Agents store.AgentStore
	// Ready reports whether a provider's upstream has announced its endpoint.
	Ready func(provider string) bool

	SubmissionTimeout time.Duration
	KeepAlive         time.Duration
}

// Transport is the client-facing multiplexer.
type Transport struct {
	providers map[string]bool
	sessions  *sessions.Registry
	agents    store.AgentStore
	ready     func(string) bool
	timeout   time.Duration
	keepAlive time.Duration
	logger    zerolog.Logger

	mu      sync.RWMutex
	handler SubmissionHandler
}

// New creates a Transport.
func New(opts Options) *Transport {
	t := &Transport{
		providers: make(map[string]bool, len(opts.Providers)),
		sessions:  sessions.NewRegistry(),
		agents:    opts.Agents,
		ready:     opts.Ready,
		timeout:   opts.SubmissionTimeout,
		keepAlive: opts.KeepAlive,
		logger:    log.With().Str("component", "mcpgw").Logger(),
	}
	for _, name := range opts.Providers {
		t.providers[name] = true
	}
	if t.ready == nil {
		t.ready = func(string) bool { return false }
	}
	if t.timeout <= 0 {
		t.timeout = DefaultSubmissionTimeout
	}
	if t.keepAlive <= 0 {
		t.keepAlive = DefaultKeepAlive
	}
	return t
}

// Sessions exposes the live stream registry.
func (t *Transport) Sessions() *sessions.Registry { return t.sessions }

// OnSubmission installs the submission handler. Passing nil uninstalls it.
func (t *Transport) OnSubmission(h SubmissionHandler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

func (t *Transport) submissionHandler() SubmissionHandler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

// Mount registers the transport routes on r.
func (t *Transport) Mount(r chi.Router) {
	r.Get("/{name}/sse", t.HandleSSE)
	r.Post("/{name}/messages", t.HandleMessages)
}

// EndpointPath is the message endpoint announced to one live stream.
func EndpointPath(provider, connectionID string) string {
	return "/" + url.PathEscape(provider) + "/messages?sessionId=" + url.QueryEscape(connectionID)
}

// Broadcast relays one upstream message to the live streams of a provider.
func (t *Transport) Broadcast(provider string, data []byte) int {
	return t.sessions.Broadcast(sessions.Message{Event: "message", Data: string(data)}, provider)
}

// Deliver relays one upstream message to the stream that sent the matching
// request. When that connection is gone it falls back to the agent's other
// streams on the provider. It returns how many handles accepted it.
func (t *Transport) Deliver(provider, connectionID, agentID string, data []byte) int {
	msg := sessions.Message{Event: "message", Data: string(data)}
	if connectionID != "" {
		if h, ok := t.sessions.Get(connectionID); ok && h.Provider == provider {
			if h.Send(msg) {
				return 1
			}
			return 0
		}
	}
	if agentID == "" {
		return 0
	}
	delivered := 0
	for _, h := range t.sessions.ByProvider(provider) {
		if h.AgentID == agentID && h.Send(msg) {
			delivered++
		}
	}
	return delivered
}

// PushEndpoint announces the message endpoint to every live stream of a
// provider. Called when its upstream becomes ready.
func (t *Transport) PushEndpoint(provider string) int {
	pushed := 0
	for _, h := range t.sessions.ByProvider(provider) {
		if h.Send(sessions.Message{Event: "endpoint", Data: EndpointPath(provider, h.ID)}) {
			pushed++
		}
	}
	return pushed
}

// ── GET /{name}/sse ─────────────────────────────────────────

// HandleSSE opens one agent stream. The connection record and live handle
// are always removed when the request ends, however it ends.
func (t *Transport) HandleSSE(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "name")
	if !t.providers[provider] {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", provider))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	agentName := strings.TrimSpace(r.Header.Get(HeaderAgentName))
	generated := agentName == ""
	if generated {
		agentName = GenerateAgentName()
	}
	agentID := strings.TrimSpace(r.Header.Get(HeaderAgentID))
	if agentID == "" {
		agentID = uuid.New().String()
	}

	h := sessions.NewHandle(provider, agentID, agentName)
	logger := t.logger.With().
		Str("provider", provider).
		Str("agent_id", agentID).
		Str("agent", agentName).
		Str("connection_id", h.ID).
		Logger()

	t.persistConnection(r.Context(), h, generated, logger)
	t.sessions.Register(h)
	defer t.closeConnection(h, logger)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	agentInfo, _ := json.Marshal(map[string]string{
		"agentId":      agentID,
		"agentName":    agentName,
		"connectionId": h.ID,
	})
	writeEvent(w, "agent", string(agentInfo))
	if t.ready(provider) {
		writeEvent(w, "endpoint", EndpointPath(provider, h.ID))
	}
	flusher.Flush()
	logger.Info().Bool("name_generated", generated).Msg("Agent stream opened")

	ticker := time.NewTicker(t.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-h.Messages():
			writeEvent(w, msg.Event, msg.Data)
			flusher.Flush()
		case <-ticker.C:
			if _, err := io.WriteString(w, ":keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (t *Transport) persistConnection(ctx context.Context, h *sessions.Handle, generated bool, logger zerolog.Logger) {
	if t.agents == nil {
		return
	}
	now := time.Now().UTC()
	agent := &models.Agent{
		ID:            h.AgentID,
		Name:          h.AgentName,
		NameGenerated: generated,
		ProviderName:  h.Provider,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.agents.UpsertAgent(ctx, agent); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist agent")
		return
	}
	conn := &models.AgentConnection{
		ID:           h.ID,
		AgentID:      h.AgentID,
		ProviderName: h.Provider,
		ConnectedAt:  h.OpenedAt,
	}
	if err := t.agents.CreateConnection(ctx, conn); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist agent connection")
	}
}

func (t *Transport) closeConnection(h *sessions.Handle, logger zerolog.Logger) {
	t.sessions.Unregister(h.ID)
	if t.agents != nil {
		// The request context is already done here.
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := t.agents.DeleteConnection(ctx, h.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete agent connection")
		}
	}
	logger.Info().Dur("duration", time.Since(h.OpenedAt)).Msg("Agent stream closed")
}

// ── POST /{name}/messages ───────────────────────────────────

// HandleMessages accepts one submission and holds the response open until
// the handler completes it or the submission timeout elapses.
func (t *Transport) HandleMessages(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "name")
	if !t.providers[provider] {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown provider %q", provider))
		return
	}
	handler := t.submissionHandler()
	if handler == nil {
		respondError(w, http.StatusServiceUnavailable, "gateway is not accepting submissions")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmissionBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	connID := r.URL.Query().Get("sessionId")
	agentID := strings.TrimSpace(r.Header.Get(HeaderAgentID))
	if agentID == "" && connID != "" {
		if h, ok := t.sessions.Get(connID); ok {
			agentID = h.AgentID
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), t.timeout)
	defer cancel()

	sub := newSubmission(body, provider, agentID, connID)
	go handler(ctx, sub)

	select {
	case reply := <-sub.done:
		writeReply(w, reply)
	case <-ctx.Done():
		if r.Context().Err() != nil {
			// Client went away.
			return
		}
		t.logger.Warn().Str("provider", provider).Str("agent_id", agentID).Dur("timeout", t.timeout).Msg("Submission timed out")
		envelope, _ := json.Marshal(models.NewErrorResponse(requestID(body), models.CodeInternalError, "gateway timed out waiting for a reply", nil))
		writeReply(w, Reply{Status: http.StatusGatewayTimeout, Body: envelope})
	}
}

// ── Helpers ─────────────────────────────────────────────────

// writeEvent writes one SSE event, splitting multi-line data.
func writeEvent(w io.Writer, event, data string) {
	if event == "" {
		event = "message"
	}
	var b strings.Builder
	b.WriteString("event: " + event + "\n")
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: " + line + "\n")
	}
	b.WriteString("\n")
	io.WriteString(w, b.String())
}

func writeReply(w http.ResponseWriter, reply Reply) {
	if json.Valid(reply.Body) {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	status := reply.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(reply.Body)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func requestID(body []byte) interface{} {
	var probe struct {
		ID interface{} `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil
	}
	return probe.ID
}
