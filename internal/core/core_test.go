package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radoslaw-sz/guardio/internal/config"
	"github.com/radoslaw-sz/guardio/internal/discovery"
	"github.com/radoslaw-sz/guardio/internal/mcpgw"
	"github.com/radoslaw-sz/guardio/internal/plugins"
	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/internal/upstream"
	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ─── Fake tool provider ──────────────────────────────────────

type mcpProvider struct {
	announce bool

	mu        sync.Mutex
	streams   map[int]chan string
	next      int
	calls     []json.RawMessage
	delay     time.Duration
	completed int
}

func newMCPProvider(announce bool) *mcpProvider {
	return &mcpProvider{announce: announce, streams: make(map[int]chan string)}
}

func (p *mcpProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/sse":
		ch := make(chan string, 16)
		p.mu.Lock()
		id := p.next
		p.next++
		p.streams[id] = ch
		p.mu.Unlock()
		defer func() {
			p.mu.Lock()
			delete(p.streams, id)
			p.mu.Unlock()
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		if p.announce {
			fmt.Fprint(w, "event: endpoint\ndata: /messages\n\n")
		}
		flusher.Flush()
		for {
			select {
			case <-r.Context().Done():
				return
			case msg := <-ch:
				fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
				flusher.Flush()
			}
		}

	case r.Method == http.MethodPost && r.URL.Path == "/messages":
		body, _ := io.ReadAll(r.Body)
		var rpc models.MCPRequest
		_ = json.Unmarshal(body, &rpc)

		switch {
		case rpc.Method == "initialize":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"protocolVersion":%q,"capabilities":{}}}`, rpc.ID, models.ProtocolVersion)
		case rpc.Method == "tools/list" && rpc.ID == discovery.ListToolsRequestID:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"tools":[{"name":"get_weather"}]}}`, rpc.ID)
		default:
			if rpc.Method == "notifications/initialized" {
				w.WriteHeader(http.StatusAccepted)
				return
			}
			p.mu.Lock()
			p.calls = append(p.calls, body)
			delay := p.delay
			p.mu.Unlock()

			time.Sleep(delay)
			w.WriteHeader(http.StatusAccepted)
			fmt.Fprint(w, "Accepted")

			p.mu.Lock()
			p.completed++
			p.mu.Unlock()
		}

	default:
		http.NotFound(w, r)
	}
}

func (p *mcpProvider) push(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.streams {
		ch <- msg
	}
}

func (p *mcpProvider) setDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

func (p *mcpProvider) writesCompleted() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.completed
}

func (p *mcpProvider) received() []json.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]json.RawMessage(nil), p.calls...)
}

// ─── Harness ─────────────────────────────────────────────────

type harness struct {
	core     *Core
	provider *mcpProvider
	gateway  *httptest.Server
}

func newHarness(t *testing.T, announce bool) *harness {
	t.Helper()
	provider := newMCPProvider(announce)
	upstreamSrv := httptest.NewServer(provider)
	t.Cleanup(upstreamSrv.Close)

	doc := fmt.Sprintf(`
servers:
  - name: weather
    url: %s/sse
    timeout: 2s
upstream:
  retry_interval: 50ms
discovery:
  timeout: 2s
submission:
  timeout: 3s
`, upstreamSrv.URL)
	cfg, err := config.Parse([]byte(doc), ".yaml")
	require.NoError(t, err)

	set, err := plugins.NewRegistry().Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })

	c, err := New(Options{Config: cfg, Plugins: set})
	require.NoError(t, err)

	r := chi.NewRouter()
	c.Transport().Mount(r)
	gateway := httptest.NewServer(r)
	t.Cleanup(gateway.Close)

	c.Start(context.Background())
	t.Cleanup(c.Close)

	return &harness{core: c, provider: provider, gateway: gateway}
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return h.core.ready("weather") }, 5*time.Second, 10*time.Millisecond)
}

func (h *harness) post(t *testing.T, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(h.gateway.URL+"/weather/messages", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (h *harness) postAs(t *testing.T, connectionID, body string) (int, []byte) {
	t.Helper()
	resp, err := http.Post(h.gateway.URL+mcpgw.EndpointPath("weather", connectionID), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

// agentStream is one client SSE stream held open on the gateway.
type agentStream struct {
	connectionID string
	events       chan upstream.SSEEvent
}

func (h *harness) openStream(t *testing.T, agentName string) *agentStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.gateway.URL+"/weather/sse", nil)
	require.NoError(t, err)
	req.Header.Set(mcpgw.HeaderAgentName, agentName)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	s := &agentStream{events: make(chan upstream.SSEEvent, 16)}
	go func() {
		defer resp.Body.Close()
		_ = upstream.ReadEvents(resp.Body, func(ev upstream.SSEEvent) error {
			s.events <- ev
			return nil
		})
	}()

	select {
	case ev := <-s.events:
		require.Equal(t, "agent", ev.Event)
		var info struct {
			ConnectionID string `json:"connectionId"`
		}
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &info))
		s.connectionID = info.ConnectionID
	case <-time.After(5 * time.Second):
		t.Fatal("no agent event on the stream")
	}
	return s
}

// nextMessage returns the data of the next relayed message on the stream.
func (s *agentStream) nextMessage(t *testing.T) string {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.events:
			if ev.Event == "message" {
				return ev.Data
			}
		case <-timeout:
			t.Fatal("no message relayed to the stream")
			return ""
		}
	}
}

func strPtr(s string) *string { return &s }

// ─── Tests ───────────────────────────────────────────────────

func TestCore_NotReadyIsServiceUnavailable(t *testing.T) {
	h := newHarness(t, false)

	status, body := h.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_weather","arguments":{}}}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	var envelope models.MCPResponse
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.NotNil(t, envelope.Error)
	assert.Empty(t, h.provider.received())
}

func TestCore_DiscoversCatalogOnReady(t *testing.T) {
	h := newHarness(t, true)
	h.waitReady(t)

	require.Eventually(t, func() bool { return h.core.Catalog().Count("weather") == 1 }, 5*time.Second, 10*time.Millisecond)

	persisted, err := h.core.Repository().LoadToolCatalogs(context.Background())
	require.NoError(t, err)
	require.Len(t, persisted["weather"], 1)
	assert.Equal(t, "get_weather", persisted["weather"][0].Name)
	assert.Len(t, h.core.ToolCatalog()["weather"], 1)
}

func TestCore_BlocksAndForwards(t *testing.T) {
	h := newHarness(t, true)
	h.waitReady(t)
	ctx := context.Background()

	_, err := h.core.CreatePolicyInstance(ctx, PolicyInput{
		PluginName: "regex",
		Name:       strPtr("no-paris"),
		Config:     json.RawMessage(`{"toolName":"get_weather","parameter":"city","pattern":"^Paris","code":"CITY_BLOCKED","reason":"Paris is off limits"}`),
		Assignments: &[]AssignmentInput{
			{ToolName: strPtr("get_weather"), Priority: 10},
		},
	})
	require.NoError(t, err)

	status, body := h.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_weather","arguments":{"city":"Paris, FR"}}}`)
	assert.Equal(t, http.StatusOK, status)
	var blocked struct {
		Result models.MCPToolResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &blocked))
	assert.True(t, blocked.Result.IsError)
	meta := blocked.Result.Meta["guardio"].(map[string]interface{})
	assert.Equal(t, models.ActionPolicyViolation, meta["action"])
	assert.Equal(t, "CITY_BLOCKED", meta["code"])
	assert.Empty(t, h.provider.received())

	forwarded := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"get_weather","arguments":{"city":"Berlin"}}}`
	status, body = h.post(t, forwarded)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "Accepted", string(body))
	calls := h.provider.received()
	require.Len(t, calls, 1)
	assert.JSONEq(t, forwarded, string(calls[0]))

	h.core.dispatcher.Wait()
	events, err := h.core.ListEvents(ctx, models.EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	decisions := []string{events[0].Decision, events[1].Decision}
	assert.ElementsMatch(t, []string{models.DecisionAllowed, models.DecisionBlocked}, decisions)

	blockedOnly, err := h.core.ListEvents(ctx, models.EventFilter{Decision: models.DecisionBlocked})
	require.NoError(t, err)
	require.Len(t, blockedOnly, 1)
	assert.Equal(t, "get_weather", blockedOnly[0].ToolName)
}

func TestCore_RelaysUpstreamTrafficAndRefreshesCatalog(t *testing.T) {
	h := newHarness(t, true)
	h.waitReady(t)
	require.Eventually(t, func() bool { return h.core.Catalog().Count("weather") == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.gateway.URL+"/weather/sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	events := make(chan upstream.SSEEvent, 16)
	go func() {
		defer resp.Body.Close()
		_ = upstream.ReadEvents(resp.Body, func(ev upstream.SSEEvent) error {
			events <- ev
			return nil
		})
	}()
	require.Eventually(t, func() bool { return h.core.Transport().Sessions().Count("weather") == 1 }, 5*time.Second, 10*time.Millisecond)

	// An untracked id never touches the catalog.
	h.provider.push(`{"jsonrpc":"2.0","id":"other","result":{"tools":[{"name":"a"},{"name":"b"}]}}`)

	status, _ := h.post(t, `{"jsonrpc":"2.0","id":"list-9","method":"tools/list"}`)
	require.Equal(t, http.StatusAccepted, status)
	h.provider.push(`{"jsonrpc":"2.0","id":"list-9","result":{"tools":[{"name":"a"},{"name":"b"},{"name":"c"}]}}`)

	var relayed []string
	timeout := time.After(5 * time.Second)
	for len(relayed) < 2 {
		select {
		case ev := <-events:
			if ev.Event == "message" {
				relayed = append(relayed, ev.Data)
			}
		case <-timeout:
			t.Fatalf("relayed %d of 2 messages", len(relayed))
		}
	}
	assert.Contains(t, relayed[0], `"other"`)
	assert.Contains(t, relayed[1], `"list-9"`)

	require.Eventually(t, func() bool { return h.core.Catalog().Count("weather") == 3 }, 5*time.Second, 10*time.Millisecond)
}

func TestCore_RoutesStreamedResponsesToTheirSender(t *testing.T) {
	h := newHarness(t, true)
	h.waitReady(t)

	alice := h.openStream(t, "alice")
	bob := h.openStream(t, "bob")

	status, _ := h.postAs(t, alice.connectionID, `{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"get_weather","arguments":{}}}`)
	require.Equal(t, http.StatusAccepted, status)

	h.provider.push(`{"jsonrpc":"2.0","id":7,"result":{"content":[{"type":"text","text":"sunny"}]}}`)
	h.provider.push(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)

	assert.Contains(t, alice.nextMessage(t), `"sunny"`)
	assert.Contains(t, alice.nextMessage(t), "list_changed")
	// Messages are relayed in order, so bob would see the result first.
	assert.Contains(t, bob.nextMessage(t), "list_changed")
}

func TestCore_AbortedSubmissionDoesNotReachOtherStreams(t *testing.T) {
	h := newHarness(t, true)
	h.waitReady(t)
	require.Eventually(t, func() bool { return h.core.Catalog().Count("weather") == 1 }, 5*time.Second, 10*time.Millisecond)
	h.provider.setDelay(300 * time.Millisecond)

	alice := h.openStream(t, "alice")
	bob := h.openStream(t, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.gateway.URL+mcpgw.EndpointPath("weather", alice.connectionID),
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_weather","arguments":{}}}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	_, err = http.DefaultClient.Do(req)
	require.Error(t, err)

	// The write still reaches the provider and completes.
	require.Eventually(t, func() bool { return h.provider.writesCompleted() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Len(t, h.provider.received(), 1)

	h.provider.push(`{"jsonrpc":"2.0","method":"notifications/tools/list_changed"}`)
	assert.Contains(t, bob.nextMessage(t), "list_changed")
	assert.Contains(t, alice.nextMessage(t), "list_changed")
}

// failingAssignments rejects every assignment write.
type failingAssignments struct {
	contracts.Repository
}

func (failingAssignments) SetAssignments(context.Context, string, []models.PolicyAssignment) error {
	return errors.New("disk full")
}

func TestCore_CreateRollsBackWhenAssignmentsFail(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	h.core.repo = failingAssignments{Repository: h.core.repo}

	_, err := h.core.CreatePolicyInstance(ctx, PolicyInput{
		PluginName:  "deny-tools",
		Config:      json.RawMessage(`{"tools":["rm_*"]}`),
		Assignments: &[]AssignmentInput{{Priority: 1}},
	})
	require.Error(t, err)

	all, err := h.core.ListPolicyInstances(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCore_PolicyInstanceAdmin(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()

	_, err := h.core.CreatePolicyInstance(ctx, PolicyInput{PluginName: "no-such"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "pluginName", verr.Field)

	_, err = h.core.CreatePolicyInstance(ctx, PolicyInput{PluginName: "regex", Config: json.RawMessage(`{"pattern":"("}`)})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "config", verr.Field)

	inst, err := h.core.CreatePolicyInstance(ctx, PolicyInput{
		PluginName:  "deny-tools",
		Config:      json.RawMessage(`{"tools":["rm_*"]}`),
		Assignments: &[]AssignmentInput{{Priority: 1}, {AgentID: strPtr(""), Priority: 2}},
	})
	require.NoError(t, err)
	assert.True(t, inst.Enabled)
	require.Len(t, inst.Assignments, 2)
	for _, a := range inst.Assignments {
		assert.Nil(t, a.AgentID)
	}

	disabled := false
	updated, err := h.core.UpdatePolicyInstance(ctx, inst.ID, PolicyInput{
		Name:        strPtr("renamed"),
		Enabled:     &disabled,
		Assignments: &[]AssignmentInput{{ProviderName: strPtr("weather"), Priority: 5}},
	})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.False(t, updated.Enabled)
	require.Len(t, updated.Assignments, 1)
	assert.Equal(t, 5, updated.Assignments[0].Priority)
	assert.JSONEq(t, `{"tools":["rm_*"]}`, string(updated.Config))

	_, err = h.core.UpdatePolicyInstance(ctx, inst.ID, PolicyInput{Config: json.RawMessage(`{"tools":"nope"}`)})
	require.ErrorAs(t, err, &verr)

	all, err := h.core.ListPolicyInstances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	require.NoError(t, h.core.DeletePolicyInstance(ctx, inst.ID))
	_, err = h.core.GetPolicyInstance(ctx, inst.ID)
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf))

	types := h.core.ListPolicyTypes()
	assert.NotEmpty(t, types)
}

func TestCore_ConnectionSnapshot(t *testing.T) {
	h := newHarness(t, false)

	snap, err := h.core.ConnectionSnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Providers, 1)
	p := snap.Providers[0]
	assert.Equal(t, "weather", p.Name)
	assert.False(t, p.Ready)
	assert.Equal(t, 0, p.Connections)
	assert.NotNil(t, snap.Connections)
}
