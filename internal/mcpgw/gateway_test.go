package mcpgw

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/internal/upstream"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

type testGateway struct {
	transport *Transport
	repo      *store.MemoryStore
	server    *httptest.Server
	ready     atomic.Bool
}

func newTestGateway(t *testing.T, timeout time.Duration) *testGateway {
	t.Helper()
	g := &testGateway{repo: store.NewMemoryStore(store.MemoryOptions{})}
	t.Cleanup(func() { g.repo.Close() })

	g.transport = New(Options{
		Providers:         []string{"weather", "files"},
		Agents:            g.repo,
		Ready:             func(string) bool { return g.ready.Load() },
		SubmissionTimeout: timeout,
	})
	r := chi.NewRouter()
	g.transport.Mount(r)
	g.server = httptest.NewServer(r)
	t.Cleanup(g.server.Close)
	return g
}

// stream opens an SSE stream and returns its events plus a closer.
func (g *testGateway) stream(t *testing.T, provider string, headers map[string]string) (<-chan upstream.SSEEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.server.URL+"/"+provider+"/sse", nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := make(chan upstream.SSEEvent, 16)
	go func() {
		defer resp.Body.Close()
		_ = upstream.ReadEvents(resp.Body, func(ev upstream.SSEEvent) error {
			events <- ev
			return nil
		})
	}()
	t.Cleanup(cancel)
	return events, cancel
}

func next(t *testing.T, events <-chan upstream.SSEEvent) upstream.SSEEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE event")
		return upstream.SSEEvent{}
	}
}

func agentInfo(t *testing.T, ev upstream.SSEEvent) map[string]string {
	t.Helper()
	require.Equal(t, "agent", ev.Event)
	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(ev.Data), &info))
	return info
}

func TestSSE_AssignsNameAndPersistsConnection(t *testing.T) {
	g := newTestGateway(t, time.Second)
	g.ready.Store(true)

	events, closeStream := g.stream(t, "weather", nil)
	info := agentInfo(t, next(t, events))
	assert.True(t, strings.HasPrefix(info["agentName"], "agent-"))

	endpoint := next(t, events)
	assert.Equal(t, "endpoint", endpoint.Event)
	assert.Equal(t, EndpointPath("weather", info["connectionId"]), endpoint.Data)

	agent, err := g.repo.GetAgent(context.Background(), info["agentId"])
	require.NoError(t, err)
	assert.True(t, agent.NameGenerated)
	assert.Equal(t, "weather", agent.ProviderName)

	conns, err := g.repo.ListConnections(context.Background())
	require.NoError(t, err)
	require.Len(t, conns, 1)

	// Abrupt close: no disconnect message, just a dropped connection.
	closeStream()
	require.Eventually(t, func() bool {
		conns, _ := g.repo.ListConnections(context.Background())
		return len(conns) == 0 && g.transport.Sessions().Count("") == 0
	}, 5*time.Second, 10*time.Millisecond)

	_, err = g.repo.GetAgent(context.Background(), info["agentId"])
	assert.Error(t, err)
}

func TestSSE_NameHintAndDeferredEndpoint(t *testing.T) {
	g := newTestGateway(t, time.Second)

	events, _ := g.stream(t, "weather", map[string]string{HeaderAgentName: "billing-bot"})
	info := agentInfo(t, next(t, events))
	assert.Equal(t, "billing-bot", info["agentName"])

	// Upstream becomes ready after the stream opened.
	require.Eventually(t, func() bool { return g.transport.Sessions().Count("weather") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g.transport.PushEndpoint("weather"))

	ev := next(t, events)
	assert.Equal(t, "endpoint", ev.Event)
	assert.Contains(t, ev.Data, "/weather/messages?sessionId=")
}

func TestSSE_UnknownProvider(t *testing.T) {
	g := newTestGateway(t, time.Second)
	resp, err := http.Get(g.server.URL + "/nope/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcast_ProviderFilter(t *testing.T) {
	g := newTestGateway(t, time.Second)

	weather, _ := g.stream(t, "weather", nil)
	files, _ := g.stream(t, "files", nil)
	next(t, weather)
	next(t, files)
	require.Eventually(t, func() bool { return g.transport.Sessions().Count("") == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, g.transport.Broadcast("weather", []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)))

	ev := next(t, weather)
	assert.Equal(t, "message", ev.Event)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, ev.Data)

	select {
	case ev := <-files:
		t.Fatalf("files stream received %q", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliver_TargetsOneStream(t *testing.T) {
	g := newTestGateway(t, time.Second)

	first, _ := g.stream(t, "weather", map[string]string{HeaderAgentID: "agent-a"})
	second, closeSecond := g.stream(t, "weather", map[string]string{HeaderAgentID: "agent-a"})
	other, _ := g.stream(t, "weather", map[string]string{HeaderAgentID: "agent-b"})
	firstID := agentInfo(t, next(t, first))["connectionId"]
	secondID := agentInfo(t, next(t, second))["connectionId"]
	next(t, other)
	require.Eventually(t, func() bool { return g.transport.Sessions().Count("weather") == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, g.transport.Deliver("weather", firstID, "agent-a", []byte(`{"id":1}`)))
	assert.JSONEq(t, `{"id":1}`, next(t, first).Data)

	// A closed connection falls back to the agent's remaining streams.
	closeSecond()
	require.Eventually(t, func() bool { return g.transport.Sessions().Count("weather") == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, g.transport.Deliver("weather", secondID, "agent-a", []byte(`{"id":2}`)))
	assert.JSONEq(t, `{"id":2}`, next(t, first).Data)

	assert.Zero(t, g.transport.Deliver("files", firstID, "", []byte(`{"id":3}`)))

	select {
	case ev := <-other:
		t.Fatalf("agent-b stream received %q", ev.Data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMessages_NoHandlerIsUnavailable(t *testing.T) {
	g := newTestGateway(t, time.Second)
	resp, err := http.Post(g.server.URL+"/weather/messages", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMessages_HandsOffAndWaitsForCompletion(t *testing.T) {
	g := newTestGateway(t, time.Second)

	events, _ := g.stream(t, "weather", nil)
	info := agentInfo(t, next(t, events))

	subs := make(chan *Submission, 1)
	g.transport.OnSubmission(func(_ context.Context, sub *Submission) {
		subs <- sub
		time.Sleep(20 * time.Millisecond)
		sub.Complete(http.StatusAccepted, []byte("Accepted"))
		sub.Complete(http.StatusTeapot, []byte("ignored"))
	})

	resp, err := http.Post(g.server.URL+"/weather/messages?sessionId="+info["connectionId"], "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":3,"method":"tools/list"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "Accepted", string(body))
	got := <-subs
	assert.Equal(t, "weather", got.ProviderName)
	assert.Equal(t, info["agentId"], got.AgentID)
	assert.Equal(t, info["connectionId"], got.ConnectionID)
}

func TestMessages_AgentHeaderWins(t *testing.T) {
	g := newTestGateway(t, time.Second)
	agentIDs := make(chan string, 1)
	g.transport.OnSubmission(func(_ context.Context, sub *Submission) {
		agentIDs <- sub.AgentID
		sub.Complete(http.StatusOK, []byte(`{}`))
	})

	req, _ := http.NewRequest(http.MethodPost, g.server.URL+"/weather/messages", strings.NewReader(`{}`))
	req.Header.Set(HeaderAgentID, "agent-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "agent-42", <-agentIDs)
}

func TestMessages_CompletionTimeout(t *testing.T) {
	g := newTestGateway(t, 50*time.Millisecond)
	g.transport.OnSubmission(func(ctx context.Context, sub *Submission) {
		<-ctx.Done()
	})

	resp, err := http.Post(g.server.URL+"/weather/messages", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":"t-1","method":"tools/call"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var envelope models.MCPResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, "t-1", envelope.ID)
}

func TestGenerateAgentName(t *testing.T) {
	name := GenerateAgentName()
	parts := strings.Split(name, "-")
	require.Len(t, parts, 4)
	assert.Equal(t, "agent", parts[0])
	assert.Len(t, parts[3], 4)
}
