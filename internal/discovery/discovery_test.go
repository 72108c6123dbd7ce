package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radoslaw-sz/guardio/internal/catalog"
	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// handshakeProvider answers initialize asynchronously over the stream and
// tools/list synchronously in the POST response.
type handshakeProvider struct {
	initDelay   time.Duration
	initCalls   int32
	initialized int32
	silent      bool

	mu       sync.Mutex
	sessions map[string]chan string
	next     int
}

func newHandshakeProvider() *handshakeProvider {
	return &handshakeProvider{sessions: make(map[string]chan string)}
}

func (p *handshakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		p.mu.Lock()
		p.next++
		id := fmt.Sprintf("s%d", p.next)
		ch := make(chan string, 4)
		p.sessions[id] = ch
		p.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		fmt.Fprintf(w, "event: endpoint\ndata: /messages?sessionId=%s\n\n", id)
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

	case http.MethodPost:
		p.mu.Lock()
		ch := p.sessions[r.URL.Query().Get("sessionId")]
		p.mu.Unlock()

		body, _ := io.ReadAll(r.Body)
		var req models.MCPRequest
		_ = json.Unmarshal(body, &req)

		switch req.Method {
		case "initialize":
			atomic.AddInt32(&p.initCalls, 1)
			w.WriteHeader(http.StatusAccepted)
			if p.silent {
				return
			}
			go func() {
				time.Sleep(p.initDelay)
				ch <- fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"protocolVersion":"2024-11-05"}}`, req.ID)
			}()
		case "notifications/initialized":
			atomic.AddInt32(&p.initialized, 1)
			w.WriteHeader(http.StatusAccepted)
		case "tools/list":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%q,"result":{"tools":[{"name":"get_weather","description":"Weather","inputSchema":{"type":"object"}}]}}`, req.ID)
		}
	}
}

func TestDiscover_PopulatesCacheAndStorage(t *testing.T) {
	p := newHandshakeProvider()
	srv := httptest.NewServer(p)
	defer srv.Close()

	repo := store.NewMemoryStore(store.MemoryOptions{})
	defer repo.Close()
	cache := catalog.NewCache()

	d := New(Options{
		Providers: []models.ProviderConfig{{Name: "weather", URL: srv.URL + "/sse"}},
		Cache:     cache,
		Repo:      repo,
		Timeout:   5 * time.Second,
	})

	tools, ok := d.Discover(context.Background(), "weather")
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Equal(t, "get_weather", tools[0].Name)
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.initialized))

	cached, ok := cache.Get("weather")
	require.True(t, ok)
	assert.Equal(t, tools, cached)

	persisted, err := repo.LoadToolCatalogs(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted["weather"], 1)
}

func TestDiscover_DeduplicatesSharedAddress(t *testing.T) {
	p := newHandshakeProvider()
	p.initDelay = 200 * time.Millisecond
	srv := httptest.NewServer(p)
	defer srv.Close()

	url := srv.URL + "/sse"
	cache := catalog.NewCache()
	d := New(Options{
		Providers: []models.ProviderConfig{{Name: "weather", URL: url}, {Name: "weather-eu", URL: url}},
		Cache:     cache,
		Timeout:   5 * time.Second,
	})

	var wg sync.WaitGroup
	for _, name := range []string{"weather", "weather-eu"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, ok := d.Discover(context.Background(), name)
			assert.True(t, ok)
		}(name)
	}
	wg.Wait()

	assert.Equal(t, 1, d.Handshakes())
	assert.Equal(t, int32(1), atomic.LoadInt32(&p.initCalls))
	assert.Equal(t, 1, cache.Count("weather"))
	assert.Equal(t, 1, cache.Count("weather-eu"))

	// Completion releases the in-flight marker; a later readiness re-runs it.
	p.initDelay = 0
	_, ok := d.Discover(context.Background(), "weather")
	assert.True(t, ok)
	assert.Equal(t, 2, d.Handshakes())
}

func TestDiscover_TimeoutYieldsNoResult(t *testing.T) {
	p := newHandshakeProvider()
	p.silent = true
	srv := httptest.NewServer(p)
	defer srv.Close()

	cache := catalog.NewCache()
	d := New(Options{
		Providers: []models.ProviderConfig{{Name: "weather", URL: srv.URL + "/sse"}},
		Cache:     cache,
		Timeout:   100 * time.Millisecond,
	})

	tools, ok := d.Discover(context.Background(), "weather")
	assert.False(t, ok)
	assert.Nil(t, tools)
	_, cached := cache.Get("weather")
	assert.False(t, cached)
}

func TestDiscover_UnknownProvider(t *testing.T) {
	d := New(Options{})
	_, ok := d.Discover(context.Background(), "ghost")
	assert.False(t, ok)
	assert.Equal(t, 0, d.Handshakes())
}
