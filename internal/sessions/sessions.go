// Package sessions tracks the live SSE streams agents hold open on the
// gateway. Handles exist only in process memory, for exactly as long as the
// underlying connection is open.
package sessions

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radoslaw-sz/guardio/pkg/models"
)

// DefaultBuffer is the per-handle outbound queue length.
const DefaultBuffer = 64

// Message is one SSE event queued for a live stream.
type Message struct {
	Event string
	Data  string
}

// Handle is a live stream owned by the transport.
type Handle struct {
	ID        string
	Provider  string
	AgentID   string
	AgentName string
	OpenedAt  time.Time

	out chan Message
}

// NewHandle creates a handle with a fresh connection id.
func NewHandle(provider, agentID, agentName string) *Handle {
	return &Handle{
		ID:        uuid.New().String(),
		Provider:  provider,
		AgentID:   agentID,
		AgentName: agentName,
		OpenedAt:  time.Now().UTC(),
		out:       make(chan Message, DefaultBuffer),
	}
}

// Messages is drained by the goroutine writing the SSE response.
func (h *Handle) Messages() <-chan Message { return h.out }

// Send queues a message without blocking. It reports false when the
// subscriber is too slow and the message was dropped.
func (h *Handle) Send(msg Message) bool {
	select {
	case h.out <- msg:
		return true
	default:
		return false
	}
}

// Registry is a thread-safe set of live handles keyed by connection id.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register adds a handle.
func (r *Registry) Register(h *Handle) {
	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()
}

// Unregister removes a handle. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
}

// Get returns the handle for a connection id.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// ByProvider returns the handles attached to a provider, oldest first.
// An empty provider returns every handle.
func (r *Registry) ByProvider(provider string) []*Handle {
	r.mu.RLock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		if provider == "" || h.Provider == provider {
			out = append(out, h)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Count returns the number of live handles for a provider ("" for all).
func (r *Registry) Count(provider string) int {
	if provider == "" {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return len(r.handles)
	}
	return len(r.ByProvider(provider))
}

// Broadcast queues msg on every handle matching the provider filter ("" for
// all) and returns how many handles accepted it.
func (r *Registry) Broadcast(msg Message, provider string) int {
	delivered := 0
	for _, h := range r.ByProvider(provider) {
		if h.Send(msg) {
			delivered++
		}
	}
	return delivered
}

// Snapshot describes the live streams of a provider for observability.
func (r *Registry) Snapshot(provider string) []models.LiveStreamState {
	handles := r.ByProvider(provider)
	out := make([]models.LiveStreamState, 0, len(handles))
	for _, h := range handles {
		out = append(out, models.LiveStreamState{
			ConnectionID: h.ID,
			AgentID:      h.AgentID,
			AgentName:    h.AgentName,
			OpenedAt:     h.OpenedAt,
		})
	}
	return out
}
