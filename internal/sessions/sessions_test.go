package sessions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_BroadcastRespectsProviderFilter(t *testing.T) {
	r := NewRegistry()
	weather := NewHandle("weather", "agent-1", "agent-calm-otter-1a2b")
	files := NewHandle("files", "agent-2", "agent-bold-heron-3c4d")
	r.Register(weather)
	r.Register(files)

	assert.Equal(t, 1, r.Broadcast(Message{Event: "message", Data: "w"}, "weather"))
	assert.Equal(t, 2, r.Broadcast(Message{Event: "message", Data: "all"}, ""))

	require.Len(t, weather.Messages(), 2)
	require.Len(t, files.Messages(), 1)
	msg := <-files.Messages()
	assert.Equal(t, "all", msg.Data)
}

func TestRegistry_UnregisterRemovesHandle(t *testing.T) {
	r := NewRegistry()
	h := NewHandle("weather", "agent-1", "a")
	r.Register(h)

	got, ok := r.Get(h.ID)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, r.Count("weather"))

	r.Unregister(h.ID)
	r.Unregister(h.ID)
	_, ok = r.Get(h.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count(""))
	assert.Equal(t, 0, r.Broadcast(Message{Data: "x"}, "weather"))
}

func TestHandle_SendDropsWhenFull(t *testing.T) {
	h := NewHandle("weather", "agent-1", "a")
	for i := 0; i < DefaultBuffer; i++ {
		require.True(t, h.Send(Message{Data: "x"}))
	}
	assert.False(t, h.Send(Message{Data: "overflow"}))
}

func TestRegistry_Snapshot(t *testing.T) {
	r := NewRegistry()
	h := NewHandle("weather", "agent-1", "agent-calm-otter-1a2b")
	r.Register(h)
	r.Register(NewHandle("files", "agent-2", "b"))

	snap := r.Snapshot("weather")
	require.Len(t, snap, 1)
	assert.Equal(t, h.ID, snap[0].ConnectionID)
	assert.Equal(t, "agent-calm-otter-1a2b", snap[0].AgentName)
}
