package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/radoslaw-sz/guardio/internal/mcpgw"
)

type contextKey string

const (
	// AgentIDKey is the context key for the agent id hint.
	AgentIDKey contextKey = "agent_id"
	// AgentNameKey is the context key for the agent name hint.
	AgentNameKey contextKey = "agent_name"
)

// AgentExtractor copies the agent correlation headers into the request
// context so logging and tracing can tag requests with them.
func AgentExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get(mcpgw.HeaderAgentID)); id != "" {
			ctx = context.WithValue(ctx, AgentIDKey, id)
		}
		if name := strings.TrimSpace(r.Header.Get(mcpgw.HeaderAgentName)); name != "" {
			ctx = context.WithValue(ctx, AgentNameKey, name)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetAgentID returns the agent id hint, or "".
func GetAgentID(ctx context.Context) string {
	if v, ok := ctx.Value(AgentIDKey).(string); ok {
		return v
	}
	return ""
}

// GetAgentName returns the agent name hint, or "".
func GetAgentName(ctx context.Context) string {
	if v, ok := ctx.Value(AgentNameKey).(string); ok {
		return v
	}
	return ""
}
