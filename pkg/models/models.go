// Package models defines the data shapes shared by the Guardio gateway:
// provider/client configuration, agents, policy instances and assignments,
// policy verdicts, audit events, the tool catalog and the JSON-RPC wire types
// of the tool protocol.
package models

import (
	"encoding/json"
	"time"
)

// ── Configuration ───────────────────────────────────────────

// ProviderConfig describes one upstream tool-providing server.
// Name is used as the URL path segment on the client-facing side.
type ProviderConfig struct {
	Name    string            `json:"name" yaml:"name" toml:"name"`
	URL     string            `json:"url" yaml:"url" toml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers" toml:"headers"`
	Timeout time.Duration     `json:"timeout,omitempty" yaml:"-" toml:"-"`
}

// ClientConfig is the listen address for the gateway's own HTTP server.
type ClientConfig struct {
	Port int    `json:"port" yaml:"port" toml:"port"`
	Host string `json:"host" yaml:"host" toml:"host"`
}

// ── Agents ──────────────────────────────────────────────────

// Agent is a connected client session. The repository owns the record;
// the gateway transport only holds the live stream for it.
type Agent struct {
	ID            string    `json:"id" db:"id"`
	Name          string    `json:"name" db:"name"`
	NameGenerated bool      `json:"nameGenerated" db:"name_generated"`
	ProviderName  string    `json:"providerName" db:"provider_name"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// AgentConnection links an agent to one open stream.
type AgentConnection struct {
	ID           string    `json:"id" db:"id"`
	AgentID      string    `json:"agentId" db:"agent_id"`
	ProviderName string    `json:"providerName" db:"provider_name"`
	ConnectedAt  time.Time `json:"connectedAt" db:"connected_at"`
}

// ── Policies ────────────────────────────────────────────────

// PolicyInstance is a configured activation of a policy plugin.
type PolicyInstance struct {
	ID         string          `json:"id" db:"id"`
	PluginName string          `json:"pluginName" db:"plugin_name"`
	Name       string          `json:"name,omitempty" db:"name"`
	Config     json.RawMessage `json:"config,omitempty" db:"config"`
	Enabled    bool            `json:"enabled" db:"enabled"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time       `json:"updatedAt" db:"updated_at"`

	Assignments []PolicyAssignment `json:"assignments,omitempty"`
}

// PolicyAssignment scopes a policy instance. A nil scope field applies to all.
type PolicyAssignment struct {
	ID               string  `json:"id" db:"id"`
	PolicyInstanceID string  `json:"policyInstanceId" db:"policy_instance_id"`
	AgentID          *string `json:"agentId,omitempty" db:"agent_id"`
	ToolName         *string `json:"toolName,omitempty" db:"tool_name"`
	ProviderName     *string `json:"providerName,omitempty" db:"provider_name"`
	Priority         int     `json:"priority" db:"priority"`
}

// Matches reports whether the assignment applies to the given context.
func (a PolicyAssignment) Matches(agentID, toolName, providerName string) bool {
	if a.AgentID != nil && *a.AgentID != agentID {
		return false
	}
	if a.ToolName != nil && *a.ToolName != toolName {
		return false
	}
	if a.ProviderName != nil && *a.ProviderName != providerName {
		return false
	}
	return true
}

// Verdict is the outcome of a single policy evaluation.
type Verdict string

const (
	VerdictAllow     Verdict = "allow"
	VerdictBlock     Verdict = "block"
	VerdictFlag      Verdict = "flag"
	VerdictNegotiate Verdict = "negotiate"
)

// PolicyResult is produced fresh per evaluation and never persisted directly.
type PolicyResult struct {
	Verdict      Verdict                `json:"verdict"`
	Code         string                 `json:"code,omitempty"`
	Reason       string                 `json:"reason,omitempty"`
	ModifiedArgs map[string]interface{} `json:"modified_args,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyContext is what a policy plugin sees for one tool call.
type PolicyContext struct {
	ToolName     string                 `json:"toolName"`
	Arguments    map[string]interface{} `json:"arguments"`
	AgentID      string                 `json:"agentId,omitempty"`
	ProviderName string                 `json:"providerName,omitempty"`
	RequestID    interface{}            `json:"requestId,omitempty"`
}

// ── Audit Events ────────────────────────────────────────────

// Event types and decisions recorded per processed call.
const (
	EventTypeToolCall = "TOOL_CALL"

	DecisionAllowed = "ALLOWED"
	DecisionBlocked = "BLOCKED"

	ActionToolBlocked     = "TOOL_BLOCKED"
	ActionPolicyViolation = "POLICY_VIOLATION"
	ActionToolAllowed     = "TOOL_ALLOWED"
)

// GuardioEvent is an immutable audit record, created once per processed call.
type GuardioEvent struct {
	ID               string                 `json:"id" db:"id"`
	Timestamp        time.Time              `json:"timestamp" db:"timestamp"`
	EventType        string                 `json:"eventType" db:"event_type"`
	ActionType       string                 `json:"actionType,omitempty" db:"action_type"`
	AgentID          string                 `json:"agentId,omitempty" db:"agent_id"`
	ProviderName     string                 `json:"providerName,omitempty" db:"provider_name"`
	ToolName         string                 `json:"toolName,omitempty" db:"tool_name"`
	Decision         string                 `json:"decision" db:"decision"`
	PolicyEvaluation map[string]interface{} `json:"policyEvaluation,omitempty"`
	RequestSummary   map[string]interface{} `json:"requestSummary,omitempty"`
	ResponseSummary  map[string]interface{} `json:"responseSummary,omitempty"`
}

// EventFilter provides query options for listing audit events.
type EventFilter struct {
	AgentID  string
	Decision string
	Since    *time.Time
	Before   *time.Time
	Limit    int
}

// ── Tool Catalog ────────────────────────────────────────────

// ToolInfo is one entry of a provider's tool catalog.
type ToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ── Observability ───────────────────────────────────────────

// ProviderSnapshot describes one provider and its live connections.
type ProviderSnapshot struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	State       string            `json:"state"`
	Ready       bool              `json:"ready"`
	Connections int               `json:"connections"`
	Tools       int               `json:"tools"`
	Agents      []Agent           `json:"agents"`
	Live        []LiveStreamState `json:"live"`
}

// LiveStreamState is the in-memory view of one open client stream.
type LiveStreamState struct {
	ConnectionID string    `json:"connectionId"`
	AgentID      string    `json:"agentId"`
	AgentName    string    `json:"agentName"`
	OpenedAt     time.Time `json:"openedAt"`
}

// ConnectionSnapshot is returned by GET /api/connection.
type ConnectionSnapshot struct {
	Providers   []ProviderSnapshot `json:"providers"`
	Connections []AgentConnection  `json:"connections"`
	GeneratedAt time.Time          `json:"generatedAt"`
}

// ── MCP Protocol Types ──────────────────────────────────────

// ProtocolVersion is the tool-protocol revision Guardio speaks upstream.
const ProtocolVersion = "2024-11-05"

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type MCPToolResult struct {
	Content []MCPContent           `json:"content"`
	IsError bool                   `json:"isError,omitempty"`
	Meta    map[string]interface{} `json:"_meta,omitempty"`
}

type MCPContent struct {
	Type string `json:"type"` // text, image, resource
	Text string `json:"text,omitempty"`
}

// JSON-RPC error codes used by the gateway.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeInternalError  = -32603
)

// NewErrorResponse builds a JSON-RPC error envelope for the given request id.
func NewErrorResponse(id interface{}, code int, message string, data interface{}) MCPResponse {
	return MCPResponse{
		Jsonrpc: "2.0",
		Error: &MCPError{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}
