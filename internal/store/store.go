// Package store provides the repository contract the gateway core depends on
// and the adapters that satisfy it: an in-memory store with JSON snapshot
// persistence, and SQL stores for SQLite and PostgreSQL.
package store

import (
	"context"
	"sort"

	"github.com/radoslaw-sz/guardio/pkg/models"
)

// Repository is the storage contract for the gateway. The core treats each
// call as independently atomic and never spans a transaction across calls.
type Repository interface {
	AgentStore
	PolicyStore
	CatalogStore
	EventStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error
}

// ── Agent Store ─────────────────────────────────────────────

type AgentStore interface {
	UpsertAgent(ctx context.Context, agent *models.Agent) error
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)

	CreateConnection(ctx context.Context, conn *models.AgentConnection) error
	// DeleteConnection removes a connection record and deletes its agent
	// when no other connection references it.
	DeleteConnection(ctx context.Context, connectionID string) error
	ListConnections(ctx context.Context) ([]models.AgentConnection, error)
}

// ── Policy Store ────────────────────────────────────────────

type PolicyStore interface {
	ListPolicyInstances(ctx context.Context) ([]models.PolicyInstance, error)
	GetPolicyInstance(ctx context.Context, id string) (*models.PolicyInstance, error)
	CreatePolicyInstance(ctx context.Context, inst *models.PolicyInstance) error
	UpdatePolicyInstance(ctx context.Context, inst *models.PolicyInstance) error
	// DeletePolicyInstance also removes every assignment referencing it.
	DeletePolicyInstance(ctx context.Context, id string) error

	ListAssignments(ctx context.Context, instanceID string) ([]models.PolicyAssignment, error)
	// SetAssignments replaces all assignments of an instance. The instance must exist.
	SetAssignments(ctx context.Context, instanceID string, assignments []models.PolicyAssignment) error
	// MatchAssignments returns assignments applying to the context, highest priority first.
	MatchAssignments(ctx context.Context, agentID, toolName, providerName string) ([]models.PolicyAssignment, error)
}

// ── Catalog Store ───────────────────────────────────────────

type CatalogStore interface {
	SaveToolCatalog(ctx context.Context, providerName string, tools []models.ToolInfo) error
	LoadToolCatalogs(ctx context.Context) (map[string][]models.ToolInfo, error)
}

// ── Event Store ─────────────────────────────────────────────

type EventStore interface {
	CreateEvent(ctx context.Context, event *models.GuardioEvent) error
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, filter models.EventFilter) ([]models.GuardioEvent, error)
	// DeleteEvents removes events by id and reports how many were removed.
	DeleteEvents(ctx context.Context, ids []string) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Helpers ─────────────────────────────────────────────────

// DefaultEventLimit caps ListEvents when the filter sets no limit.
const DefaultEventLimit = 100

// SortByPriority orders assignments by descending priority. Ties keep their
// input order; callers must not rely on it.
func SortByPriority(assignments []models.PolicyAssignment) {
	sort.SliceStable(assignments, func(i, j int) bool {
		return assignments[i].Priority > assignments[j].Priority
	})
}

func eventLimit(filter models.EventFilter) int {
	if filter.Limit <= 0 {
		return DefaultEventLimit
	}
	if filter.Limit > 1000 {
		return 1000
	}
	return filter.Limit
}
