// In-memory Repository implementation.
// Used when no database is configured (local dev, tests). Supports
// file-based snapshot persistence so policies survive restarts.

package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/radoslaw-sz/guardio/pkg/models"
	"github.com/rs/zerolog/log"
)

// snapshot is the JSON-serializable shape written to disk.
// Agents and connections are live state and are not persisted.
type snapshot struct {
	Instances   map[string]*models.PolicyInstance   `json:"policy_instances"`
	Assignments map[string]*models.PolicyAssignment `json:"policy_assignments"`
	Catalogs    map[string][]models.ToolInfo        `json:"tool_catalogs"`
	Events      []*models.GuardioEvent              `json:"events"`
}

// MemoryOptions configures a MemoryStore.
type MemoryOptions struct {
	// SnapshotPath enables persistence when non-empty.
	SnapshotPath string
}

// MemoryStore implements Repository with in-memory maps.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*models.Agent            // key: agent id
	connections map[string]*models.AgentConnection  // key: connection id
	instances   map[string]*models.PolicyInstance   // key: instance id
	assignments map[string]*models.PolicyAssignment // key: assignment id
	catalogs    map[string][]models.ToolInfo        // key: provider name
	events      []*models.GuardioEvent              // append-only log

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts MemoryOptions) *MemoryStore {
	m := &MemoryStore{
		agents:       make(map[string]*models.Agent),
		connections:  make(map[string]*models.AgentConnection),
		instances:    make(map[string]*models.PolicyInstance),
		assignments:  make(map[string]*models.PolicyAssignment),
		catalogs:     make(map[string][]models.ToolInfo),
		events:       make([]*models.GuardioEvent, 0),
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		snapshotPath: opts.SnapshotPath,
	}

	if m.snapshotPath != "" {
		dir := filepath.Dir(m.snapshotPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists policies, catalogs and events to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Instances:   m.instances,
		Assignments: m.assignments,
		Catalogs:    m.catalogs,
		Events:      m.events,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Instances != nil {
		m.instances = snap.Instances
	}
	if snap.Assignments != nil {
		m.assignments = snap.Assignments
	}
	if snap.Catalogs != nil {
		m.catalogs = snap.Catalogs
	}
	if snap.Events != nil {
		m.events = snap.Events
	}

	log.Info().
		Int("policy_instances", len(m.instances)).
		Int("assignments", len(m.assignments)).
		Int("catalogs", len(m.catalogs)).
		Int("events", len(m.events)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }

// ── Agent Store ─────────────────────────────────────────────

func (m *MemoryStore) UpsertAgent(_ context.Context, agent *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *agent
	if existing, ok := m.agents[agent.ID]; ok && copy.CreatedAt.IsZero() {
		copy.CreatedAt = existing.CreatedAt
	}
	m.agents[agent.ID] = &copy
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	copy := *a
	return &copy, nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		result = append(result, *a)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) CreateConnection(_ context.Context, conn *models.AgentConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy := *conn
	m.connections[conn.ID] = &copy
	return nil
}

func (m *MemoryStore) DeleteConnection(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[connectionID]
	if !ok {
		return &ErrNotFound{Entity: "connection", Key: connectionID}
	}
	delete(m.connections, connectionID)
	for _, c := range m.connections {
		if c.AgentID == conn.AgentID {
			return nil
		}
	}
	delete(m.agents, conn.AgentID)
	return nil
}

func (m *MemoryStore) ListConnections(_ context.Context) ([]models.AgentConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.AgentConnection, 0, len(m.connections))
	for _, c := range m.connections {
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ConnectedAt.Before(result[j].ConnectedAt) })
	return result, nil
}

// ── Policy Store ────────────────────────────────────────────

func (m *MemoryStore) ListPolicyInstances(_ context.Context) ([]models.PolicyInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.PolicyInstance, 0, len(m.instances))
	for _, inst := range m.instances {
		copy := *inst
		copy.Assignments = m.assignmentsForLocked(inst.ID)
		result = append(result, copy)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryStore) GetPolicyInstance(_ context.Context, id string) (*models.PolicyInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "policy instance", Key: id}
	}
	copy := *inst
	copy.Assignments = m.assignmentsForLocked(id)
	return &copy, nil
}

func (m *MemoryStore) CreatePolicyInstance(_ context.Context, inst *models.PolicyInstance) error {
	m.mu.Lock()
	copy := *inst
	copy.Assignments = nil
	m.instances[inst.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdatePolicyInstance(_ context.Context, inst *models.PolicyInstance) error {
	m.mu.Lock()
	if _, ok := m.instances[inst.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "policy instance", Key: inst.ID}
	}
	copy := *inst
	copy.Assignments = nil
	m.instances[inst.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeletePolicyInstance(_ context.Context, id string) error {
	m.mu.Lock()
	if _, ok := m.instances[id]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "policy instance", Key: id}
	}
	delete(m.instances, id)
	for aid, a := range m.assignments {
		if a.PolicyInstanceID == id {
			delete(m.assignments, aid)
		}
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAssignments(_ context.Context, instanceID string) ([]models.PolicyAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.assignmentsForLocked(instanceID), nil
}

func (m *MemoryStore) SetAssignments(_ context.Context, instanceID string, assignments []models.PolicyAssignment) error {
	m.mu.Lock()
	if _, ok := m.instances[instanceID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "policy instance", Key: instanceID}
	}
	for aid, a := range m.assignments {
		if a.PolicyInstanceID == instanceID {
			delete(m.assignments, aid)
		}
	}
	for _, a := range assignments {
		copy := a
		copy.PolicyInstanceID = instanceID
		m.assignments[copy.ID] = &copy
	}
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) MatchAssignments(_ context.Context, agentID, toolName, providerName string) ([]models.PolicyAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.PolicyAssignment
	for _, a := range m.assignments {
		if _, ok := m.instances[a.PolicyInstanceID]; !ok {
			continue
		}
		if a.Matches(agentID, toolName, providerName) {
			result = append(result, *a)
		}
	}
	SortByPriority(result)
	return result, nil
}

// assignmentsForLocked must be called with mu held.
func (m *MemoryStore) assignmentsForLocked(instanceID string) []models.PolicyAssignment {
	var result []models.PolicyAssignment
	for _, a := range m.assignments {
		if a.PolicyInstanceID == instanceID {
			result = append(result, *a)
		}
	}
	SortByPriority(result)
	return result
}

// ── Catalog Store ───────────────────────────────────────────

func (m *MemoryStore) SaveToolCatalog(_ context.Context, providerName string, tools []models.ToolInfo) error {
	m.mu.Lock()
	m.catalogs[providerName] = append([]models.ToolInfo(nil), tools...)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) LoadToolCatalogs(_ context.Context) (map[string][]models.ToolInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string][]models.ToolInfo, len(m.catalogs))
	for name, tools := range m.catalogs {
		result[name] = append([]models.ToolInfo(nil), tools...)
	}
	return result, nil
}

// ── Event Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateEvent(_ context.Context, event *models.GuardioEvent) error {
	m.mu.Lock()
	copy := *event
	m.events = append(m.events, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListEvents(_ context.Context, filter models.EventFilter) ([]models.GuardioEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := eventLimit(filter)
	var result []models.GuardioEvent
	for i := len(m.events) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.events[i]
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.Decision != "" && e.Decision != filter.Decision {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Before != nil && !e.Timestamp.Before(*filter.Before) {
			continue
		}
		result = append(result, *e)
	}
	return result, nil
}

func (m *MemoryStore) DeleteEvents(_ context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	m.mu.Lock()
	kept := m.events[:0]
	for _, e := range m.events {
		if _, ok := drop[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	deleted := len(m.events) - len(kept)
	for i := len(kept); i < len(m.events); i++ {
		m.events[i] = nil
	}
	m.events = kept
	m.mu.Unlock()

	if deleted > 0 {
		m.requestSave()
	}
	return deleted, nil
}
