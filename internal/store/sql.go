package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/radoslaw-sz/guardio/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Dialect selects placeholder syntax for the SQL store.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore implements Repository on database/sql. Queries are written with
// '?' placeholders and rebound per dialect. Timestamps are stored as
// RFC3339 text and booleans as integers so one schema serves both engines.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  zerolog.Logger
}

func newSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  log.With().Str("component", "store").Str("dialect", string(dialect)).Logger(),
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	name_generated INTEGER NOT NULL DEFAULT 0,
	provider_name  TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agent_connections (
	id            TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	provider_name TEXT NOT NULL,
	connected_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_connections_agent ON agent_connections(agent_id);

CREATE TABLE IF NOT EXISTS policy_instances (
	id          TEXT PRIMARY KEY,
	plugin_name TEXT NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	config      TEXT NOT NULL DEFAULT '{}',
	enabled     INTEGER NOT NULL DEFAULT 1,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policy_assignments (
	id                 TEXT PRIMARY KEY,
	policy_instance_id TEXT NOT NULL REFERENCES policy_instances(id) ON DELETE CASCADE,
	agent_id           TEXT,
	tool_name          TEXT,
	provider_name      TEXT,
	priority           INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_policy_assignments_instance ON policy_assignments(policy_instance_id);

CREATE TABLE IF NOT EXISTS tool_catalogs (
	provider_name TEXT PRIMARY KEY,
	tools         TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	id                TEXT PRIMARY KEY,
	timestamp         TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	action_type       TEXT NOT NULL DEFAULT '',
	agent_id          TEXT NOT NULL DEFAULT '',
	provider_name     TEXT NOT NULL DEFAULT '',
	tool_name         TEXT NOT NULL DEFAULT '',
	decision          TEXT NOT NULL,
	policy_evaluation TEXT,
	request_summary   TEXT,
	response_summary  TEXT
);

CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp);
`

// Migrate creates the schema if it doesn't exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error { return s.db.Close() }

// rebind converts '?' placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *SQLStore) exec(ctx context.Context, q execer, query string, args ...interface{}) (sql.Result, error) {
	return q.ExecContext(ctx, s.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// timeLayout is fixed width so text comparison orders timestamps correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(p *string) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func fromNull(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func marshalMap(m map[string]interface{}) interface{} {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalMap(ns sql.NullString) map[string]interface{} {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil
	}
	return m
}

// ── Agent Store ─────────────────────────────────────────────

func (s *SQLStore) UpsertAgent(ctx context.Context, agent *models.Agent) error {
	now := time.Now().UTC()
	created := agent.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := agent.UpdatedAt
	if updated.IsZero() {
		updated = now
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO agents (id, name, name_generated, provider_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			name_generated = excluded.name_generated,
			provider_name = excluded.provider_name,
			updated_at = excluded.updated_at`,
		agent.ID, agent.Name, boolToInt(agent.NameGenerated), agent.ProviderName,
		formatTime(created), formatTime(updated))
	if err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, name, name_generated, provider_name, created_at, updated_at
		FROM agents WHERE id = ?`), id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, name_generated, provider_name, created_at, updated_at
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row scanner) (*models.Agent, error) {
	var (
		a                models.Agent
		generated        int
		created, updated string
	)
	if err := row.Scan(&a.ID, &a.Name, &generated, &a.ProviderName, &created, &updated); err != nil {
		return nil, err
	}
	a.NameGenerated = generated != 0
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}

func (s *SQLStore) CreateConnection(ctx context.Context, conn *models.AgentConnection) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO agent_connections (id, agent_id, provider_name, connected_at)
		VALUES (?, ?, ?, ?)`,
		conn.ID, conn.AgentID, conn.ProviderName, formatTime(conn.ConnectedAt))
	if err != nil {
		return fmt.Errorf("create connection: %w", err)
	}
	return nil
}

func (s *SQLStore) DeleteConnection(ctx context.Context, connectionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var agentID string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT agent_id FROM agent_connections WHERE id = ?`), connectionID).Scan(&agentID)
		if errors.Is(err, sql.ErrNoRows) {
			return &ErrNotFound{Entity: "connection", Key: connectionID}
		}
		if err != nil {
			return fmt.Errorf("lookup connection: %w", err)
		}

		if _, err := s.exec(ctx, tx, `DELETE FROM agent_connections WHERE id = ?`, connectionID); err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}

		var remaining int
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM agent_connections WHERE agent_id = ?`), agentID).Scan(&remaining); err != nil {
			return fmt.Errorf("count connections: %w", err)
		}
		if remaining == 0 {
			if _, err := s.exec(ctx, tx, `DELETE FROM agents WHERE id = ?`, agentID); err != nil {
				return fmt.Errorf("delete agent: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) ListConnections(ctx context.Context) ([]models.AgentConnection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, provider_name, connected_at
		FROM agent_connections ORDER BY connected_at`)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var result []models.AgentConnection
	for rows.Next() {
		var (
			c         models.AgentConnection
			connected string
		)
		if err := rows.Scan(&c.ID, &c.AgentID, &c.ProviderName, &connected); err != nil {
			return nil, fmt.Errorf("scan connection: %w", err)
		}
		c.ConnectedAt = parseTime(connected)
		result = append(result, c)
	}
	return result, rows.Err()
}

// ── Policy Store ────────────────────────────────────────────

const instanceColumns = `id, plugin_name, name, config, enabled, created_at, updated_at`

func scanInstance(row scanner) (*models.PolicyInstance, error) {
	var (
		inst             models.PolicyInstance
		config           string
		enabled          int
		created, updated string
	)
	if err := row.Scan(&inst.ID, &inst.PluginName, &inst.Name, &config, &enabled, &created, &updated); err != nil {
		return nil, err
	}
	inst.Config = json.RawMessage(config)
	inst.Enabled = enabled != 0
	inst.CreatedAt = parseTime(created)
	inst.UpdatedAt = parseTime(updated)
	return &inst, nil
}

func configText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func (s *SQLStore) ListPolicyInstances(ctx context.Context) ([]models.PolicyInstance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM policy_instances ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list policy instances: %w", err)
	}
	var result []models.PolicyInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan policy instance: %w", err)
		}
		result = append(result, *inst)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		assignments, err := s.ListAssignments(ctx, result[i].ID)
		if err != nil {
			return nil, err
		}
		result[i].Assignments = assignments
	}
	return result, nil
}

func (s *SQLStore) GetPolicyInstance(ctx context.Context, id string) (*models.PolicyInstance, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+instanceColumns+` FROM policy_instances WHERE id = ?`), id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "policy instance", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get policy instance: %w", err)
	}
	inst.Assignments, err = s.ListAssignments(ctx, id)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *SQLStore) CreatePolicyInstance(ctx context.Context, inst *models.PolicyInstance) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO policy_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.PluginName, inst.Name, configText(inst.Config), boolToInt(inst.Enabled),
		formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create policy instance: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdatePolicyInstance(ctx context.Context, inst *models.PolicyInstance) error {
	res, err := s.exec(ctx, s.db, `
		UPDATE policy_instances
		SET plugin_name = ?, name = ?, config = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		inst.PluginName, inst.Name, configText(inst.Config), boolToInt(inst.Enabled),
		formatTime(inst.UpdatedAt), inst.ID)
	if err != nil {
		return fmt.Errorf("update policy instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ErrNotFound{Entity: "policy instance", Key: inst.ID}
	}
	return nil
}

func (s *SQLStore) DeletePolicyInstance(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM policy_assignments WHERE policy_instance_id = ?`, id); err != nil {
			return fmt.Errorf("delete assignments: %w", err)
		}
		res, err := s.exec(ctx, tx, `DELETE FROM policy_instances WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete policy instance: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &ErrNotFound{Entity: "policy instance", Key: id}
		}
		return nil
	})
}

const assignmentColumns = `id, policy_instance_id, agent_id, tool_name, provider_name, priority`

func (s *SQLStore) queryAssignments(ctx context.Context, query string, args ...interface{}) ([]models.PolicyAssignment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query assignments: %w", err)
	}
	defer rows.Close()

	var result []models.PolicyAssignment
	for rows.Next() {
		var (
			a                     models.PolicyAssignment
			agent, tool, provider sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.PolicyInstanceID, &agent, &tool, &provider, &a.Priority); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		a.AgentID = fromNull(agent)
		a.ToolName = fromNull(tool)
		a.ProviderName = fromNull(provider)
		result = append(result, a)
	}
	return result, rows.Err()
}

func (s *SQLStore) ListAssignments(ctx context.Context, instanceID string) ([]models.PolicyAssignment, error) {
	return s.queryAssignments(ctx, `
		SELECT `+assignmentColumns+` FROM policy_assignments
		WHERE policy_instance_id = ? ORDER BY priority DESC`, instanceID)
}

func (s *SQLStore) SetAssignments(ctx context.Context, instanceID string, assignments []models.PolicyAssignment) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM policy_instances WHERE id = ?`), instanceID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("lookup policy instance: %w", err)
		}
		if exists == 0 {
			return &ErrNotFound{Entity: "policy instance", Key: instanceID}
		}

		if _, err := s.exec(ctx, tx, `DELETE FROM policy_assignments WHERE policy_instance_id = ?`, instanceID); err != nil {
			return fmt.Errorf("clear assignments: %w", err)
		}
		for _, a := range assignments {
			_, err := s.exec(ctx, tx, `
				INSERT INTO policy_assignments (`+assignmentColumns+`)
				VALUES (?, ?, ?, ?, ?, ?)`,
				a.ID, instanceID, nullable(a.AgentID), nullable(a.ToolName), nullable(a.ProviderName), a.Priority)
			if err != nil {
				return fmt.Errorf("insert assignment: %w", err)
			}
		}
		return nil
	})
}

func (s *SQLStore) MatchAssignments(ctx context.Context, agentID, toolName, providerName string) ([]models.PolicyAssignment, error) {
	result, err := s.queryAssignments(ctx, `
		SELECT a.id, a.policy_instance_id, a.agent_id, a.tool_name, a.provider_name, a.priority
		FROM policy_assignments a
		JOIN policy_instances i ON i.id = a.policy_instance_id
		WHERE (a.agent_id IS NULL OR a.agent_id = ?)
		  AND (a.tool_name IS NULL OR a.tool_name = ?)
		  AND (a.provider_name IS NULL OR a.provider_name = ?)
		ORDER BY a.priority DESC`, agentID, toolName, providerName)
	if err != nil {
		return nil, err
	}
	SortByPriority(result)
	return result, nil
}

// ── Catalog Store ───────────────────────────────────────────

func (s *SQLStore) SaveToolCatalog(ctx context.Context, providerName string, tools []models.ToolInfo) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("marshal catalog: %w", err)
	}
	_, err = s.exec(ctx, s.db, `
		INSERT INTO tool_catalogs (provider_name, tools, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(provider_name) DO UPDATE SET
			tools = excluded.tools,
			updated_at = excluded.updated_at`,
		providerName, string(data), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	return nil
}

func (s *SQLStore) LoadToolCatalogs(ctx context.Context) (map[string][]models.ToolInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider_name, tools FROM tool_catalogs`)
	if err != nil {
		return nil, fmt.Errorf("load catalogs: %w", err)
	}
	defer rows.Close()

	result := make(map[string][]models.ToolInfo)
	for rows.Next() {
		var name, data string
		if err := rows.Scan(&name, &data); err != nil {
			return nil, fmt.Errorf("scan catalog: %w", err)
		}
		var tools []models.ToolInfo
		if err := json.Unmarshal([]byte(data), &tools); err != nil {
			s.logger.Warn().Err(err).Str("provider", name).Msg("Skipping unreadable tool catalog")
			continue
		}
		result[name] = tools
	}
	return result, rows.Err()
}

// ── Event Store ─────────────────────────────────────────────

func (s *SQLStore) CreateEvent(ctx context.Context, e *models.GuardioEvent) error {
	_, err := s.exec(ctx, s.db, `
		INSERT INTO events (id, timestamp, event_type, action_type, agent_id, provider_name, tool_name,
			decision, policy_evaluation, request_summary, response_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, formatTime(e.Timestamp), e.EventType, e.ActionType, e.AgentID, e.ProviderName, e.ToolName,
		e.Decision, marshalMap(e.PolicyEvaluation), marshalMap(e.RequestSummary), marshalMap(e.ResponseSummary))
	if err != nil {
		return fmt.Errorf("create event: %w", err)
	}
	return nil
}

func (s *SQLStore) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.GuardioEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, filter.Decision)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*filter.Since))
	}
	if filter.Before != nil {
		where = append(where, "timestamp < ?")
		args = append(args, formatTime(*filter.Before))
	}

	query := `SELECT id, timestamp, event_type, action_type, agent_id, provider_name, tool_name,
		decision, policy_evaluation, request_summary, response_summary FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, eventLimit(filter))

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var result []models.GuardioEvent
	for rows.Next() {
		var (
			e                             models.GuardioEvent
			ts                            string
			policyEval, request, response sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.ActionType, &e.AgentID, &e.ProviderName, &e.ToolName,
			&e.Decision, &policyEval, &request, &response); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.PolicyEvaluation = unmarshalMap(policyEval)
		e.RequestSummary = unmarshalMap(request)
		e.ResponseSummary = unmarshalMap(response)
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *SQLStore) DeleteEvents(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := "DELETE FROM events WHERE id IN (?" + strings.Repeat(", ?", len(ids)-1) + ")"
	res, err := s.exec(ctx, s.db, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete events: %w", err)
	}
	return int(n), nil
}
