// Package store is the kernel's durable state: a single embedded sqlite
// database in WAL mode. Readers are lock-free; writers serialize on the
// single connection. All multi-row invariants run inside one transaction or
// an atomic upsert.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps the embedded database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(ON)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Single writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	// on concurrent request handlers.
	db.SetMaxOpenConns(1)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle. Tests use this to inject mock
// connections.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for health checks and tests.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Tx runs fn inside a transaction, rolling back on error.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

// Migrate creates every table. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS workspaces (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL DEFAULT 'default',
		created_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS agents (
		agent_id     TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		role         TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS subagents (
		subagent_id     TEXT PRIMARY KEY,
		parent_agent_id TEXT NOT NULL,
		workspace_id    TEXT NOT NULL,
		task_id         TEXT NOT NULL,
		step_id         TEXT,
		worker_type     TEXT NOT NULL,
		status          TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		finished_at     TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS tasks (
		task_id             TEXT PRIMARY KEY,
		workspace_id        TEXT NOT NULL,
		created_by_agent_id TEXT NOT NULL,
		title               TEXT NOT NULL,
		intent              TEXT NOT NULL DEFAULT '',
		contract            TEXT NOT NULL,
		plan                TEXT,
		status              TEXT NOT NULL,
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS dcts (
		token_id        TEXT PRIMARY KEY,
		workspace_id    TEXT NOT NULL,
		issued_to_kind  TEXT NOT NULL,
		issued_to_id    TEXT NOT NULL,
		parent_agent_id TEXT,
		task_id         TEXT,
		scope           TEXT NOT NULL,
		ttl_seconds     INTEGER NOT NULL,
		expires_at      TEXT NOT NULL,
		revoked         INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS cap_tokens (
		token_id          TEXT PRIMARY KEY,
		workspace_id      TEXT NOT NULL,
		action_request_id TEXT NOT NULL,
		tool_name         TEXT NOT NULL,
		expires_at        TEXT NOT NULL,
		revoked           INTEGER NOT NULL DEFAULT 0,
		created_at        TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS action_requests (
		request_id        TEXT NOT NULL,
		workspace_id      TEXT NOT NULL,
		agent_id          TEXT NOT NULL,
		action_type       TEXT NOT NULL,
		destination       TEXT,
		payload           TEXT NOT NULL,
		payload_canon     TEXT NOT NULL,
		status            TEXT NOT NULL,
		approval_required INTEGER NOT NULL DEFAULT 0,
		result            TEXT,
		created_at        TEXT NOT NULL,
		PRIMARY KEY (workspace_id, request_id)
	);`,
	`CREATE TABLE IF NOT EXISTS approvals (
		approval_id       TEXT PRIMARY KEY,
		workspace_id      TEXT NOT NULL,
		action_request_id TEXT NOT NULL,
		requested_by      TEXT NOT NULL,
		status            TEXT NOT NULL,
		expires_at        TEXT NOT NULL,
		decision_reason   TEXT,
		decided_at        TEXT,
		created_at        TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS dct_approvals (
		dar_id                TEXT PRIMARY KEY,
		workspace_id          TEXT NOT NULL,
		requested_by_agent_id TEXT NOT NULL,
		issue_to_kind         TEXT NOT NULL,
		issue_to_id           TEXT NOT NULL,
		scope                 TEXT NOT NULL,
		ttl_seconds           INTEGER NOT NULL,
		risk_level            TEXT NOT NULL,
		status                TEXT NOT NULL,
		expires_at            TEXT NOT NULL,
		created_at            TEXT NOT NULL,
		decided_at            TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		artifact_id  TEXT PRIMARY KEY,
		task_id      TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		actor_kind   TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		type         TEXT NOT NULL,
		content      TEXT,
		uri          TEXT,
		metadata     TEXT,
		created_at   TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id);`,
	`CREATE TABLE IF NOT EXISTS events (
		event_id     TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		task_id      TEXT NOT NULL,
		actor_kind   TEXT NOT NULL,
		actor_id     TEXT NOT NULL,
		type         TEXT NOT NULL,
		ts           TEXT NOT NULL,
		data         TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id, ts);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		session_id      TEXT PRIMARY KEY,
		workspace_id    TEXT NOT NULL,
		channel         TEXT NOT NULL,
		remote_jid      TEXT NOT NULL,
		status          TEXT NOT NULL,
		turn_count      INTEGER NOT NULL DEFAULT 0,
		context_summary TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		last_message_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_tuple ON sessions(workspace_id, channel, remote_jid, created_at);`,
	`CREATE TABLE IF NOT EXISTS objectives (
		objective_id         TEXT PRIMARY KEY,
		session_id           TEXT NOT NULL,
		goal                 TEXT NOT NULL,
		required_deliverable TEXT NOT NULL,
		status               TEXT NOT NULL,
		created_at           TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS tool_evidence (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		objective_id TEXT NOT NULL,
		tool         TEXT NOT NULL,
		summary      TEXT NOT NULL DEFAULT '',
		ts           TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS objective_turns (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		objective_id TEXT NOT NULL,
		role         TEXT NOT NULL,
		content      TEXT NOT NULL,
		ts           TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS risk_policies (
		action_type  TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		mode         TEXT NOT NULL,
		constraint_expr TEXT,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (action_type, workspace_id)
	);`,
	`CREATE TABLE IF NOT EXISTS connections (
		provider         TEXT PRIMARY KEY,
		encrypted_secret TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'configured',
		last_tested_at   TEXT,
		last_error       TEXT,
		updated_at       TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS kernel_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,
}

// fmtTime serializes a timestamp for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fmtTimePtr serializes an optional timestamp.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime parses a stored timestamp, tolerating second precision.
func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

// parseTimePtr parses an optional stored timestamp.
func parseTimePtr(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t := parseTime(v.String)
	return &t
}
