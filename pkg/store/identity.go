package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// CreateWorkspace inserts a workspace.
func (s *Store) CreateWorkspace(ctx context.Context, ws *contracts.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, type, created_at) VALUES (?, ?, ?)`,
		ws.ID, ws.Type, fmtTime(ws.CreatedAt))
	return err
}

// GetWorkspace returns a workspace or nil.
func (s *Store) GetWorkspace(ctx context.Context, id string) (*contracts.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, created_at FROM workspaces WHERE id = ?`, id)
	var ws contracts.Workspace
	var createdAt string
	if err := row.Scan(&ws.ID, &ws.Type, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ws.CreatedAt = parseTime(createdAt)
	return &ws, nil
}

// UpsertAgent registers an agent idempotently. The agent id is unique
// process-wide; a re-registration keeps the original workspace binding and
// refreshes the role.
func (s *Store) UpsertAgent(ctx context.Context, a *contracts.Agent) (*contracts.Agent, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, workspace_id, role, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET role = excluded.role`,
		a.AgentID, a.WorkspaceID, a.Role, fmtTime(a.CreatedAt))
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, a.AgentID)
}

// GetAgent returns an agent or nil.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*contracts.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_id, workspace_id, role, created_at FROM agents WHERE agent_id = ?`, agentID)
	var a contracts.Agent
	var createdAt string
	if err := row.Scan(&a.AgentID, &a.WorkspaceID, &a.Role, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// CreateSubagent inserts a subagent row.
func (s *Store) CreateSubagent(ctx context.Context, sub *contracts.Subagent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subagents (subagent_id, parent_agent_id, workspace_id, task_id, step_id, worker_type, status, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.SubagentID, sub.ParentAgentID, sub.WorkspaceID, sub.TaskID,
		nullable(sub.StepID), sub.WorkerType, string(sub.Status),
		fmtTime(sub.CreatedAt), fmtTimePtr(sub.FinishedAt))
	return err
}

// GetSubagent returns a subagent or nil.
func (s *Store) GetSubagent(ctx context.Context, subagentID string) (*contracts.Subagent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT subagent_id, parent_agent_id, workspace_id, task_id, step_id, worker_type, status, created_at, finished_at
		FROM subagents WHERE subagent_id = ?`, subagentID)
	sub, err := scanSubagent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

// ListSubagentsByTask returns the subagents of one task, oldest first.
func (s *Store) ListSubagentsByTask(ctx context.Context, taskID string) ([]*contracts.Subagent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subagent_id, parent_agent_id, workspace_id, task_id, step_id, worker_type, status, created_at, finished_at
		FROM subagents WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subs []*contracts.Subagent
	for rows.Next() {
		sub, err := scanSubagent(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// TransitionSubagent flips a subagent status atomically, refusing replays
// from terminal states. It reports whether the transition happened.
func (s *Store) TransitionSubagent(ctx context.Context, subagentID string, from []contracts.SubagentStatus, to contracts.SubagentStatus, finishedAt *time.Time) (bool, error) {
	if len(from) == 0 {
		return false, errors.New("transition requires at least one source status")
	}
	args := []any{string(to), fmtTimePtr(finishedAt), subagentID}
	q := `UPDATE subagents SET status = ?, finished_at = COALESCE(?, finished_at) WHERE subagent_id = ? AND status IN (`
	for i, st := range from {
		if i > 0 {
			q += ","
		}
		q += "?"
		args = append(args, string(st))
	}
	q += ")"

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubagent(row scanner) (*contracts.Subagent, error) {
	var sub contracts.Subagent
	var stepID sql.NullString
	var status, createdAt string
	var finishedAt sql.NullString
	if err := row.Scan(&sub.SubagentID, &sub.ParentAgentID, &sub.WorkspaceID, &sub.TaskID,
		&stepID, &sub.WorkerType, &status, &createdAt, &finishedAt); err != nil {
		return nil, err
	}
	sub.StepID = stepID.String
	sub.Status = contracts.SubagentStatus(status)
	sub.CreatedAt = parseTime(createdAt)
	sub.FinishedAt = parseTimePtr(finishedAt)
	return &sub, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
