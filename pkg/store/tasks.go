package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// CreateTask inserts a task with its contract blob.
func (s *Store) CreateTask(ctx context.Context, t *contracts.Task) error {
	contract, err := contracts.EncodeJSON(t.Contract)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, workspace_id, created_by_agent_id, title, intent, contract, plan, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.WorkspaceID, t.CreatedByAgentID, t.Title, t.Intent,
		contract, nullable(t.Plan), string(t.Status), fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt))
	return err
}

// GetTask returns a task or nil.
func (s *Store) GetTask(ctx context.Context, taskID string) (*contracts.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, workspace_id, created_by_agent_id, title, intent, contract, plan, status, created_at, updated_at
		FROM tasks WHERE task_id = ?`, taskID)

	var t contracts.Task
	var contract string
	var plan sql.NullString
	var status, createdAt, updatedAt string
	if err := row.Scan(&t.TaskID, &t.WorkspaceID, &t.CreatedByAgentID, &t.Title, &t.Intent,
		&contract, &plan, &status, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := contracts.DecodeJSON(contract, &t.Contract); err != nil {
		return nil, err
	}
	t.Plan = plan.String
	t.Status = contracts.TaskStatus(status)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// UpdateTaskStatus sets status and bumps updated_at.
func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status contracts.TaskStatus, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(status), fmtTime(now), taskID)
	return err
}

// MarkTaskRunning moves a queued task to running. A no-op once the task
// has left the queue.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ? AND status = ?`,
		string(contracts.TaskRunning), fmtTime(now), taskID, string(contracts.TaskQueued))
	return err
}

// CreateArtifact inserts an artifact.
func (s *Store) CreateArtifact(ctx context.Context, a *contracts.Artifact) error {
	meta, err := contracts.EncodeJSON(a.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, task_id, workspace_id, actor_kind, actor_id, type, content, uri, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.TaskID, a.WorkspaceID, string(a.ActorKind), a.ActorID,
		a.Type, nullable(a.Content), nullable(a.URI), meta, fmtTime(a.CreatedAt))
	return err
}

// ListArtifactsByTask returns a task's artifacts, oldest first.
func (s *Store) ListArtifactsByTask(ctx context.Context, taskID string) ([]*contracts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, task_id, workspace_id, actor_kind, actor_id, type, content, uri, metadata, created_at
		FROM artifacts WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Artifact
	for rows.Next() {
		var a contracts.Artifact
		var actorKind, createdAt string
		var content, uri, meta sql.NullString
		if err := rows.Scan(&a.ArtifactID, &a.TaskID, &a.WorkspaceID, &actorKind, &a.ActorID,
			&a.Type, &content, &uri, &meta, &createdAt); err != nil {
			return nil, err
		}
		a.ActorKind = contracts.ActorKind(actorKind)
		a.Content = content.String
		a.URI = uri.String
		if meta.Valid && meta.String != "" {
			if err := contracts.DecodeJSON(meta.String, &a.Metadata); err != nil {
				return nil, err
			}
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// AppendEvent appends one lifecycle event.
func (s *Store) AppendEvent(ctx context.Context, e *contracts.Event) error {
	data, err := contracts.EncodeJSON(e.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, workspace_id, task_id, actor_kind, actor_id, type, ts, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.EventID, e.WorkspaceID, e.TaskID, string(e.ActorKind), e.ActorID,
		e.Type, fmtTime(e.TS), data)
	return err
}

// ListEventsByTask returns a task's events in ascending order.
func (s *Store) ListEventsByTask(ctx context.Context, taskID string) ([]*contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workspace_id, task_id, actor_kind, actor_id, type, ts, data
		FROM events WHERE task_id = ? ORDER BY ts, rowid`, taskID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Event
	for rows.Next() {
		var e contracts.Event
		var actorKind, ts string
		var data sql.NullString
		if err := rows.Scan(&e.EventID, &e.WorkspaceID, &e.TaskID, &actorKind, &e.ActorID,
			&e.Type, &ts, &data); err != nil {
			return nil, err
		}
		e.ActorKind = contracts.ActorKind(actorKind)
		e.TS = parseTime(ts)
		if data.Valid && data.String != "" {
			if err := contracts.DecodeJSON(data.String, &e.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
