package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// CreateSession inserts a session row.
func (s *Store) CreateSession(ctx context.Context, sess *contracts.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, workspace_id, channel, remote_jid, status, turn_count, context_summary, created_at, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.SessionID, sess.WorkspaceID, sess.Channel, sess.RemoteJID,
		string(sess.Status), sess.TurnCount, sess.ContextSummary,
		fmtTime(sess.CreatedAt), fmtTime(sess.LastMessageAt))
	return err
}

// GetSession returns a session by id or nil.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*contracts.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, workspace_id, channel, remote_jid, status, turn_count, context_summary, created_at, last_message_at
		FROM sessions WHERE session_id = ?`, sessionID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// LatestSession returns the most recent session for an inbound tuple, or nil.
func (s *Store) LatestSession(ctx context.Context, workspaceID, channel, remoteJID string) (*contracts.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, workspace_id, channel, remote_jid, status, turn_count, context_summary, created_at, last_message_at
		FROM sessions WHERE workspace_id = ? AND channel = ? AND remote_jid = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		workspaceID, channel, remoteJID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sess, nil
}

// CloseSession marks a session closed.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`,
		string(contracts.SessionClosed), sessionID)
	return err
}

// AdvanceSession bumps the turn counter, refreshes the summary and the
// last-message timestamp.
func (s *Store) AdvanceSession(ctx context.Context, sessionID, summary string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET turn_count = turn_count + 1, context_summary = ?, last_message_at = ?
		WHERE session_id = ?`,
		summary, fmtTime(at), sessionID)
	return err
}

// TouchSession refreshes last_message_at without advancing the turn count.
func (s *Store) TouchSession(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_message_at = ? WHERE session_id = ?`, fmtTime(at), sessionID)
	return err
}

func scanSession(row scanner) (*contracts.Session, error) {
	var sess contracts.Session
	var status, createdAt, lastAt string
	if err := row.Scan(&sess.SessionID, &sess.WorkspaceID, &sess.Channel, &sess.RemoteJID,
		&status, &sess.TurnCount, &sess.ContextSummary, &createdAt, &lastAt); err != nil {
		return nil, err
	}
	sess.Status = contracts.SessionStatus(status)
	sess.CreatedAt = parseTime(createdAt)
	sess.LastMessageAt = parseTime(lastAt)
	return &sess, nil
}

// CreateObjective inserts a cognitive objective.
func (s *Store) CreateObjective(ctx context.Context, o *contracts.Objective) error {
	deliverable, err := contracts.EncodeJSON(o.RequiredDeliverable)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO objectives (objective_id, session_id, goal, required_deliverable, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		o.ObjectiveID, o.SessionID, o.Goal, deliverable, string(o.Status), fmtTime(o.CreatedAt))
	return err
}

// ActiveObjective returns the in-progress objective of a session, or nil.
func (s *Store) ActiveObjective(ctx context.Context, sessionID string) (*contracts.Objective, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT objective_id, session_id, goal, required_deliverable, status, created_at
		FROM objectives WHERE session_id = ? AND status = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		sessionID, string(contracts.ObjectiveInProgress))
	o, err := scanObjective(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// GetObjective returns an objective by id or nil.
func (s *Store) GetObjective(ctx context.Context, objectiveID string) (*contracts.Objective, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT objective_id, session_id, goal, required_deliverable, status, created_at
		FROM objectives WHERE objective_id = ?`, objectiveID)
	o, err := scanObjective(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return o, nil
}

// UpdateObjectiveStatus sets an objective's status.
func (s *Store) UpdateObjectiveStatus(ctx context.Context, objectiveID string, status contracts.ObjectiveStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE objectives SET status = ? WHERE objective_id = ?`, string(status), objectiveID)
	return err
}

func scanObjective(row scanner) (*contracts.Objective, error) {
	var o contracts.Objective
	var deliverable, status, createdAt string
	if err := row.Scan(&o.ObjectiveID, &o.SessionID, &o.Goal, &deliverable, &status, &createdAt); err != nil {
		return nil, err
	}
	if err := contracts.DecodeJSON(deliverable, &o.RequiredDeliverable); err != nil {
		return nil, err
	}
	o.Status = contracts.ObjectiveStatus(status)
	o.CreatedAt = parseTime(createdAt)
	return &o, nil
}

// AppendToolEvidence records one real tool call for an objective.
func (s *Store) AppendToolEvidence(ctx context.Context, ev *contracts.ToolEvidence) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_evidence (objective_id, tool, summary, ts) VALUES (?, ?, ?, ?)`,
		ev.ObjectiveID, ev.Tool, ev.Summary, fmtTime(ev.TS))
	return err
}

// ListToolEvidence returns an objective's evidence, oldest first.
func (s *Store) ListToolEvidence(ctx context.Context, objectiveID string) ([]*contracts.ToolEvidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT objective_id, tool, summary, ts FROM tool_evidence WHERE objective_id = ? ORDER BY id`,
		objectiveID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ToolEvidence
	for rows.Next() {
		var ev contracts.ToolEvidence
		var ts string
		if err := rows.Scan(&ev.ObjectiveID, &ev.Tool, &ev.Summary, &ts); err != nil {
			return nil, err
		}
		ev.TS = parseTime(ts)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// AppendTurn records one exchange for an objective.
func (s *Store) AppendTurn(ctx context.Context, t *contracts.Turn) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO objective_turns (objective_id, role, content, ts) VALUES (?, ?, ?, ?)`,
		t.ObjectiveID, t.Role, t.Content, fmtTime(t.TS))
	return err
}

// ListTurns returns an objective's turns, oldest first.
func (s *Store) ListTurns(ctx context.Context, objectiveID string) ([]*contracts.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT objective_id, role, content, ts FROM objective_turns WHERE objective_id = ? ORDER BY id`,
		objectiveID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Turn
	for rows.Next() {
		var t contracts.Turn
		var ts string
		if err := rows.Scan(&t.ObjectiveID, &t.Role, &t.Content, &ts); err != nil {
			return nil, err
		}
		t.TS = parseTime(ts)
		out = append(out, &t)
	}
	return out, rows.Err()
}
