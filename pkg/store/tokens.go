package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// CreateDCT inserts a delegation token row.
func (s *Store) CreateDCT(ctx context.Context, t *contracts.DCT) error {
	scope, err := contracts.EncodeJSON(t.Scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dcts (token_id, workspace_id, issued_to_kind, issued_to_id, parent_agent_id, task_id, scope, ttl_seconds, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.WorkspaceID, string(t.IssuedToKind), t.IssuedToID,
		nullable(t.ParentAgentID), nullable(t.TaskID), scope, t.TTLSeconds,
		fmtTime(t.ExpiresAt), boolInt(t.Revoked), fmtTime(t.CreatedAt))
	return err
}

// GetDCT re-reads a token row; verification calls this every time so
// revocation takes effect immediately.
func (s *Store) GetDCT(ctx context.Context, tokenID string) (*contracts.DCT, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, workspace_id, issued_to_kind, issued_to_id, parent_agent_id, task_id, scope, ttl_seconds, expires_at, revoked, created_at
		FROM dcts WHERE token_id = ?`, tokenID)

	var t contracts.DCT
	var kind, scope, expiresAt, createdAt string
	var parent, taskID sql.NullString
	var revoked int
	if err := row.Scan(&t.TokenID, &t.WorkspaceID, &kind, &t.IssuedToID,
		&parent, &taskID, &scope, &t.TTLSeconds, &expiresAt, &revoked, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.IssuedToKind = contracts.IssueKind(kind)
	t.ParentAgentID = parent.String
	t.TaskID = taskID.String
	if err := contracts.DecodeJSON(scope, &t.Scope); err != nil {
		return nil, err
	}
	t.ExpiresAt = parseTime(expiresAt)
	t.Revoked = revoked != 0
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// RevokeDCT flips the revoked flag. Idempotent.
func (s *Store) RevokeDCT(ctx context.Context, tokenID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dcts SET revoked = 1 WHERE token_id = ?`, tokenID)
	return err
}

// ListLiveAgentDCTs returns the unexpired, unrevoked agent-kind tokens held
// by an agent. The union of their scopes is the agent's current authority.
func (s *Store) ListLiveAgentDCTs(ctx context.Context, workspaceID, agentID string, now time.Time) ([]*contracts.DCT, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, scope, expires_at FROM dcts
		WHERE workspace_id = ? AND issued_to_kind = 'agent' AND issued_to_id = ? AND revoked = 0 AND expires_at > ?`,
		workspaceID, agentID, fmtTime(now))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.DCT
	for rows.Next() {
		var t contracts.DCT
		var scope, expiresAt string
		if err := rows.Scan(&t.TokenID, &scope, &expiresAt); err != nil {
			return nil, err
		}
		if err := contracts.DecodeJSON(scope, &t.Scope); err != nil {
			return nil, err
		}
		t.ExpiresAt = parseTime(expiresAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// PurgeExpiredTokens deletes expired DCTs and cap tokens. Runs at startup.
func (s *Store) PurgeExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	cutoff := fmtTime(now)
	var total int64
	for _, q := range []string{
		`DELETE FROM dcts WHERE expires_at <= ?`,
		`DELETE FROM cap_tokens WHERE expires_at <= ?`,
	} {
		res, err := s.db.ExecContext(ctx, q, cutoff)
		if err != nil {
			return total, err
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// CreateCapToken inserts an action-level capability token.
func (s *Store) CreateCapToken(ctx context.Context, t *contracts.CapToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cap_tokens (token_id, workspace_id, action_request_id, tool_name, expires_at, revoked, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.TokenID, t.WorkspaceID, t.ActionRequestID, t.ToolName,
		fmtTime(t.ExpiresAt), boolInt(t.Revoked), fmtTime(t.CreatedAt))
	return err
}

// GetCapToken returns a cap token row or nil.
func (s *Store) GetCapToken(ctx context.Context, tokenID string) (*contracts.CapToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, workspace_id, action_request_id, tool_name, expires_at, revoked, created_at
		FROM cap_tokens WHERE token_id = ?`, tokenID)

	var t contracts.CapToken
	var expiresAt, createdAt string
	var revoked int
	if err := row.Scan(&t.TokenID, &t.WorkspaceID, &t.ActionRequestID, &t.ToolName,
		&expiresAt, &revoked, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t.ExpiresAt = parseTime(expiresAt)
	t.Revoked = revoked != 0
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
