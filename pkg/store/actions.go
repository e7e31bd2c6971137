package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/clawos/kernel/pkg/contracts"
)

// InsertActionRequest records a new action request. The canonical payload
// (JCS) is stored alongside the raw bytes for idempotent comparison. A
// duplicate (workspace, request_id) insert reports inserted=false so the
// dispatcher can apply the idempotency contract.
func (s *Store) InsertActionRequest(ctx context.Context, ar *contracts.ActionRequest, payloadCanon string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_requests (request_id, workspace_id, agent_id, action_type, destination, payload, payload_canon, status, approval_required, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, request_id) DO NOTHING`,
		ar.RequestID, ar.WorkspaceID, ar.AgentID, ar.ActionType,
		nullable(ar.Destination), string(ar.Payload), payloadCanon,
		string(ar.Status), boolInt(ar.ApprovalRequired), nullableBytes(ar.Result), fmtTime(ar.CreatedAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetActionRequest returns an action request with its canonical payload.
func (s *Store) GetActionRequest(ctx context.Context, workspaceID, requestID string) (*contracts.ActionRequest, string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, workspace_id, agent_id, action_type, destination, payload, payload_canon, status, approval_required, result, created_at
		FROM action_requests WHERE workspace_id = ? AND request_id = ?`, workspaceID, requestID)

	var ar contracts.ActionRequest
	var dest, result sql.NullString
	var payload, canon, status, createdAt string
	var approvalRequired int
	if err := row.Scan(&ar.RequestID, &ar.WorkspaceID, &ar.AgentID, &ar.ActionType,
		&dest, &payload, &canon, &status, &approvalRequired, &result, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	ar.Destination = dest.String
	ar.Payload = []byte(payload)
	ar.Status = contracts.ActionStatus(status)
	ar.ApprovalRequired = approvalRequired != 0
	if result.Valid {
		ar.Result = []byte(result.String)
	}
	ar.CreatedAt = parseTime(createdAt)
	return &ar, canon, nil
}

// FinishActionRequest persists the terminal status and serialized result.
func (s *Store) FinishActionRequest(ctx context.Context, workspaceID, requestID string, status contracts.ActionStatus, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE action_requests SET status = ?, result = ? WHERE workspace_id = ? AND request_id = ?`,
		string(status), nullableBytes(result), workspaceID, requestID)
	return err
}

// MarkActionApprovalRequired flags a request as gated on an approval.
func (s *Store) MarkActionApprovalRequired(ctx context.Context, workspaceID, requestID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE action_requests SET status = ?, approval_required = 1 WHERE workspace_id = ? AND request_id = ?`,
		string(contracts.ActionApprovalRequired), workspaceID, requestID)
	return err
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// SameCanonicalPayload compares two canonical payloads, treating surrounding
// whitespace as insignificant.
func SameCanonicalPayload(a, b string) bool {
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}
