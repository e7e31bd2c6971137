package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// CreateApproval inserts an action-level approval.
func (s *Store) CreateApproval(ctx context.Context, a *contracts.Approval) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, workspace_id, action_request_id, requested_by, status, expires_at, decision_reason, decided_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.WorkspaceID, a.ActionRequestID, a.RequestedBy,
		string(a.Status), fmtTime(a.ExpiresAt), nullable(a.DecisionReason),
		fmtTimePtr(a.DecidedAt), fmtTime(a.CreatedAt))
	return err
}

// GetApproval returns an approval or nil.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	return scanApproval(s.db.QueryRowContext(ctx, `
		SELECT approval_id, workspace_id, action_request_id, requested_by, status, expires_at, decision_reason, decided_at, created_at
		FROM approvals WHERE approval_id = ?`, approvalID))
}

// PendingApprovalForRequest returns the newest still-pending, unexpired
// approval bound to an action request, or nil. Gated replays reuse this
// row instead of minting a fresh approval.
func (s *Store) PendingApprovalForRequest(ctx context.Context, workspaceID, actionRequestID string, now time.Time) (*contracts.Approval, error) {
	return scanApproval(s.db.QueryRowContext(ctx, `
		SELECT approval_id, workspace_id, action_request_id, requested_by, status, expires_at, decision_reason, decided_at, created_at
		FROM approvals
		WHERE workspace_id = ? AND action_request_id = ? AND status = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		workspaceID, actionRequestID, string(contracts.ApprovalPending), fmtTime(now)))
}

func scanApproval(row *sql.Row) (*contracts.Approval, error) {
	var a contracts.Approval
	var status, expiresAt, createdAt string
	var reason, decidedAt sql.NullString
	if err := row.Scan(&a.ApprovalID, &a.WorkspaceID, &a.ActionRequestID, &a.RequestedBy,
		&status, &expiresAt, &reason, &decidedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	a.Status = contracts.ApprovalStatus(status)
	a.ExpiresAt = parseTime(expiresAt)
	a.DecisionReason = reason.String
	a.DecidedAt = parseTimePtr(decidedAt)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// DecideApproval records a terminal decision iff the row is still pending.
// Reports whether the decision landed.
func (s *Store) DecideApproval(ctx context.Context, approvalID string, status contracts.ApprovalStatus, reason string, decidedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = ?, decision_reason = ?, decided_at = ?
		WHERE approval_id = ? AND status = ?`,
		string(status), nullable(reason), fmtTime(decidedAt),
		approvalID, string(contracts.ApprovalPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExtendApproval pushes a pending approval's expiry forward.
func (s *Store) ExtendApproval(ctx context.Context, approvalID string, newExpiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET expires_at = ? WHERE approval_id = ? AND status = ?`,
		fmtTime(newExpiry), approvalID, string(contracts.ApprovalPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CreateDAR inserts a DCT approval request.
func (s *Store) CreateDAR(ctx context.Context, d *contracts.DAR) error {
	scope, err := contracts.EncodeJSON(d.Scope)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dct_approvals (dar_id, workspace_id, requested_by_agent_id, issue_to_kind, issue_to_id, scope, ttl_seconds, risk_level, status, expires_at, created_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.DARID, d.WorkspaceID, d.RequestedByAgentID, string(d.IssueToKind), d.IssueToID,
		scope, d.TTLSeconds, string(d.RiskLevel), string(d.Status),
		fmtTime(d.ExpiresAt), fmtTime(d.CreatedAt), fmtTimePtr(d.DecidedAt))
	return err
}

// GetDAR returns a DCT approval request or nil.
func (s *Store) GetDAR(ctx context.Context, darID string) (*contracts.DAR, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT dar_id, workspace_id, requested_by_agent_id, issue_to_kind, issue_to_id, scope, ttl_seconds, risk_level, status, expires_at, created_at, decided_at
		FROM dct_approvals WHERE dar_id = ?`, darID)

	var d contracts.DAR
	var kind, scope, risk, status, expiresAt, createdAt string
	var decidedAt sql.NullString
	if err := row.Scan(&d.DARID, &d.WorkspaceID, &d.RequestedByAgentID, &kind, &d.IssueToID,
		&scope, &d.TTLSeconds, &risk, &status, &expiresAt, &createdAt, &decidedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	d.IssueToKind = contracts.IssueKind(kind)
	if err := contracts.DecodeJSON(scope, &d.Scope); err != nil {
		return nil, err
	}
	d.RiskLevel = contracts.RiskLevel(risk)
	d.Status = contracts.DARStatus(status)
	d.ExpiresAt = parseTime(expiresAt)
	d.CreatedAt = parseTime(createdAt)
	d.DecidedAt = parseTimePtr(decidedAt)
	return &d, nil
}

// DecideDAR records a terminal DAR decision iff still pending.
func (s *Store) DecideDAR(ctx context.Context, darID string, status contracts.DARStatus, decidedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dct_approvals SET status = ?, decided_at = ? WHERE dar_id = ? AND status = ?`,
		string(status), fmtTime(decidedAt), darID, string(contracts.DARPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ExtendDAR pushes a pending DAR's expiry forward.
func (s *Store) ExtendDAR(ctx context.Context, darID string, newExpiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE dct_approvals SET expires_at = ? WHERE dar_id = ? AND status = ?`,
		fmtTime(newExpiry), darID, string(contracts.DARPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
