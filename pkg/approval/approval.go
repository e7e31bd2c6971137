// Package approval runs both human-in-the-loop gates: per-action-request
// approvals and per-token DCT approval requests (DARs). Decisions are
// terminal; expired requests read as denied.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

// TTL bounds. Extension may push expiry forward but never beyond
// MaxLifetimeSeconds after creation.
const (
	DefaultTTLSeconds  = 600
	MaxLifetimeSeconds = 3600
)

// Service is the approval service.
type Service struct {
	store *store.Store
	clock contracts.Clock
}

// NewService creates the approval service.
func NewService(st *store.Store, clock contracts.Clock) *Service {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Service{store: st, clock: clock}
}

func clampTTL(ttl int) int {
	if ttl <= 0 {
		return DefaultTTLSeconds
	}
	if ttl > MaxLifetimeSeconds {
		return MaxLifetimeSeconds
	}
	return ttl
}

// CreateActionApproval opens a pending approval tied to one action request.
func (s *Service) CreateActionApproval(ctx context.Context, workspaceID, actionRequestID, requestedBy string, ttlSeconds int) (*contracts.Approval, error) {
	now := s.clock.Now()
	a := &contracts.Approval{
		ApprovalID:      contracts.NewID("apr"),
		WorkspaceID:     workspaceID,
		ActionRequestID: actionRequestID,
		RequestedBy:     requestedBy,
		Status:          contracts.ApprovalPending,
		ExpiresAt:       now.Add(time.Duration(clampTTL(ttlSeconds)) * time.Second),
		CreatedAt:       now,
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("persist approval: %w", err)
	}
	return a, nil
}

// EnsureActionApproval reuses the pending approval already bound to the
// request so identical gated submissions report the same approval_id,
// creating one only when none is live.
func (s *Service) EnsureActionApproval(ctx context.Context, workspaceID, actionRequestID, requestedBy string, ttlSeconds int) (*contracts.Approval, error) {
	existing, err := s.store.PendingApprovalForRequest(ctx, workspaceID, actionRequestID, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("load pending approval: %w", err)
	}
	if existing != nil {
		return existing, nil
	}
	return s.CreateActionApproval(ctx, workspaceID, actionRequestID, requestedBy, ttlSeconds)
}

// GetActionApproval reads an approval; an expired pending row surfaces as
// rejected without mutating storage.
func (s *Service) GetActionApproval(ctx context.Context, approvalID string) (*contracts.Approval, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("load approval: %w", err)
	}
	if a == nil {
		return nil, contracts.E(contracts.CodeApprovalNotFound, "approval %s", approvalID)
	}
	if a.Status == contracts.ApprovalPending && !a.ExpiresAt.After(s.clock.Now()) {
		a.Status = contracts.ApprovalRejected
		a.DecisionReason = "expired"
	}
	return a, nil
}

// DecideAction approves or rejects a pending approval. Decisions are
// terminal: re-deciding yields already_<decision>, deciding after expiry
// yields expired.
func (s *Service) DecideAction(ctx context.Context, approvalID string, approve bool, reason string) (*contracts.Approval, error) {
	a, err := s.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, fmt.Errorf("load approval: %w", err)
	}
	if a == nil {
		return nil, contracts.E(contracts.CodeApprovalNotFound, "approval %s", approvalID)
	}
	if a.Status != contracts.ApprovalPending {
		return nil, contracts.E(contracts.AlreadyDecided(string(a.Status)), "approval %s", approvalID)
	}
	now := s.clock.Now()
	if !a.ExpiresAt.After(now) {
		return nil, contracts.E(contracts.CodeExpired, "approval %s expired", approvalID)
	}

	status := contracts.ApprovalRejected
	if approve {
		status = contracts.ApprovalApproved
	}
	ok, err := s.store.DecideApproval(ctx, approvalID, status, reason, now)
	if err != nil {
		return nil, fmt.Errorf("decide approval: %w", err)
	}
	if !ok {
		// Lost the race against another decision.
		fresh, err := s.store.GetApproval(ctx, approvalID)
		if err != nil || fresh == nil {
			return nil, contracts.E(contracts.CodeConflict, "approval %s", approvalID)
		}
		return nil, contracts.E(contracts.AlreadyDecided(string(fresh.Status)), "approval %s", approvalID)
	}
	return s.store.GetApproval(ctx, approvalID)
}

// ExtendAction pushes a pending approval's expiry forward by ttlSeconds,
// capped at MaxLifetimeSeconds past creation. Long human reviews use this
// instead of silently losing the approval.
func (s *Service) ExtendAction(ctx context.Context, approvalID string, ttlSeconds int) (*contracts.Approval, error) {
	a, err := s.GetActionApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if a.Status != contracts.ApprovalPending {
		return nil, contracts.E(contracts.AlreadyDecided(string(a.Status)), "approval %s", approvalID)
	}

	newExpiry := s.clock.Now().Add(time.Duration(clampTTL(ttlSeconds)) * time.Second)
	if cap := a.CreatedAt.Add(MaxLifetimeSeconds * time.Second); newExpiry.After(cap) {
		newExpiry = cap
	}
	if _, err := s.store.ExtendApproval(ctx, approvalID, newExpiry); err != nil {
		return nil, fmt.Errorf("extend approval: %w", err)
	}
	return s.store.GetApproval(ctx, approvalID)
}
