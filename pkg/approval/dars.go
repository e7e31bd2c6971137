package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/policy"
)

// CreateDARInput describes a DCT approval request made by an agent on its
// own behalf.
type CreateDARInput struct {
	WorkspaceID        string
	RequestedByAgentID string
	IssueToKind        contracts.IssueKind
	IssueToID          string
	Scope              contracts.Scope
	TTLSeconds         int
}

// CreateDAR opens a pending DCT approval request. The risk level shown to
// the operator is the highest risk among the requested tools.
func (s *Service) CreateDAR(ctx context.Context, in CreateDARInput) (*contracts.DAR, error) {
	if in.RequestedByAgentID == "" {
		return nil, contracts.E(contracts.CodeMissingField, "requested_by_agent_id")
	}
	if in.IssueToID == "" {
		return nil, contracts.E(contracts.CodeMissingField, "issue_to.id")
	}
	switch in.IssueToKind {
	case contracts.IssueToAgent, contracts.IssueToSubagent:
	default:
		return nil, contracts.E(contracts.CodeBadRequest, "issue_to.kind %q", in.IssueToKind)
	}
	if in.IssueToKind == contracts.IssueToAgent && in.IssueToID != in.RequestedByAgentID {
		return nil, contracts.E(contracts.CodeSelfIssueOnly, "agent %s requested token for %s", in.RequestedByAgentID, in.IssueToID)
	}

	risk := contracts.RiskLow
	for _, tool := range in.Scope.AllowedTools {
		if r := policy.RiskOf(tool); r.Exceeds(risk) {
			risk = r
		}
	}

	now := s.clock.Now()
	d := &contracts.DAR{
		DARID:              contracts.NewID("dar"),
		WorkspaceID:        in.WorkspaceID,
		RequestedByAgentID: in.RequestedByAgentID,
		IssueToKind:        in.IssueToKind,
		IssueToID:          in.IssueToID,
		Scope:              in.Scope,
		TTLSeconds:         clampTTL(in.TTLSeconds),
		RiskLevel:          risk,
		Status:             contracts.DARPending,
		ExpiresAt:          now.Add(time.Duration(clampTTL(in.TTLSeconds)) * time.Second),
		CreatedAt:          now,
	}
	if err := s.store.CreateDAR(ctx, d); err != nil {
		return nil, fmt.Errorf("persist dct approval: %w", err)
	}
	return d, nil
}

// GetDAR reads a DCT approval request; an expired pending row surfaces as
// denied without mutating storage.
func (s *Service) GetDAR(ctx context.Context, darID string) (*contracts.DAR, error) {
	d, err := s.store.GetDAR(ctx, darID)
	if err != nil {
		return nil, fmt.Errorf("load dct approval: %w", err)
	}
	if d == nil {
		return nil, contracts.E(contracts.CodeDARNotFound, "dct approval %s", darID)
	}
	if d.Status == contracts.DARPending && !d.ExpiresAt.After(s.clock.Now()) {
		d.Status = contracts.DARDenied
	}
	return d, nil
}

// DecideDAR grants or denies a pending DCT approval request. Granting does
// not mint the token; the agent redeems the grant via the token service.
func (s *Service) DecideDAR(ctx context.Context, darID string, grant bool) (*contracts.DAR, error) {
	d, err := s.store.GetDAR(ctx, darID)
	if err != nil {
		return nil, fmt.Errorf("load dct approval: %w", err)
	}
	if d == nil {
		return nil, contracts.E(contracts.CodeDARNotFound, "dct approval %s", darID)
	}
	if d.Status != contracts.DARPending {
		return nil, contracts.E(contracts.AlreadyDecided(string(d.Status)), "dct approval %s", darID)
	}
	now := s.clock.Now()
	if !d.ExpiresAt.After(now) {
		return nil, contracts.E(contracts.CodeDARExpired, "dct approval %s expired", darID)
	}

	status := contracts.DARDenied
	if grant {
		status = contracts.DARGranted
	}
	ok, err := s.store.DecideDAR(ctx, darID, status, now)
	if err != nil {
		return nil, fmt.Errorf("decide dct approval: %w", err)
	}
	if !ok {
		fresh, err := s.store.GetDAR(ctx, darID)
		if err != nil || fresh == nil {
			return nil, contracts.E(contracts.CodeConflict, "dct approval %s", darID)
		}
		return nil, contracts.E(contracts.AlreadyDecided(string(fresh.Status)), "dct approval %s", darID)
	}
	return s.store.GetDAR(ctx, darID)
}

// ExtendDAR pushes a pending request's expiry forward, capped at
// MaxLifetimeSeconds past creation.
func (s *Service) ExtendDAR(ctx context.Context, darID string, ttlSeconds int) (*contracts.DAR, error) {
	d, err := s.GetDAR(ctx, darID)
	if err != nil {
		return nil, err
	}
	if d.Status != contracts.DARPending {
		return nil, contracts.E(contracts.AlreadyDecided(string(d.Status)), "dct approval %s", darID)
	}

	newExpiry := s.clock.Now().Add(time.Duration(clampTTL(ttlSeconds)) * time.Second)
	if limit := d.CreatedAt.Add(MaxLifetimeSeconds * time.Second); newExpiry.After(limit) {
		newExpiry = limit
	}
	if _, err := s.store.ExtendDAR(ctx, darID, newExpiry); err != nil {
		return nil, fmt.Errorf("extend dct approval: %w", err)
	}
	return s.store.GetDAR(ctx, darID)
}

// RedeemDAR validates that a granted, unexpired request authorizes minting.
// Expired grants surface as dct_approval_expired, denials as
// dct_approval_denied.
func (s *Service) RedeemDAR(ctx context.Context, darID, workspaceID, agentID string) (*contracts.DAR, error) {
	d, err := s.store.GetDAR(ctx, darID)
	if err != nil {
		return nil, fmt.Errorf("load dct approval: %w", err)
	}
	if d == nil {
		return nil, contracts.E(contracts.CodeDARNotFound, "dct approval %s", darID)
	}
	if d.WorkspaceID != workspaceID {
		return nil, contracts.E(contracts.CodeApprovalWorkspaceWrong, "dct approval %s", darID)
	}
	if d.RequestedByAgentID != agentID {
		return nil, contracts.E(contracts.CodeApprovalNotGranted, "dct approval %s belongs to %s", darID, d.RequestedByAgentID)
	}
	switch d.Status {
	case contracts.DARGranted:
	case contracts.DARDenied:
		return nil, contracts.E(contracts.CodeDARDenied, "dct approval %s", darID)
	default:
		if !d.ExpiresAt.After(s.clock.Now()) {
			return nil, contracts.E(contracts.CodeDARExpired, "dct approval %s", darID)
		}
		return nil, contracts.E(contracts.CodeApprovalNotGranted, "dct approval %s still pending", darID)
	}
	if !d.ExpiresAt.After(s.clock.Now()) {
		return nil, contracts.E(contracts.CodeDARExpired, "dct approval %s", darID)
	}
	return d, nil
}
