package token

import (
	"context"
	"fmt"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
)

// IssueCap mints an action-level cap token after an approval. The token is
// bound to one workspace, one action request and one tool; presenting it
// with the original request_id satisfies the approval gate on retry.
func (s *Service) IssueCap(ctx context.Context, workspaceID, actionRequestID, toolName string, ttlSeconds int) (string, *contracts.CapToken, error) {
	if actionRequestID == "" {
		return "", nil, contracts.E(contracts.CodeMissingField, "action_request_id")
	}
	if toolName == "" {
		return "", nil, contracts.E(contracts.CodeMissingField, "tool_name")
	}

	ttl := ttlSeconds
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	if ttl > MaxTTLSeconds {
		ttl = MaxTTLSeconds
	}

	now := s.clock.Now()
	ct := &contracts.CapToken{
		TokenID:         contracts.NewID("cap"),
		WorkspaceID:     workspaceID,
		ActionRequestID: actionRequestID,
		ToolName:        toolName,
		ExpiresAt:       now.Add(time.Duration(ttl) * time.Second),
		CreatedAt:       now,
	}
	if err := s.store.CreateCapToken(ctx, ct); err != nil {
		return "", nil, fmt.Errorf("persist cap token: %w", err)
	}
	return s.signer.Bearer(ct.TokenID), ct, nil
}

// VerifyCap checks a cap bearer against its bindings. The dispatcher treats
// any failure as a missing approval; this method still returns the precise
// code for the tokens/verify endpoint.
func (s *Service) VerifyCap(ctx context.Context, bearer, workspaceID, actionRequestID, toolName string) (*contracts.CapToken, error) {
	tokenID, err := s.signer.Verify(bearer)
	if err != nil {
		return nil, contracts.E(contracts.CodeInvalidOrExpiredToken, "bad signature")
	}
	ct, err := s.store.GetCapToken(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("load cap token: %w", err)
	}
	if ct == nil || ct.Revoked || !ct.ExpiresAt.After(s.clock.Now()) {
		return nil, contracts.E(contracts.CodeInvalidOrExpiredToken, "cap token %s unusable", tokenID)
	}
	if ct.WorkspaceID != workspaceID {
		return nil, contracts.E(contracts.CodeApprovalWorkspaceWrong, "cap token %s", tokenID)
	}
	if actionRequestID != "" && ct.ActionRequestID != actionRequestID {
		return nil, contracts.E(contracts.CodeApprovalRequestWrong, "cap token %s", tokenID)
	}
	if toolName != "" && ct.ToolName != toolName {
		return nil, contracts.E(contracts.CodeApprovalRequestWrong, "cap token %s bound to %s", tokenID, ct.ToolName)
	}
	return ct, nil
}
