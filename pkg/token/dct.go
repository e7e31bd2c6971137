// Package token mints, verifies and revokes the kernel's bearer tokens:
// Delegation Capability Tokens (DCTs) and action-level cap tokens. Both use
// the "<token_id>.<base64url-hmac>" wire form.
package token

import (
	"context"
	"fmt"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/crypto"
	"github.com/clawos/kernel/pkg/store"
)

// TTL bounds shared by DCTs and cap tokens.
const (
	DefaultTTLSeconds = 600
	MaxTTLSeconds     = 3600
)

// Service is the token service.
type Service struct {
	store  *store.Store
	signer *crypto.Signer
	clock  contracts.Clock
}

// NewService creates the token service.
func NewService(st *store.Store, signer *crypto.Signer, clock contracts.Clock) *Service {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Service{store: st, signer: signer, clock: clock}
}

// SetSigner swaps the signing key, e.g. after /kernel/setup stores the
// recovery hash.
func (s *Service) SetSigner(signer *crypto.Signer) { s.signer = signer }

// MintInput describes a DCT to mint.
type MintInput struct {
	WorkspaceID   string
	IssueToKind   contracts.IssueKind
	IssueToID     string
	ParentAgentID string
	TaskID        string
	Scope         contracts.Scope
	TTLSeconds    int
}

// MintDCT persists and signs a delegation token. Subagent-kind tokens must
// carry a parent agent, and their tool scope must stay within the parent's
// current authority, the union of the parent's live agent-kind tokens. A
// parent holding none is unrestricted: the agent is the root of its own
// authority.
func (s *Service) MintDCT(ctx context.Context, in MintInput) (string, *contracts.DCT, error) {
	if in.IssueToID == "" {
		return "", nil, contracts.E(contracts.CodeMissingField, "issue_to.id")
	}
	switch in.IssueToKind {
	case contracts.IssueToAgent, contracts.IssueToSubagent:
	default:
		return "", nil, contracts.E(contracts.CodeBadRequest, "issue_to.kind %q", in.IssueToKind)
	}
	if in.IssueToKind == contracts.IssueToSubagent && in.ParentAgentID == "" {
		return "", nil, contracts.E(contracts.CodeMissingField, "parent_agent_id required for subagent tokens")
	}

	ttl := in.TTLSeconds
	if ttl <= 0 {
		ttl = DefaultTTLSeconds
	}
	if ttl > MaxTTLSeconds {
		ttl = MaxTTLSeconds
	}

	if in.IssueToKind == contracts.IssueToSubagent {
		if err := s.checkAttenuation(ctx, in); err != nil {
			return "", nil, err
		}
	}

	now := s.clock.Now()
	dct := &contracts.DCT{
		TokenID:       contracts.NewID("dct"),
		WorkspaceID:   in.WorkspaceID,
		IssuedToKind:  in.IssueToKind,
		IssuedToID:    in.IssueToID,
		ParentAgentID: in.ParentAgentID,
		TaskID:        in.TaskID,
		Scope:         in.Scope,
		TTLSeconds:    ttl,
		ExpiresAt:     now.Add(time.Duration(ttl) * time.Second),
		CreatedAt:     now,
	}
	if err := s.store.CreateDCT(ctx, dct); err != nil {
		return "", nil, fmt.Errorf("persist token: %w", err)
	}
	if dct.TaskID != "" {
		_ = s.store.AppendEvent(ctx, &contracts.Event{
			EventID:     contracts.NewID("evt"),
			WorkspaceID: dct.WorkspaceID,
			TaskID:      dct.TaskID,
			ActorKind:   contracts.ActorSystem,
			ActorID:     "kernel",
			Type:        "token.issued",
			TS:          now,
			Data:        map[string]any{"token_id": dct.TokenID, "issued_to": dct.IssuedToID},
		})
	}
	return s.signer.Bearer(dct.TokenID), dct, nil
}

// checkAttenuation enforces subagent scope ⊆ parent authority.
func (s *Service) checkAttenuation(ctx context.Context, in MintInput) error {
	live, err := s.store.ListLiveAgentDCTs(ctx, in.WorkspaceID, in.ParentAgentID, s.clock.Now())
	if err != nil {
		return fmt.Errorf("load parent authority: %w", err)
	}
	if len(live) == 0 {
		return nil
	}

	parent := contracts.Scope{}
	seen := map[string]bool{}
	for _, t := range live {
		for _, tool := range t.Scope.AllowedTools {
			if !seen[tool] {
				seen[tool] = true
				parent.AllowedTools = append(parent.AllowedTools, tool)
			}
		}
	}
	if !in.Scope.SubsetOf(parent) {
		return contracts.E(contracts.CodeScopeExceedsParent,
			"subagent scope exceeds parent %s authority", in.ParentAgentID)
	}
	return nil
}

// VerifyDCT checks a bearer end to end: wire format, constant-time HMAC,
// row existence (re-read every call so revocation is immediate), revoked
// flag and expiry. Any failure surfaces as invalid_or_expired_token.
func (s *Service) VerifyDCT(ctx context.Context, bearer string) (*contracts.DCT, error) {
	tokenID, err := s.signer.Verify(bearer)
	if err != nil {
		return nil, contracts.E(contracts.CodeInvalidOrExpiredToken, "bad signature")
	}
	dct, err := s.store.GetDCT(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if dct == nil || dct.Revoked || !dct.ExpiresAt.After(s.clock.Now()) {
		return nil, contracts.E(contracts.CodeInvalidOrExpiredToken, "token %s unusable", tokenID)
	}
	return dct, nil
}

// RevokeDCT flips the revoked flag; repeat calls are no-ops.
func (s *Service) RevokeDCT(ctx context.Context, tokenID string) error {
	return s.store.RevokeDCT(ctx, tokenID)
}
