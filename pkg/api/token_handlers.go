package api

import (
	"net/http"

	"github.com/clawos/kernel/pkg/approval"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/token"
)

type tokenRequestBody struct {
	WorkspaceID string `json:"workspace_id"`
	AgentID     string `json:"agent_id"`
	IssueTo     struct {
		Kind contracts.IssueKind `json:"kind"`
		ID   string              `json:"id"`
	} `json:"issue_to"`
	Scope      contracts.Scope `json:"scope"`
	TTLSeconds int             `json:"ttl_seconds"`
	DARID      string          `json:"dar_id"`
}

// handleTokenRequest is the DCT request flow: identity checks, policy
// evaluation, and either a minted token, a pending DAR, or a redeemed one.
func (s *Server) handleTokenRequest(w http.ResponseWriter, r *http.Request) {
	var body tokenRequestBody
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()

	if _, err := s.Identity.AssertAgent(ctx, body.AgentID, body.WorkspaceID); err != nil {
		writeErr(w, err)
		return
	}

	var parentAgentID, taskID string
	switch body.IssueTo.Kind {
	case contracts.IssueToAgent:
		if body.IssueTo.ID != body.AgentID {
			writeErr(w, contracts.E(contracts.CodeSelfIssueOnly, "agent %s requested token for %s", body.AgentID, body.IssueTo.ID))
			return
		}
	case contracts.IssueToSubagent:
		sub, err := s.Identity.AssertSubagent(ctx, body.IssueTo.ID, body.WorkspaceID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if sub.ParentAgentID != body.AgentID {
			writeErr(w, contracts.E(contracts.CodeSubagentNotOwned, "subagent %s belongs to %s", sub.SubagentID, sub.ParentAgentID))
			return
		}
		parentAgentID = sub.ParentAgentID
		taskID = sub.TaskID
	default:
		writeErr(w, contracts.E(contracts.CodeBadRequest, "issue_to.kind %q", body.IssueTo.Kind))
		return
	}

	ev, err := s.Policy.EvaluateScope(ctx, body.WorkspaceID, body.Scope)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ev.Blocked {
		writeErr(w, contracts.E(contracts.CodeScopeBlocked, "tool %s", ev.BlockedTool))
		return
	}

	if ev.ApprovalRequired {
		if body.DARID == "" {
			dar, err := s.Approvals.CreateDAR(ctx, approval.CreateDARInput{
				WorkspaceID:        body.WorkspaceID,
				RequestedByAgentID: body.AgentID,
				IssueToKind:        body.IssueTo.Kind,
				IssueToID:          body.IssueTo.ID,
				Scope:              body.Scope,
				TTLSeconds:         body.TTLSeconds,
			})
			if err != nil {
				writeErr(w, err)
				return
			}
			writeOK(w, map[string]any{
				"needs_approval": true,
				"dar_id":         dar.DARID,
				"risk_level":     string(dar.RiskLevel),
				"expires_at":     dar.ExpiresAt,
			})
			return
		}
		if _, err := s.Approvals.RedeemDAR(ctx, body.DARID, body.WorkspaceID, body.AgentID); err != nil {
			writeErr(w, err)
			return
		}
	}

	bearer, dct, err := s.Tokens.MintDCT(ctx, token.MintInput{
		WorkspaceID:   body.WorkspaceID,
		IssueToKind:   body.IssueTo.Kind,
		IssueToID:     body.IssueTo.ID,
		ParentAgentID: parentAgentID,
		TaskID:        taskID,
		Scope:         body.Scope,
		TTLSeconds:    body.TTLSeconds,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"token":      bearer,
		"token_id":   dct.TokenID,
		"expires_at": dct.ExpiresAt,
	})
}

func (s *Server) handleDARDecision(grant bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, err := s.Approvals.DecideDAR(r.Context(), r.PathValue("id"), grant)
		if err != nil {
			writeErr(w, err)
			return
		}
		outcome := "denied"
		if grant {
			outcome = "granted"
		}
		s.Audit.Decision(r.Context(), "dct_approval", d.DARID, outcome)
		writeOK(w, map[string]any{"dar": d})
	}
}

func (s *Server) handleDARExtend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	d, err := s.Approvals.ExtendDAR(r.Context(), r.PathValue("id"), body.TTLSeconds)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"dar": d})
}

// handleIssueCap mints an action-level cap token after an approval.
func (s *Server) handleIssueCap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		ApprovalID  string `json:"approval_id"`
		TTLSeconds  int    `json:"ttl_seconds"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()

	apr, err := s.Approvals.GetActionApproval(ctx, body.ApprovalID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if apr.WorkspaceID != body.WorkspaceID {
		writeErr(w, contracts.E(contracts.CodeApprovalWorkspaceWrong, "approval %s", apr.ApprovalID))
		return
	}
	if apr.Status != contracts.ApprovalApproved {
		writeErr(w, contracts.E(contracts.CodeApprovalNotGranted, "approval %s is %s", apr.ApprovalID, apr.Status))
		return
	}

	ar, _, err := s.Store.GetActionRequest(ctx, body.WorkspaceID, apr.ActionRequestID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if ar == nil {
		writeErr(w, contracts.E(contracts.CodeActionReqNotFound, "request %s", apr.ActionRequestID))
		return
	}

	bearer, ct, err := s.Tokens.IssueCap(ctx, body.WorkspaceID, ar.RequestID, ar.ActionType, body.TTLSeconds)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"token":      bearer,
		"token_id":   ct.TokenID,
		"expires_at": ct.ExpiresAt,
	})
}

func (s *Server) handleVerifyCap(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token           string `json:"token"`
		WorkspaceID     string `json:"workspace_id"`
		ActionRequestID string `json:"action_request_id"`
		ToolName        string `json:"tool_name"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	ct, err := s.Tokens.VerifyCap(r.Context(), body.Token, body.WorkspaceID, body.ActionRequestID, body.ToolName)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"valid": true, "token_id": ct.TokenID, "tool_name": ct.ToolName})
}
