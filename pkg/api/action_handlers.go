package api

import (
	"encoding/json"
	"net/http"

	"github.com/clawos/kernel/pkg/dispatch"
)

func (s *Server) handleSubmitAction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID   string          `json:"workspace_id"`
		AgentID       string          `json:"agent_id"`
		ActionType    string          `json:"action_type"`
		Payload       json.RawMessage `json:"payload"`
		RequestID     string          `json:"request_id"`
		ApprovalToken string          `json:"approval_token"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	ctx := r.Context()

	if _, err := s.Identity.AssertAgent(ctx, body.AgentID, body.WorkspaceID); err != nil {
		writeErr(w, err)
		return
	}

	res, err := s.Dispatcher.Submit(ctx, dispatch.SubmitInput{
		WorkspaceID:   body.WorkspaceID,
		AgentID:       body.AgentID,
		ActionType:    body.ActionType,
		Payload:       body.Payload,
		RequestID:     body.RequestID,
		ApprovalToken: body.ApprovalToken,
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	out := map[string]any{
		"request_id": res.RequestID,
		"status":     string(res.Status),
	}
	if len(res.Result) > 0 {
		out["result"] = json.RawMessage(res.Result)
	}
	if res.ApprovalID != "" {
		out["approval_id"] = res.ApprovalID
	}
	if res.Error != "" {
		out["error"] = res.Error
	}
	writeOK(w, out)
}

func (s *Server) handleApprovalDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reason string `json:"reason"`
		}
		// The decision body is optional.
		_ = json.NewDecoder(r.Body).Decode(&body)

		a, err := s.Approvals.DecideAction(r.Context(), r.PathValue("id"), approve, body.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		s.Audit.Decision(r.Context(), "approval", a.ApprovalID, string(a.Status))
		writeOK(w, map[string]any{"approval": a})
	}
}

func (s *Server) handleApprovalExtend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TTLSeconds int `json:"ttl_seconds"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	a, err := s.Approvals.ExtendAction(r.Context(), r.PathValue("id"), body.TTLSeconds)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"approval": a})
}
