package api

import (
	"net/http"

	"github.com/clawos/kernel/pkg/contracts"
)

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.Store.ListRiskPolicies(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"policies": policies})
}

func (s *Server) handlePutPolicy(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		Mode        string `json:"mode"`
		Constraint  string `json:"constraint"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	mode := contracts.PolicyMode(body.Mode)
	switch mode {
	case contracts.ModeAuto, contracts.ModeAsk, contracts.ModeBlock:
	default:
		writeErr(w, contracts.E(contracts.CodeBadRequest, "mode %q", body.Mode))
		return
	}
	ws := body.WorkspaceID
	if ws == "" {
		ws = contracts.PolicyWildcard
	}

	p := &contracts.RiskPolicy{
		ActionType:  r.PathValue("action"),
		WorkspaceID: ws,
		Mode:        mode,
		Constraint:  body.Constraint,
		UpdatedAt:   s.Clock.Now(),
	}
	if err := s.Store.UpsertRiskPolicy(r.Context(), p); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"policy": p})
}
