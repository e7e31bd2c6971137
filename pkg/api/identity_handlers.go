package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/worker"
)

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type string `json:"type"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	ws := &contracts.Workspace{
		ID:        contracts.NewID("ws"),
		Type:      body.Type,
		CreatedAt: s.Clock.Now(),
	}
	if err := s.Store.CreateWorkspace(r.Context(), ws); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"workspace_id": ws.ID})
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		AgentID     string `json:"agent_id"`
		Role        string `json:"role"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	a, err := s.Identity.CreateAgent(r.Context(), body.WorkspaceID, body.AgentID, body.Role)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"agent": a})
}

func (s *Server) handleSpawnSubagent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		AgentID     string `json:"agent_id"`
		TaskID      string `json:"task_id"`
		WorkerType  string `json:"worker_type"`
		StepID      string `json:"step_id"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	sub, err := s.Identity.SpawnSubagent(r.Context(), body.WorkspaceID, body.AgentID, body.TaskID, body.WorkerType, body.StepID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"subagent": sub})
}

// handleRunSubagent executes a worker. The bearer DCT must be a
// subagent-kind token bound to exactly this subagent.
func (s *Server) handleRunSubagent(w http.ResponseWriter, r *http.Request) {
	subagentID := r.PathValue("id")

	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" {
		writeErr(w, contracts.E(contracts.CodeInvalidOrExpiredToken, "missing bearer"))
		return
	}
	dct, err := s.Tokens.VerifyDCT(r.Context(), bearer)
	if err != nil {
		writeErr(w, err)
		return
	}
	if dct.IssuedToKind != contracts.IssueToSubagent || dct.IssuedToID != subagentID {
		writeErr(w, contracts.E(contracts.CodeTokenNotBound, "token bound to %s", dct.IssuedToID))
		return
	}

	sub, err := s.Identity.AssertSubagent(r.Context(), subagentID, dct.WorkspaceID)
	if err != nil {
		writeErr(w, err)
		return
	}

	var body struct {
		Input json.RawMessage `json:"input"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}

	art, err := s.Worker.Execute(r.Context(), worker.Input{Subagent: sub, Payload: body.Input})
	if err != nil {
		if contracts.CodeOf(err) != contracts.CodeInternal {
			writeErr(w, err)
			return
		}
		// Worker handler failure: the subagent is marked failed, the HTTP
		// layer answers 500 without leaking internals.
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": "worker_failed"})
		return
	}
	writeOK(w, map[string]any{"artifact": art, "status": string(contracts.SubagentFinished)})
}
