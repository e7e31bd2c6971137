package api

import (
	"net/http"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/task"
)

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string                 `json:"workspace_id"`
		AgentID     string                 `json:"agent_id"`
		Title       string                 `json:"title"`
		Intent      string                 `json:"intent"`
		Contract    contracts.TaskContract `json:"contract"`
		Plan        string                 `json:"plan"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	t, err := s.Tasks.Create(r.Context(), task.CreateInput{
		WorkspaceID: body.WorkspaceID,
		AgentID:     body.AgentID,
		Title:       body.Title,
		Intent:      body.Intent,
		Contract:    body.Contract,
		Plan:        body.Plan,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"task": t})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	snap, err := s.Tasks.Get(r.Context(), r.URL.Query().Get("workspace_id"), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"task":      snap.Task,
		"subagents": snap.Subagents,
		"artifacts": snap.Artifacts,
	})
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.Tasks.Events(r.Context(), r.URL.Query().Get("workspace_id"), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"events": events})
}

func (s *Server) handleVerifyTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	v, err := s.Tasks.Verify(r.Context(), body.WorkspaceID, r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"passed":   v.Passed,
		"failures": v.Failures,
		"status":   string(v.Status),
	})
}

func (s *Server) handleAttachArtifact(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string              `json:"workspace_id"`
		ActorKind   contracts.ActorKind `json:"actor_kind"`
		ActorID     string              `json:"actor_id"`
		Type        string              `json:"type"`
		Content     string              `json:"content"`
		Metadata    map[string]any      `json:"metadata"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if body.ActorKind == "" {
		body.ActorKind = contracts.ActorAgent
	}
	art, err := s.Tasks.Attach(r.Context(), task.AttachInput{
		WorkspaceID: body.WorkspaceID,
		TaskID:      r.PathValue("id"),
		ActorKind:   body.ActorKind,
		ActorID:     body.ActorID,
		Type:        body.Type,
		Content:     body.Content,
		Metadata:    body.Metadata,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"artifact": art})
}
