package api

import "net/http"

func (s *Server) handleResolveSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string `json:"workspace_id"`
		Channel     string `json:"channel"`
		RemoteJID   string `json:"remote_jid"`
		Message     string `json:"message"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Sessions.Resolve(r.Context(), body.WorkspaceID, body.Channel, body.RemoteJID, body.Message)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{
		"session_id": res.Session.SessionID,
		"decision":   string(res.Decision),
		"reason":     res.Reason,
	})
}

func (s *Server) handleAdvanceSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UserMessage    string `json:"user_message"`
		AssistantReply string `json:"assistant_reply"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	sess, err := s.Sessions.Advance(r.Context(), r.PathValue("id"), body.UserMessage, body.AssistantReply)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"session": sess})
}
