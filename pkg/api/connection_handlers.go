package api

import (
	"net/http"

	"github.com/clawos/kernel/pkg/contracts"
)

// connectionView is the wire shape of a connection: never the secret.
type connectionView struct {
	Provider     string `json:"provider"`
	Status       string `json:"status"`
	LastTestedAt any    `json:"last_tested_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func view(c *contracts.Connection) connectionView {
	v := connectionView{Provider: c.Provider, Status: c.Status, LastError: c.LastError}
	if c.LastTestedAt != nil {
		v.LastTestedAt = c.LastTestedAt
	}
	return v
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.Store.ListConnections(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]connectionView, 0, len(conns))
	for _, c := range conns {
		views = append(views, view(c))
	}
	writeOK(w, map[string]any{"connections": views})
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	c, err := s.Store.GetConnection(r.Context(), r.PathValue("provider"))
	if err != nil {
		writeErr(w, err)
		return
	}
	if c == nil {
		writeErr(w, contracts.E(contracts.CodeConnectionNotFound, "connection %s", r.PathValue("provider")))
		return
	}
	writeOK(w, map[string]any{"connection": view(c)})
}

func (s *Server) handlePutConnection(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	var body struct {
		Secret map[string]any `json:"secret"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	if len(body.Secret) == 0 {
		writeErr(w, contracts.E(contracts.CodeMissingField, "secret"))
		return
	}

	enc, err := s.Vault.Encrypt(body.Secret)
	if err != nil {
		writeErr(w, err)
		return
	}
	c := &contracts.Connection{
		Provider:        provider,
		EncryptedSecret: enc,
		Status:          "configured",
		UpdatedAt:       s.Clock.Now(),
	}
	if err := s.Store.PutConnection(r.Context(), c); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"connection": view(c)})
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.DeleteConnection(r.Context(), r.PathValue("provider")); err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"deleted": true})
}
