package api

import (
	"net/http"

	"github.com/clawos/kernel/pkg/crypto"
)

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecoveryPhrase string `json:"recovery_phrase"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.Gate.Setup(r.Context(), body.RecoveryPhrase)
	if err != nil {
		writeErr(w, err)
		return
	}
	// Tokens minted from here on are signed with the recovery hash.
	if hash, ok, err := s.Store.GetState(r.Context(), crypto.StateRecoveryHash); err == nil && ok {
		s.Tokens.SetSigner(crypto.NewSigner(hash))
	}
	writeOK(w, map[string]any{"initialized": res.Initialized, "already_set": res.AlreadySet})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RecoveryPhrase string `json:"recovery_phrase"`
	}
	if err := decode(r, &body); err != nil {
		writeErr(w, err)
		return
	}
	jwt, err := s.Gate.Unlock(r.Context(), body.RecoveryPhrase)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOK(w, map[string]any{"session_token": jwt})
}
