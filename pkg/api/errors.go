// Package api is the kernel's HTTP surface. Every error crosses the wire
// as {"ok": false, "error": "<kebab-code>"}.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/clawos/kernel/pkg/contracts"
)

// writeJSON writes a JSON body with status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeOK writes a 200 envelope with ok:true merged into fields.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	out := map[string]any{"ok": true}
	for k, v := range fields {
		out[k] = v
	}
	writeJSON(w, http.StatusOK, out)
}

// writeErr maps a kernel error to its HTTP status and code body. Untyped
// errors never leak details.
func writeErr(w http.ResponseWriter, err error) {
	code := contracts.CodeOf(err)
	writeJSON(w, statusFor(code), map[string]any{"ok": false, "error": string(code)})
}

func statusFor(code contracts.Code) int {
	switch code {
	case contracts.CodeBadRequest, contracts.CodeMissingField, contracts.CodeUnknownAction:
		return http.StatusBadRequest
	case contracts.CodeWorkspaceNotFound, contracts.CodeAgentNotFound, contracts.CodeTaskNotFound,
		contracts.CodeSubagentNotFound, contracts.CodeApprovalNotFound, contracts.CodeDARNotFound,
		contracts.CodeSessionNotFound, contracts.CodeConnectionNotFound,
		contracts.CodeActionReqNotFound, contracts.CodeObjectiveNotFound:
		return http.StatusNotFound
	case contracts.CodeKernelLocked, contracts.CodeWorkspaceMismatch, contracts.CodeAgentWorkspaceMismatch,
		contracts.CodeBadToken, contracts.CodeInvalidOrExpiredToken,
		contracts.CodeSubagentNotOwned, contracts.CodeSelfIssueOnly, contracts.CodeApprovalNotGranted,
		contracts.CodeApprovalWorkspaceWrong, contracts.CodeApprovalRequestWrong,
		contracts.CodeTokenNotBound, contracts.CodeExpired, contracts.CodeScopeExceedsParent,
		contracts.CodeMissingAgentTaskBinding, contracts.CodeRecoveryPhraseMismatch,
		contracts.CodeScopeBlocked, contracts.CodeBlocked, contracts.CodeDARExpired,
		contracts.CodeDARDenied:
		return http.StatusForbidden
	case contracts.CodeConflict:
		return http.StatusConflict
	case contracts.CodeDecryptFailed:
		return http.StatusInternalServerError
	}
	s := string(code)
	if strings.HasPrefix(s, "already_") || strings.HasPrefix(s, "subagent_already_") {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// decode parses a JSON request body into v.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return contracts.E(contracts.CodeBadRequest, "body: %v", err)
	}
	return nil
}
