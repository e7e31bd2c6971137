package contracts

import (
	"errors"
	"fmt"
)

// Code is a kebab-case error code returned to clients as
// {"ok": false, "error": "<code>"}.
type Code string

// Validation.
const (
	CodeBadRequest   Code = "bad_request"
	CodeMissingField Code = "missing_field"
)

// Not found.
const (
	CodeWorkspaceNotFound   Code = "workspace_not_found"
	CodeAgentNotFound       Code = "agent_not_found"
	CodeTaskNotFound        Code = "task_not_found"
	CodeSubagentNotFound    Code = "subagent_not_found"
	CodeApprovalNotFound    Code = "approval_not_found"
	CodeDARNotFound         Code = "dct_approval_not_found"
	CodeSessionNotFound     Code = "session_not_found"
	CodeConnectionNotFound  Code = "connection_not_found"
	CodeActionReqNotFound   Code = "action_request_not_found"
	CodeObjectiveNotFound   Code = "objective_not_found"
)

// Forbidden.
const (
	CodeKernelLocked            Code = "kernel_locked"
	CodeWorkspaceMismatch       Code = "workspace_mismatch"
	CodeAgentWorkspaceMismatch  Code = "agent_workspace_mismatch"
	CodeSubagentNotOwned        Code = "subagent_not_owned_by_requesting_agent"
	CodeSelfIssueOnly           Code = "agents_may_only_request_tokens_for_themselves_v1"
	CodeApprovalNotGranted      Code = "approval_not_granted"
	CodeApprovalWorkspaceWrong  Code = "approval_workspace_id_mismatch"
	CodeApprovalRequestWrong    Code = "approval_action_request_id_mismatch"
	CodeTokenNotBound           Code = "token_not_bound_to_this_subagent"
	CodeInvalidOrExpiredToken   Code = "invalid_or_expired_token"
	CodeBadToken                Code = "bad_token"
	CodeExpired                 Code = "expired"
	CodeScopeExceedsParent      Code = "scope_exceeds_parent_authority"
	CodeMissingAgentTaskBinding Code = "missing_agent_or_task_binding"
	CodeRecoveryPhraseMismatch  Code = "recovery_phrase_mismatch"
)

// Conflict.
const (
	CodeConflict Code = "conflict"
)

// Policy.
const (
	CodeScopeBlocked       Code = "scope_blocked_by_policy"
	CodeBlocked            Code = "blocked"
	CodeApprovalRequired   Code = "approval_required"
	CodeDARExpired         Code = "dct_approval_expired"
	CodeDARDenied          Code = "dct_approval_denied"
)

// Runtime.
const (
	CodeUnknownAction Code = "unknown_action"
	CodeDecryptFailed Code = "decrypt_failed"
	CodeInternal      Code = "internal"
)

// SubagentAlready returns the conflict code for a replayed subagent run,
// e.g. "subagent_already_finished".
func SubagentAlready(status SubagentStatus) Code {
	return Code("subagent_already_" + string(status))
}

// AlreadyDecided returns the conflict code for a re-decided approval,
// e.g. "already_approved".
func AlreadyDecided(decision string) Code {
	return Code("already_" + decision)
}

// Error is the typed error carried through the kernel. Detail is safe to
// surface in logs but only Code crosses the HTTP boundary.
type Error struct {
	Code   Code
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// E constructs an Error with an optional formatted detail.
func E(code Code, format string, args ...any) *Error {
	detail := format
	if len(args) > 0 {
		detail = fmt.Sprintf(format, args...)
	}
	return &Error{Code: code, Detail: detail}
}

// CodeOf extracts the Code from err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
