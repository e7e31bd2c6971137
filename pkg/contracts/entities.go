// Package contracts holds the typed records shared across kernel services:
// identities, tasks, tokens, approvals, artifacts, events and sessions.
// Everything persisted as JSON goes through the codecs in this package so the
// on-disk form stays a versioned schema.
package contracts

import "time"

// Workspace is the root of isolation. Every other entity carries its id.
type Workspace struct {
	ID        string    `json:"workspace_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a durable, externally-named principal (typically a human-linked
// identifier such as a phone number). Only agents may create tasks, request
// tokens and grant approvals.
type Agent struct {
	AgentID     string    `json:"agent_id"`
	WorkspaceID string    `json:"workspace_id"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// SubagentStatus tracks the monotonic worker lifecycle.
type SubagentStatus string

const (
	SubagentCreated  SubagentStatus = "created"
	SubagentRunning  SubagentStatus = "running"
	SubagentFinished SubagentStatus = "finished"
	SubagentFailed   SubagentStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SubagentStatus) Terminal() bool {
	return s == SubagentFinished || s == SubagentFailed
}

// Subagent is an ephemeral worker bound to one parent agent and one task.
type Subagent struct {
	SubagentID    string         `json:"subagent_id"`
	ParentAgentID string         `json:"parent_agent_id"`
	WorkspaceID   string         `json:"workspace_id"`
	TaskID        string         `json:"task_id"`
	StepID        string         `json:"step_id,omitempty"`
	WorkerType    string         `json:"worker_type"`
	Status        SubagentStatus `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskQueued        TaskStatus = "queued"
	TaskRunning       TaskStatus = "running"
	TaskBlocked       TaskStatus = "blocked"
	TaskNeedsApproval TaskStatus = "needs_approval"
	TaskFailed        TaskStatus = "failed"
	TaskSucceeded     TaskStatus = "succeeded"
)

// Task is a contract-first unit of work.
type Task struct {
	TaskID           string       `json:"task_id"`
	WorkspaceID      string       `json:"workspace_id"`
	CreatedByAgentID string       `json:"created_by_agent_id"`
	Title            string       `json:"title"`
	Intent           string       `json:"intent"`
	Contract         TaskContract `json:"contract"`
	Plan             string       `json:"plan,omitempty"`
	Status           TaskStatus   `json:"status"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IssueKind discriminates the target of a delegation token.
type IssueKind string

const (
	IssueToAgent    IssueKind = "agent"
	IssueToSubagent IssueKind = "subagent"
)

// DCT is a Delegation Capability Token: a signed, expiring bearer that
// authorizes its holder to execute tools within a scope. Subagent-kind
// tokens must carry the parent agent id.
type DCT struct {
	TokenID       string    `json:"token_id"`
	WorkspaceID   string    `json:"workspace_id"`
	IssuedToKind  IssueKind `json:"issued_to_kind"`
	IssuedToID    string    `json:"issued_to_id"`
	ParentAgentID string    `json:"parent_agent_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Scope         Scope     `json:"scope"`
	TTLSeconds    int       `json:"ttl_seconds"`
	ExpiresAt     time.Time `json:"expires_at"`
	Revoked       bool      `json:"revoked"`
	CreatedAt     time.Time `json:"created_at"`
}

// CapToken is an action-level capability issued after an approval. It is
// bound to one workspace, one action request and one tool.
type CapToken struct {
	TokenID         string    `json:"token_id"`
	WorkspaceID     string    `json:"workspace_id"`
	ActionRequestID string    `json:"action_request_id"`
	ToolName        string    `json:"tool_name"`
	ExpiresAt       time.Time `json:"expires_at"`
	Revoked         bool      `json:"revoked"`
	CreatedAt       time.Time `json:"created_at"`
}

// ActionStatus is the dispatch state of an action request.
type ActionStatus string

const (
	ActionPending          ActionStatus = "pending"
	ActionCompleted        ActionStatus = "completed"
	ActionApprovalRequired ActionStatus = "approval_required"
	ActionFailed           ActionStatus = "failed"
)

// ActionBlocked appears only on the wire: a policy-blocked submission
// persists as failed but reports blocked to the caller.
const ActionBlocked ActionStatus = "blocked"

// ActionRequest is one user-facing invocation of an action handler,
// identified by RequestID for idempotency.
type ActionRequest struct {
	RequestID        string       `json:"request_id"`
	WorkspaceID      string       `json:"workspace_id"`
	AgentID          string       `json:"agent_id"`
	ActionType       string       `json:"action_type"`
	Destination      string       `json:"destination,omitempty"`
	Payload          []byte       `json:"payload"`
	Status           ActionStatus `json:"status"`
	ApprovalRequired bool         `json:"approval_required"`
	Result           []byte       `json:"result,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// ApprovalStatus is the decision state of an action-level approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Approval gates exactly one action request behind a human decision.
type Approval struct {
	ApprovalID      string         `json:"approval_id"`
	WorkspaceID     string         `json:"workspace_id"`
	ActionRequestID string         `json:"action_request_id"`
	RequestedBy     string         `json:"requested_by"`
	Status          ApprovalStatus `json:"status"`
	ExpiresAt       time.Time      `json:"expires_at"`
	DecisionReason  string         `json:"decision_reason,omitempty"`
	DecidedAt       *time.Time     `json:"decided_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// DARStatus is the decision state of a DCT approval request.
type DARStatus string

const (
	DARPending DARStatus = "pending"
	DARGranted DARStatus = "granted"
	DARDenied  DARStatus = "denied"
)

// DAR is a DCT Approval Request: a pending human-in-the-loop decision
// required before a DCT is minted. Only agents may create one.
type DAR struct {
	DARID              string     `json:"dar_id"`
	WorkspaceID        string     `json:"workspace_id"`
	RequestedByAgentID string     `json:"requested_by_agent_id"`
	IssueToKind        IssueKind  `json:"issue_to_kind"`
	IssueToID          string     `json:"issue_to_id"`
	Scope              Scope      `json:"scope"`
	TTLSeconds         int        `json:"ttl_seconds"`
	RiskLevel          RiskLevel  `json:"risk_level"`
	Status             DARStatus  `json:"status"`
	ExpiresAt          time.Time  `json:"expires_at"`
	CreatedAt          time.Time  `json:"created_at"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
}

// ActorKind attributes artifacts and events to their origin.
type ActorKind string

const (
	ActorAgent    ActorKind = "agent"
	ActorSubagent ActorKind = "subagent"
	ActorSystem   ActorKind = "system"
)

// Artifact is a durable, attributable output of a task step. Large content
// is offloaded to the blob store and referenced by URI.
type Artifact struct {
	ArtifactID  string         `json:"artifact_id"`
	TaskID      string         `json:"task_id"`
	WorkspaceID string         `json:"workspace_id"`
	ActorKind   ActorKind      `json:"actor_kind"`
	ActorID     string         `json:"actor_id"`
	Type        string         `json:"type"`
	Content     string         `json:"content,omitempty"`
	URI         string         `json:"uri,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Event is an append-only, typed record of a lifecycle transition.
type Event struct {
	EventID     string         `json:"event_id"`
	WorkspaceID string         `json:"workspace_id"`
	TaskID      string         `json:"task_id"`
	ActorKind   ActorKind      `json:"actor_kind"`
	ActorID     string         `json:"actor_id"`
	Type        string         `json:"type"`
	TS          time.Time      `json:"ts"`
	Data        map[string]any `json:"data,omitempty"`
}

// SessionStatus is active or closed.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// Session is the per-sender conversational context, bounded by timeout and
// reset keywords.
type Session struct {
	SessionID      string        `json:"session_id"`
	WorkspaceID    string        `json:"workspace_id"`
	Channel        string        `json:"channel"`
	RemoteJID      string        `json:"remote_jid"`
	Status         SessionStatus `json:"status"`
	TurnCount      int           `json:"turn_count"`
	ContextSummary string        `json:"context_summary"`
	CreatedAt      time.Time     `json:"created_at"`
	LastMessageAt  time.Time     `json:"last_message_at"`
}

// ObjectiveStatus is the cognitive-objective lifecycle state.
type ObjectiveStatus string

const (
	ObjectiveInProgress ObjectiveStatus = "in_progress"
	ObjectiveCompleted  ObjectiveStatus = "completed"
	ObjectiveFailed     ObjectiveStatus = "failed"
)

// Objective is a cognitive task goal spanning multiple turns of a session.
type Objective struct {
	ObjectiveID         string              `json:"objective_id"`
	SessionID           string              `json:"session_id"`
	Goal                string              `json:"goal"`
	RequiredDeliverable RequiredDeliverable `json:"required_deliverable"`
	Status              ObjectiveStatus     `json:"status"`
	CreatedAt           time.Time           `json:"created_at"`
}

// ToolEvidence records one real tool call made in service of an objective.
// It gates tool-truth claim sanitization before output is surfaced.
type ToolEvidence struct {
	ObjectiveID string    `json:"objective_id"`
	Tool        string    `json:"tool"`
	Summary     string    `json:"summary"`
	TS          time.Time `json:"ts"`
}

// Turn is one recorded exchange within an objective.
type Turn struct {
	ObjectiveID string    `json:"objective_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	TS          time.Time `json:"ts"`
}

// PolicyMode is the per-action risk disposition.
type PolicyMode string

const (
	ModeAuto  PolicyMode = "auto"
	ModeAsk   PolicyMode = "ask"
	ModeBlock PolicyMode = "block"
)

// RiskLevel grades a requested capability scope.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Exceeds reports whether r is strictly riskier than other.
func (r RiskLevel) Exceeds(other RiskLevel) bool {
	return riskOrder(r) > riskOrder(other)
}

func riskOrder(r RiskLevel) int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	}
	return 0
}

// PolicyWildcard matches any workspace in a risk-policy row.
const PolicyWildcard = "*"

// RiskPolicy maps an action type (and workspace, or the wildcard) to a mode.
// Constraint optionally carries a CEL expression over the requested scope's
// resource constraints; a false verdict forces ask.
type RiskPolicy struct {
	ActionType  string     `json:"action_type"`
	WorkspaceID string     `json:"workspace_id"`
	Mode        PolicyMode `json:"mode"`
	Constraint  string     `json:"constraint,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Connection is an encrypted downstream-provider credential.
type Connection struct {
	Provider        string     `json:"provider"`
	EncryptedSecret string     `json:"-"`
	Status          string     `json:"status"`
	LastTestedAt    *time.Time `json:"last_tested_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
