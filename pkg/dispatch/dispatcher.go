package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/clawos/kernel/pkg/approval"
	"github.com/clawos/kernel/pkg/audit"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/policy"
	"github.com/clawos/kernel/pkg/store"
	"github.com/clawos/kernel/pkg/token"
)

// ScopeOperatorApprovals marks a nested dispatch as already authorized by
// the caller's outer DCT check, bypassing the approval gate.
const ScopeOperatorApprovals = "operator.approvals"

// Dispatcher runs the submit flow end to end.
type Dispatcher struct {
	store     *store.Store
	policy    *policy.Engine
	approvals *approval.Service
	tokens    *token.Service
	registry  *Registry
	audit     *audit.Recorder
	clock     contracts.Clock
}

// New wires a dispatcher.
func New(st *store.Store, eng *policy.Engine, apr *approval.Service, tok *token.Service, reg *Registry, rec *audit.Recorder, clock contracts.Clock) *Dispatcher {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Dispatcher{store: st, policy: eng, approvals: apr, tokens: tok, registry: reg, audit: rec, clock: clock}
}

// Registry exposes the handler table, e.g. for the health endpoint.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// SubmitInput is one action submission.
type SubmitInput struct {
	WorkspaceID   string
	AgentID       string
	ActionType    string
	Payload       json.RawMessage
	RequestID     string
	ApprovalToken string
	// Scopes set by trusted internal callers only; never from the wire.
	Scopes []string
}

// Result is the submit outcome.
type Result struct {
	RequestID  string                 `json:"request_id"`
	Status     contracts.ActionStatus `json:"status"`
	Result     json.RawMessage        `json:"result,omitempty"`
	ApprovalID string                 `json:"approval_id,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func hasScope(scopes []string, want string) bool {
	for _, s := range scopes {
		if s == want {
			return true
		}
	}
	return false
}

// Submit runs the full flow: workspace check, idempotency, policy gate,
// handler execution, persistence, audit.
func (d *Dispatcher) Submit(ctx context.Context, in SubmitInput) (*Result, error) {
	started := d.clock.Now()

	if in.ActionType == "" {
		return nil, contracts.E(contracts.CodeMissingField, "action_type")
	}
	ws, err := d.store.GetWorkspace(ctx, in.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	if ws == nil {
		return nil, contracts.E(contracts.CodeWorkspaceNotFound, "workspace %s", in.WorkspaceID)
	}

	h, known := d.registry.Lookup(in.ActionType)
	if !known {
		return nil, contracts.E(contracts.CodeUnknownAction, "action_type %s", in.ActionType)
	}
	if err := d.registry.ValidatePayload(in.ActionType, in.Payload); err != nil {
		return nil, err
	}

	if len(in.Payload) == 0 {
		in.Payload = []byte("{}")
	}
	canon, err := jcs.Transform(in.Payload)
	if err != nil {
		return nil, contracts.E(contracts.CodeBadRequest, "payload is not JSON: %v", err)
	}

	if in.RequestID == "" {
		in.RequestID = contracts.NewID("req")
	}

	ar := &contracts.ActionRequest{
		RequestID:   in.RequestID,
		WorkspaceID: in.WorkspaceID,
		AgentID:     in.AgentID,
		ActionType:  in.ActionType,
		Payload:     in.Payload,
		Status:      contracts.ActionPending,
		CreatedAt:   started,
	}
	inserted, err := d.store.InsertActionRequest(ctx, ar, string(canon))
	if err != nil {
		return nil, fmt.Errorf("record action request: %w", err)
	}
	if !inserted {
		prior, priorCanon, err := d.store.GetActionRequest(ctx, in.WorkspaceID, in.RequestID)
		if err != nil {
			return nil, fmt.Errorf("load action request: %w", err)
		}
		if prior == nil {
			return nil, contracts.E(contracts.CodeInternal, "request %s vanished", in.RequestID)
		}
		if !store.SameCanonicalPayload(priorCanon, string(canon)) {
			return nil, contracts.E(contracts.CodeConflict, "request %s replayed with a different payload", in.RequestID)
		}
		// Identical retry: terminal outcomes replay as-is, a gated request
		// falls through so an approval token can satisfy the gate.
		switch prior.Status {
		case contracts.ActionCompleted, contracts.ActionFailed:
			return &Result{RequestID: prior.RequestID, Status: prior.Status, Result: prior.Result}, nil
		}
	}

	mode, err := d.policy.ResolveMode(ctx, in.ActionType, in.WorkspaceID, h.Meta().Writes)
	if err != nil {
		return nil, err
	}
	switch mode {
	case contracts.ModeBlock:
		// Persisted as failed; the wire status stays blocked.
		failure, _ := json.Marshal(map[string]any{"ok": false, "error": string(contracts.CodeBlocked)})
		if err := d.store.FinishActionRequest(ctx, in.WorkspaceID, in.RequestID, contracts.ActionFailed, failure); err != nil {
			return nil, fmt.Errorf("persist blocked request: %w", err)
		}
		d.audit.Action(ctx, in.RequestID, in.AgentID, in.ActionType, contracts.ActionFailed, started)
		return &Result{RequestID: in.RequestID, Status: contracts.ActionBlocked, Result: failure, Error: string(contracts.CodeBlocked)}, nil

	case contracts.ModeAsk:
		if hasScope(in.Scopes, ScopeOperatorApprovals) || d.capSatisfied(ctx, in) {
			break
		}
		if err := d.store.MarkActionApprovalRequired(ctx, in.WorkspaceID, in.RequestID); err != nil {
			return nil, fmt.Errorf("persist gated request: %w", err)
		}
		apr, err := d.approvals.EnsureActionApproval(ctx, in.WorkspaceID, in.RequestID, in.AgentID, 0)
		if err != nil {
			return nil, err
		}
		d.audit.Action(ctx, in.RequestID, in.AgentID, in.ActionType, contracts.ActionApprovalRequired, started)
		return &Result{
			RequestID:  in.RequestID,
			Status:     contracts.ActionApprovalRequired,
			ApprovalID: apr.ApprovalID,
			Error:      string(contracts.CodeApprovalRequired),
		}, nil
	}

	out, runErr := h.Run(ctx, &Request{
		WorkspaceID: in.WorkspaceID,
		AgentID:     in.AgentID,
		RequestID:   in.RequestID,
		ActionType:  in.ActionType,
		Payload:     in.Payload,
		StartedAt:   started,
	})
	if runErr != nil {
		failure, _ := json.Marshal(map[string]any{
			"ok":    false,
			"error": runErr.Error(),
			"ms":    time.Since(started).Milliseconds(),
		})
		if err := d.store.FinishActionRequest(ctx, in.WorkspaceID, in.RequestID, contracts.ActionFailed, failure); err != nil {
			return nil, fmt.Errorf("persist failed request: %w", err)
		}
		d.audit.Action(ctx, in.RequestID, in.AgentID, in.ActionType, contracts.ActionFailed, started)
		return &Result{RequestID: in.RequestID, Status: contracts.ActionFailed, Result: failure, Error: runErr.Error()}, nil
	}

	result, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("serialize handler result: %w", err)
	}
	if err := d.store.FinishActionRequest(ctx, in.WorkspaceID, in.RequestID, contracts.ActionCompleted, result); err != nil {
		return nil, fmt.Errorf("persist completed request: %w", err)
	}
	d.audit.Action(ctx, in.RequestID, in.AgentID, in.ActionType, contracts.ActionCompleted, started)
	return &Result{RequestID: in.RequestID, Status: contracts.ActionCompleted, Result: result}, nil
}

// capSatisfied verifies the presented approval token against this request's
// bindings. Any failure reads as a missing approval.
func (d *Dispatcher) capSatisfied(ctx context.Context, in SubmitInput) bool {
	if in.ApprovalToken == "" {
		return false
	}
	_, err := d.tokens.VerifyCap(ctx, in.ApprovalToken, in.WorkspaceID, in.RequestID, in.ActionType)
	return err == nil
}
