// Package worker executes subagent runs: status gate, lifecycle events,
// handler dispatch and artifact persistence.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clawos/kernel/pkg/artifacts"
	"github.com/clawos/kernel/pkg/audit"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/dispatch"
	"github.com/clawos/kernel/pkg/identity"
	"github.com/clawos/kernel/pkg/store"
)

// Input is one verified worker invocation. Token verification and binding
// happen at the HTTP layer; the runner trusts Subagent.
type Input struct {
	Subagent *contracts.Subagent
	Payload  json.RawMessage
}

// Handler runs one worker type. Dispatch submits nested actions with the
// outer authorization already applied.
type Handler func(ctx context.Context, run *Run) (any, error)

// Run is the execution context handed to a worker handler.
type Run struct {
	Subagent *contracts.Subagent
	Payload  json.RawMessage
	Dispatch func(ctx context.Context, actionType string, payload json.RawMessage) (*dispatch.Result, error)
}

// Runner drives the subagent lifecycle.
type Runner struct {
	store      *store.Store
	identity   *identity.Service
	dispatcher *dispatch.Dispatcher
	offloader  *artifacts.Offloader
	audit      *audit.Recorder
	clock      contracts.Clock
	handlers   map[string]Handler
}

// New wires a runner with the built-in worker handlers.
func New(st *store.Store, id *identity.Service, d *dispatch.Dispatcher, off *artifacts.Offloader, rec *audit.Recorder, clock contracts.Clock) *Runner {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	r := &Runner{
		store:      st,
		identity:   id,
		dispatcher: d,
		offloader:  off,
		audit:      rec,
		clock:      clock,
		handlers:   map[string]Handler{},
	}
	r.handlers["default"] = defaultWorker
	r.handlers["web_researcher"] = webResearcherWorker
	r.handlers["shell_operator"] = shellOperatorWorker
	return r
}

// Execute runs one worker invocation end to end. On handler failure the
// subagent flips to failed and the error propagates to the HTTP layer.
func (r *Runner) Execute(ctx context.Context, in Input) (*contracts.Artifact, error) {
	sub := in.Subagent
	started := r.clock.Now()

	if err := r.identity.UpdateSubagentStatus(ctx, sub.SubagentID,
		[]contracts.SubagentStatus{contracts.SubagentCreated, contracts.SubagentRunning},
		contracts.SubagentRunning); err != nil {
		return nil, err
	}
	if err := r.store.MarkTaskRunning(ctx, sub.TaskID, started); err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	r.emit(ctx, sub, "worker.started", map[string]any{"worker_type": sub.WorkerType})
	r.audit.Worker(ctx, sub.SubagentID, sub.TaskID, "started", started)

	h, ok := r.handlers[sub.WorkerType]
	if !ok {
		h = r.handlers["default"]
	}

	run := &Run{
		Subagent: sub,
		Payload:  in.Payload,
		Dispatch: func(ctx context.Context, actionType string, payload json.RawMessage) (*dispatch.Result, error) {
			return r.dispatcher.Submit(ctx, dispatch.SubmitInput{
				WorkspaceID: sub.WorkspaceID,
				AgentID:     sub.ParentAgentID,
				ActionType:  actionType,
				Payload:     payload,
				Scopes:      []string{dispatch.ScopeOperatorApprovals},
			})
		},
	}

	out, runErr := h(ctx, run)
	if runErr != nil {
		r.emit(ctx, sub, "worker.failed", map[string]any{"error": runErr.Error()})
		r.audit.Worker(ctx, sub.SubagentID, sub.TaskID, "failed", started)
		if err := r.identity.UpdateSubagentStatus(ctx, sub.SubagentID,
			[]contracts.SubagentStatus{contracts.SubagentRunning},
			contracts.SubagentFailed); err != nil {
			return nil, err
		}
		return nil, runErr
	}

	content, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("serialize worker result: %w", err)
	}
	inline, uri, err := r.offloader.Place(ctx, sub.WorkspaceID, content)
	if err != nil {
		return nil, err
	}

	art := &contracts.Artifact{
		ArtifactID:  contracts.NewID("art"),
		TaskID:      sub.TaskID,
		WorkspaceID: sub.WorkspaceID,
		ActorKind:   contracts.ActorSubagent,
		ActorID:     sub.SubagentID,
		Type:        "worker_result",
		Content:     inline,
		URI:         uri,
		Metadata:    map[string]any{"worker_type": sub.WorkerType},
		CreatedAt:   r.clock.Now(),
	}
	if err := r.store.CreateArtifact(ctx, art); err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}

	r.emit(ctx, sub, "worker.completed", map[string]any{"artifact_id": art.ArtifactID})
	r.audit.Worker(ctx, sub.SubagentID, sub.TaskID, "completed", started)
	if err := r.identity.UpdateSubagentStatus(ctx, sub.SubagentID,
		[]contracts.SubagentStatus{contracts.SubagentRunning},
		contracts.SubagentFinished); err != nil {
		return nil, err
	}
	return art, nil
}

func (r *Runner) emit(ctx context.Context, sub *contracts.Subagent, typ string, data map[string]any) {
	_ = r.store.AppendEvent(ctx, &contracts.Event{
		EventID:     contracts.NewID("evt"),
		WorkspaceID: sub.WorkspaceID,
		TaskID:      sub.TaskID,
		ActorKind:   contracts.ActorSubagent,
		ActorID:     sub.SubagentID,
		Type:        typ,
		TS:          r.clock.Now(),
		Data:        data,
	})
}
