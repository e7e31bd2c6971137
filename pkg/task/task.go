// Package task owns the contract-first task lifecycle: creation, snapshot
// reads, acceptance verification and artifact attachment.
package task

import (
	"context"
	"fmt"

	"github.com/clawos/kernel/pkg/artifacts"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/identity"
	"github.com/clawos/kernel/pkg/store"
)

// Service is the task lifecycle service.
type Service struct {
	store     *store.Store
	identity  *identity.Service
	offloader *artifacts.Offloader
	clock     contracts.Clock
}

// NewService creates the task service.
func NewService(st *store.Store, id *identity.Service, off *artifacts.Offloader, clock contracts.Clock) *Service {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Service{store: st, identity: id, offloader: off, clock: clock}
}

// CreateInput is a contract-first task definition.
type CreateInput struct {
	WorkspaceID string
	AgentID     string
	Title       string
	Intent      string
	Contract    contracts.TaskContract
	Plan        string
}

// Create registers a task. Only a registered agent in the workspace may
// create one, and the contract objective is mandatory.
func (s *Service) Create(ctx context.Context, in CreateInput) (*contracts.Task, error) {
	if in.Title == "" {
		return nil, contracts.E(contracts.CodeMissingField, "title")
	}
	if in.Contract.Objective == "" {
		return nil, contracts.E(contracts.CodeMissingField, "contract.objective")
	}
	if _, err := s.identity.AssertAgent(ctx, in.AgentID, in.WorkspaceID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	t := &contracts.Task{
		TaskID:           contracts.NewID("task"),
		WorkspaceID:      in.WorkspaceID,
		CreatedByAgentID: in.AgentID,
		Title:            in.Title,
		Intent:           in.Intent,
		Contract:         in.Contract,
		Plan:             in.Plan,
		Status:           contracts.TaskQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	s.emit(ctx, t, contracts.ActorAgent, in.AgentID, "task.created", map[string]any{"title": in.Title})
	return t, nil
}

// Snapshot is the full read model of a task.
type Snapshot struct {
	Task      *contracts.Task       `json:"task"`
	Subagents []*contracts.Subagent `json:"subagents"`
	Artifacts []*contracts.Artifact `json:"artifacts"`
}

// Get returns the task with its subagents and artifacts.
func (s *Service) Get(ctx context.Context, workspaceID, taskID string) (*Snapshot, error) {
	t, err := s.load(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubagentsByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subagents: %w", err)
	}
	arts, err := s.store.ListArtifactsByTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return &Snapshot{Task: t, Subagents: subs, Artifacts: arts}, nil
}

// Events returns the task's event stream in ascending order.
func (s *Service) Events(ctx context.Context, workspaceID, taskID string) ([]*contracts.Event, error) {
	if _, err := s.load(ctx, workspaceID, taskID); err != nil {
		return nil, err
	}
	return s.store.ListEventsByTask(ctx, taskID)
}

// Verification is the outcome of running a task's acceptance checks.
type Verification struct {
	Passed   bool                 `json:"passed"`
	Failures []string             `json:"failures,omitempty"`
	Status   contracts.TaskStatus `json:"status"`
}

// Verify evaluates the contract's acceptance checks. All passing moves the
// task to succeeded; any failure leaves the status untouched and returns
// the failure list.
func (s *Service) Verify(ctx context.Context, workspaceID, taskID string) (*Verification, error) {
	t, err := s.load(ctx, workspaceID, taskID)
	if err != nil {
		return nil, err
	}

	var failures []string
	for _, check := range t.Contract.AcceptanceChecks {
		switch check.Type {
		case "min_artifacts":
			arts, err := s.store.ListArtifactsByTask(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("list artifacts: %w", err)
			}
			if len(arts) < check.Count {
				failures = append(failures, fmt.Sprintf("min_artifacts: have %d, need %d", len(arts), check.Count))
			}
		case "subagents_finished":
			subs, err := s.store.ListSubagentsByTask(ctx, taskID)
			if err != nil {
				return nil, fmt.Errorf("list subagents: %w", err)
			}
			for _, sub := range subs {
				if sub.Status != contracts.SubagentFinished {
					failures = append(failures, fmt.Sprintf("subagents_finished: %s is %s", sub.SubagentID, sub.Status))
				}
			}
		default:
			failures = append(failures, fmt.Sprintf("unknown check type %q", check.Type))
		}
	}

	if len(failures) > 0 {
		return &Verification{Passed: false, Failures: failures, Status: t.Status}, nil
	}
	if err := s.store.UpdateTaskStatus(ctx, taskID, contracts.TaskSucceeded, s.clock.Now()); err != nil {
		return nil, fmt.Errorf("persist task status: %w", err)
	}
	s.emit(ctx, t, contracts.ActorSystem, "kernel", "task.succeeded", nil)
	return &Verification{Passed: true, Status: contracts.TaskSucceeded}, nil
}

// AttachInput is one artifact attachment.
type AttachInput struct {
	WorkspaceID string
	TaskID      string
	ActorKind   contracts.ActorKind
	ActorID     string
	Type        string
	Content     string
	Metadata    map[string]any
}

// Attach persists an artifact, offloading oversized content to the blob
// store.
func (s *Service) Attach(ctx context.Context, in AttachInput) (*contracts.Artifact, error) {
	if in.Type == "" {
		return nil, contracts.E(contracts.CodeMissingField, "type")
	}
	if _, err := s.load(ctx, in.WorkspaceID, in.TaskID); err != nil {
		return nil, err
	}

	inline, uri, err := s.offloader.Place(ctx, in.WorkspaceID, []byte(in.Content))
	if err != nil {
		return nil, err
	}
	art := &contracts.Artifact{
		ArtifactID:  contracts.NewID("art"),
		TaskID:      in.TaskID,
		WorkspaceID: in.WorkspaceID,
		ActorKind:   in.ActorKind,
		ActorID:     in.ActorID,
		Type:        in.Type,
		Content:     inline,
		URI:         uri,
		Metadata:    in.Metadata,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.CreateArtifact(ctx, art); err != nil {
		return nil, fmt.Errorf("persist artifact: %w", err)
	}
	return art, nil
}

func (s *Service) load(ctx context.Context, workspaceID, taskID string) (*contracts.Task, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if t == nil {
		return nil, contracts.E(contracts.CodeTaskNotFound, "task %s", taskID)
	}
	if t.WorkspaceID != workspaceID {
		return nil, contracts.E(contracts.CodeWorkspaceMismatch, "task %s not in workspace %s", taskID, workspaceID)
	}
	return t, nil
}

func (s *Service) emit(ctx context.Context, t *contracts.Task, kind contracts.ActorKind, actorID, typ string, data map[string]any) {
	_ = s.store.AppendEvent(ctx, &contracts.Event{
		EventID:     contracts.NewID("evt"),
		WorkspaceID: t.WorkspaceID,
		TaskID:      t.TaskID,
		ActorKind:   kind,
		ActorID:     actorID,
		Type:        typ,
		TS:          s.clock.Now(),
		Data:        data,
	})
}
