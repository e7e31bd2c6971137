// Package identity enforces the AGENT → SUBAGENT authority chain: agent
// registration, subagent spawning, workspace binding assertions and the
// monotonic subagent lifecycle.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

// Service is the identity service.
type Service struct {
	store *store.Store
	clock contracts.Clock
}

// NewService creates the identity service.
func NewService(st *store.Store, clock contracts.Clock) *Service {
	if clock == nil {
		clock = contracts.WallClock{}
	}
	return &Service{store: st, clock: clock}
}

// CreateAgent upserts an agent. Registration is idempotent: the agent id is
// unique process-wide, re-registration refreshes the role and returns the
// stored row.
func (s *Service) CreateAgent(ctx context.Context, workspaceID, agentID, role string) (*contracts.Agent, error) {
	if agentID == "" {
		return nil, contracts.E(contracts.CodeMissingField, "agent_id")
	}
	ws, err := s.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	if ws == nil {
		return nil, contracts.E(contracts.CodeWorkspaceNotFound, "workspace %s", workspaceID)
	}

	return s.store.UpsertAgent(ctx, &contracts.Agent{
		AgentID:     agentID,
		WorkspaceID: workspaceID,
		Role:        role,
		CreatedAt:   s.clock.Now(),
	})
}

// AssertAgent loads an agent and checks its workspace binding.
func (s *Service) AssertAgent(ctx context.Context, agentID, workspaceID string) (*contracts.Agent, error) {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}
	if a == nil {
		return nil, contracts.E(contracts.CodeAgentNotFound, "agent %s", agentID)
	}
	if a.WorkspaceID != workspaceID {
		return nil, contracts.E(contracts.CodeAgentWorkspaceMismatch, "agent %s not in workspace %s", agentID, workspaceID)
	}
	return a, nil
}

// SpawnSubagent creates a subagent bound to a parent agent and a task in the
// same workspace. Both bindings are mandatory.
func (s *Service) SpawnSubagent(ctx context.Context, workspaceID, parentAgentID, taskID, workerType, stepID string) (*contracts.Subagent, error) {
	if workerType == "" {
		return nil, contracts.E(contracts.CodeMissingField, "worker_type")
	}
	parent, err := s.AssertAgent(ctx, parentAgentID, workspaceID)
	if err != nil {
		return nil, err
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, contracts.E(contracts.CodeTaskNotFound, "task %s", taskID)
	}
	if task.WorkspaceID != workspaceID {
		return nil, contracts.E(contracts.CodeWorkspaceMismatch, "task %s not in workspace %s", taskID, workspaceID)
	}

	sub := &contracts.Subagent{
		SubagentID:    contracts.NewID("sub"),
		ParentAgentID: parent.AgentID,
		WorkspaceID:   workspaceID,
		TaskID:        task.TaskID,
		StepID:        stepID,
		WorkerType:    workerType,
		Status:        contracts.SubagentCreated,
		CreatedAt:     s.clock.Now(),
	}
	if err := s.store.CreateSubagent(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subagent: %w", err)
	}
	_ = s.store.AppendEvent(ctx, &contracts.Event{
		EventID:     contracts.NewID("evt"),
		WorkspaceID: workspaceID,
		TaskID:      task.TaskID,
		ActorKind:   contracts.ActorAgent,
		ActorID:     parent.AgentID,
		Type:        "subagent.spawned",
		TS:          sub.CreatedAt,
		Data:        map[string]any{"subagent_id": sub.SubagentID, "worker_type": workerType},
	})
	return sub, nil
}

// AssertSubagent loads a subagent, checks its workspace binding and rejects
// malformed rows that lost their agent or task binding.
func (s *Service) AssertSubagent(ctx context.Context, subagentID, workspaceID string) (*contracts.Subagent, error) {
	sub, err := s.store.GetSubagent(ctx, subagentID)
	if err != nil {
		return nil, fmt.Errorf("load subagent: %w", err)
	}
	if sub == nil {
		return nil, contracts.E(contracts.CodeSubagentNotFound, "subagent %s", subagentID)
	}
	if sub.WorkspaceID != workspaceID {
		return nil, contracts.E(contracts.CodeWorkspaceMismatch, "subagent %s not in workspace %s", subagentID, workspaceID)
	}
	if sub.ParentAgentID == "" || sub.TaskID == "" {
		return nil, contracts.E(contracts.CodeMissingAgentTaskBinding, "subagent %s", subagentID)
	}
	return sub, nil
}

// UpdateSubagentStatus applies a monotonic transition, stamping finished_at
// on terminal states. A replay from a terminal state is a conflict.
func (s *Service) UpdateSubagentStatus(ctx context.Context, subagentID string, from []contracts.SubagentStatus, to contracts.SubagentStatus) error {
	var stampPtr *time.Time
	if to.Terminal() {
		stamp := s.clock.Now()
		stampPtr = &stamp
	}

	ok, err := s.store.TransitionSubagent(ctx, subagentID, from, to, stampPtr)
	if err != nil {
		return fmt.Errorf("transition subagent: %w", err)
	}
	if !ok {
		sub, err := s.store.GetSubagent(ctx, subagentID)
		if err != nil {
			return fmt.Errorf("reload subagent: %w", err)
		}
		if sub == nil {
			return contracts.E(contracts.CodeSubagentNotFound, "subagent %s", subagentID)
		}
		return contracts.E(contracts.SubagentAlready(sub.Status), "subagent %s is %s", subagentID, sub.Status)
	}
	return nil
}
