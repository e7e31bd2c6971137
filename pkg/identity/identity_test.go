package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

func newFixture(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return NewService(st, contracts.WallClock{}), st
}

func seed(t *testing.T, st *store.Store) (wsID, taskID string) {
	t.Helper()
	ctx := context.Background()
	ws := &contracts.Workspace{ID: contracts.NewID("ws"), Type: "test", CreatedAt: time.Now()}
	require.NoError(t, st.CreateWorkspace(ctx, ws))
	task := &contracts.Task{
		TaskID:      contracts.NewID("task"),
		WorkspaceID: ws.ID,
		Title:       "t",
		Contract:    contracts.TaskContract{Objective: "o"},
		Status:      contracts.TaskRunning,
		CreatedAt:   time.Now(),
	}
	require.NoError(t, st.CreateTask(ctx, task))
	return ws.ID, task.TaskID
}

func TestCreateAgent_IdempotentUpsert(t *testing.T) {
	svc, st := newFixture(t)
	ws, _ := seed(t, st)
	ctx := context.Background()

	a, err := svc.CreateAgent(ctx, ws, "agent-1", "orchestrator")
	require.NoError(t, err)
	assert.Equal(t, "orchestrator", a.Role)

	a, err = svc.CreateAgent(ctx, ws, "agent-1", "planner")
	require.NoError(t, err)
	assert.Equal(t, "planner", a.Role)

	_, err = svc.CreateAgent(ctx, "ws-missing", "agent-2", "x")
	assert.True(t, contracts.IsCode(err, contracts.CodeWorkspaceNotFound))
}

func TestAssertAgent_WorkspaceBinding(t *testing.T) {
	svc, st := newFixture(t)
	ws, _ := seed(t, st)
	other, _ := seed(t, st)
	ctx := context.Background()

	_, err := svc.CreateAgent(ctx, ws, "agent-1", "")
	require.NoError(t, err)

	_, err = svc.AssertAgent(ctx, "agent-1", ws)
	assert.NoError(t, err)
	_, err = svc.AssertAgent(ctx, "agent-1", other)
	assert.True(t, contracts.IsCode(err, contracts.CodeAgentWorkspaceMismatch))
	_, err = svc.AssertAgent(ctx, "nope", ws)
	assert.True(t, contracts.IsCode(err, contracts.CodeAgentNotFound))
}

func TestSpawnSubagent_BindingsAndEvent(t *testing.T) {
	svc, st := newFixture(t)
	ws, taskID := seed(t, st)
	ctx := context.Background()

	_, err := svc.CreateAgent(ctx, ws, "agent-1", "")
	require.NoError(t, err)

	sub, err := svc.SpawnSubagent(ctx, ws, "agent-1", taskID, "web_researcher", "step-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.SubagentCreated, sub.Status)
	assert.Equal(t, "agent-1", sub.ParentAgentID)

	events, err := st.ListEventsByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "subagent.spawned", events[0].Type)

	// Cross-workspace task is rejected.
	_, otherTask := seed(t, st)
	_, err = svc.SpawnSubagent(ctx, ws, "agent-1", otherTask, "web_researcher", "")
	assert.True(t, contracts.IsCode(err, contracts.CodeWorkspaceMismatch))

	_, err = svc.SpawnSubagent(ctx, ws, "agent-1", taskID, "", "")
	assert.True(t, contracts.IsCode(err, contracts.CodeMissingField))
}

func TestUpdateSubagentStatus_MonotonicLifecycle(t *testing.T) {
	svc, st := newFixture(t)
	ws, taskID := seed(t, st)
	ctx := context.Background()

	_, err := svc.CreateAgent(ctx, ws, "agent-1", "")
	require.NoError(t, err)
	sub, err := svc.SpawnSubagent(ctx, ws, "agent-1", taskID, "default", "")
	require.NoError(t, err)

	running := []contracts.SubagentStatus{contracts.SubagentCreated, contracts.SubagentRunning}
	require.NoError(t, svc.UpdateSubagentStatus(ctx, sub.SubagentID, running, contracts.SubagentRunning))
	require.NoError(t, svc.UpdateSubagentStatus(ctx, sub.SubagentID,
		[]contracts.SubagentStatus{contracts.SubagentRunning}, contracts.SubagentFinished))

	got, err := st.GetSubagent(ctx, sub.SubagentID)
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)

	// Replaying a finished subagent is a conflict naming its state.
	err = svc.UpdateSubagentStatus(ctx, sub.SubagentID, running, contracts.SubagentRunning)
	assert.True(t, contracts.IsCode(err, contracts.SubagentAlready(contracts.SubagentFinished)))
}

func TestAssertSubagent(t *testing.T) {
	svc, st := newFixture(t)
	ws, taskID := seed(t, st)
	other, _ := seed(t, st)
	ctx := context.Background()

	_, err := svc.CreateAgent(ctx, ws, "agent-1", "")
	require.NoError(t, err)
	sub, err := svc.SpawnSubagent(ctx, ws, "agent-1", taskID, "default", "")
	require.NoError(t, err)

	_, err = svc.AssertSubagent(ctx, sub.SubagentID, ws)
	assert.NoError(t, err)
	_, err = svc.AssertSubagent(ctx, sub.SubagentID, other)
	assert.True(t, contracts.IsCode(err, contracts.CodeWorkspaceMismatch))
	_, err = svc.AssertSubagent(ctx, "sub-missing", ws)
	assert.True(t, contracts.IsCode(err, contracts.CodeSubagentNotFound))
}
