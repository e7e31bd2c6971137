package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawos/kernel/pkg/artifacts"
	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/identity"
	"github.com/clawos/kernel/pkg/store"
)

type fixture struct {
	svc   *Service
	store *store.Store
	ids   *identity.Service
	ws    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	clock := contracts.WallClock{}
	ws := &contracts.Workspace{ID: contracts.NewID("ws"), Type: "test", CreatedAt: time.Now()}
	require.NoError(t, st.CreateWorkspace(ctx, ws))

	ids := identity.NewService(st, clock)
	_, err = ids.CreateAgent(ctx, ws.ID, "agent-1", "")
	require.NoError(t, err)

	off := artifacts.NewOffloader(&artifacts.DirStore{Root: t.TempDir()})
	return &fixture{svc: NewService(st, ids, off, clock), store: st, ids: ids, ws: ws.ID}
}

func (f *fixture) create(t *testing.T, checks ...contracts.AcceptanceCheck) *contracts.Task {
	t.Helper()
	task, err := f.svc.Create(context.Background(), CreateInput{
		WorkspaceID: f.ws,
		AgentID:     "agent-1",
		Title:       "gather links",
		Contract: contracts.TaskContract{
			Objective:        "find three links",
			AcceptanceChecks: checks,
		},
	})
	require.NoError(t, err)
	return task
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{WorkspaceID: f.ws, AgentID: "agent-1"})
	assert.True(t, contracts.IsCode(err, contracts.CodeMissingField))

	_, err = f.svc.Create(ctx, CreateInput{
		WorkspaceID: f.ws, AgentID: "agent-1", Title: "t",
	})
	assert.True(t, contracts.IsCode(err, contracts.CodeMissingField))

	_, err = f.svc.Create(ctx, CreateInput{
		WorkspaceID: f.ws, AgentID: "ghost", Title: "t",
		Contract: contracts.TaskContract{Objective: "o"},
	})
	assert.True(t, contracts.IsCode(err, contracts.CodeAgentNotFound))

	task := f.create(t)
	assert.Equal(t, contracts.TaskQueued, task.Status)

	// The first worker start moves the task out of the queue; later calls
	// are no-ops.
	require.NoError(t, f.store.MarkTaskRunning(ctx, task.TaskID, time.Now()))
	require.NoError(t, f.store.MarkTaskRunning(ctx, task.TaskID, time.Now()))
	got, err := f.store.GetTask(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, contracts.TaskRunning, got.Status)

	events, err := f.svc.Events(ctx, f.ws, task.TaskID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task.created", events[0].Type)
}

func TestGet_SnapshotAndWorkspaceBinding(t *testing.T) {
	f := newFixture(t)
	task := f.create(t)
	ctx := context.Background()

	snap, err := f.svc.Get(ctx, f.ws, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, snap.Task.TaskID)
	assert.Empty(t, snap.Subagents)
	assert.Empty(t, snap.Artifacts)

	_, err = f.svc.Get(ctx, "ws-other", task.TaskID)
	assert.True(t, contracts.IsCode(err, contracts.CodeWorkspaceMismatch))
	_, err = f.svc.Get(ctx, f.ws, "task-missing")
	assert.True(t, contracts.IsCode(err, contracts.CodeTaskNotFound))
}

func TestVerify_MinArtifacts(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, contracts.AcceptanceCheck{Type: "min_artifacts", Count: 1})
	ctx := context.Background()

	v, err := f.svc.Verify(ctx, f.ws, task.TaskID)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Equal(t, contracts.TaskQueued, v.Status)
	require.Len(t, v.Failures, 1)

	_, err = f.svc.Attach(ctx, AttachInput{
		WorkspaceID: f.ws, TaskID: task.TaskID,
		ActorKind: contracts.ActorAgent, ActorID: "agent-1",
		Type: "note", Content: "three links found",
	})
	require.NoError(t, err)

	v, err = f.svc.Verify(ctx, f.ws, task.TaskID)
	require.NoError(t, err)
	assert.True(t, v.Passed)
	assert.Equal(t, contracts.TaskSucceeded, v.Status)

	events, err := f.svc.Events(ctx, f.ws, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "task.succeeded", events[len(events)-1].Type)
}

func TestVerify_SubagentsFinished(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, contracts.AcceptanceCheck{Type: "subagents_finished"})
	ctx := context.Background()

	sub, err := f.ids.SpawnSubagent(ctx, f.ws, "agent-1", task.TaskID, "default", "")
	require.NoError(t, err)

	v, err := f.svc.Verify(ctx, f.ws, task.TaskID)
	require.NoError(t, err)
	assert.False(t, v.Passed)

	require.NoError(t, f.ids.UpdateSubagentStatus(ctx, sub.SubagentID,
		[]contracts.SubagentStatus{contracts.SubagentCreated}, contracts.SubagentRunning))
	require.NoError(t, f.ids.UpdateSubagentStatus(ctx, sub.SubagentID,
		[]contracts.SubagentStatus{contracts.SubagentRunning}, contracts.SubagentFinished))

	v, err = f.svc.Verify(ctx, f.ws, task.TaskID)
	require.NoError(t, err)
	assert.True(t, v.Passed)
}

func TestVerify_UnknownCheckFails(t *testing.T) {
	f := newFixture(t)
	task := f.create(t, contracts.AcceptanceCheck{Type: "crystal_ball"})

	v, err := f.svc.Verify(context.Background(), f.ws, task.TaskID)
	require.NoError(t, err)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Failures[0], "crystal_ball")
}

func TestAttach_Validation(t *testing.T) {
	f := newFixture(t)
	task := f.create(t)
	ctx := context.Background()

	_, err := f.svc.Attach(ctx, AttachInput{
		WorkspaceID: f.ws, TaskID: task.TaskID, ActorKind: contracts.ActorAgent, ActorID: "agent-1",
	})
	assert.True(t, contracts.IsCode(err, contracts.CodeMissingField))

	art, err := f.svc.Attach(ctx, AttachInput{
		WorkspaceID: f.ws, TaskID: task.TaskID,
		ActorKind: contracts.ActorAgent, ActorID: "agent-1",
		Type: "note", Content: "inline content",
	})
	require.NoError(t, err)
	assert.Equal(t, "inline content", art.Content)
	assert.Empty(t, art.URI)
}

func TestAttach_OffloadsLargeContent(t *testing.T) {
	f := newFixture(t)
	task := f.create(t)

	big := make([]byte, artifacts.OffloadThreshold+1)
	for i := range big {
		big[i] = 'a'
	}
	art, err := f.svc.Attach(context.Background(), AttachInput{
		WorkspaceID: f.ws, TaskID: task.TaskID,
		ActorKind: contracts.ActorAgent, ActorID: "agent-1",
		Type: "dump", Content: string(big),
	})
	require.NoError(t, err)
	assert.Empty(t, art.Content)
	assert.Contains(t, art.URI, "file://")
}
