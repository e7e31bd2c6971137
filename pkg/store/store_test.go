package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawos/kernel/pkg/contracts"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestMigrate_Idempotent(t *testing.T) {
	st := newStore(t)
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.Ping(context.Background()))
}

func TestInsertActionRequest_DuplicateDetection(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	ar := &contracts.ActionRequest{
		RequestID:   "req-1",
		WorkspaceID: "ws-1",
		AgentID:     "agent-1",
		ActionType:  "echo",
		Payload:     []byte(`{"a":1}`),
		Status:      contracts.ActionPending,
		CreatedAt:   time.Now(),
	}
	inserted, err := st.InsertActionRequest(ctx, ar, `{"a":1}`)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.InsertActionRequest(ctx, ar, `{"a":1}`)
	require.NoError(t, err)
	assert.False(t, inserted)

	// Same request id in a different workspace is a distinct request.
	ar2 := *ar
	ar2.WorkspaceID = "ws-2"
	inserted, err = st.InsertActionRequest(ctx, &ar2, `{"a":1}`)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, canon, err := st.GetActionRequest(ctx, "ws-1", "req-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, `{"a":1}`, canon)

	missing, _, err := st.GetActionRequest(ctx, "ws-1", "req-none")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSameCanonicalPayload(t *testing.T) {
	assert.True(t, SameCanonicalPayload(`{"a":1}`, ` {"a":1} `))
	assert.False(t, SameCanonicalPayload(`{"a":1}`, `{"a":2}`))
}

func TestPurgeExpiredTokens(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	now := time.Now()

	mk := func(id string, expires time.Time) {
		require.NoError(t, st.CreateDCT(ctx, &contracts.DCT{
			TokenID:      id,
			WorkspaceID:  "ws-1",
			IssuedToKind: contracts.IssueToAgent,
			IssuedToID:   "agent-1",
			TTLSeconds:   600,
			ExpiresAt:    expires,
			CreatedAt:    now.Add(-time.Hour),
		}))
	}
	mk("dct-live", now.Add(time.Hour))
	mk("dct-dead", now.Add(-time.Minute))

	n, err := st.PurgeExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	live, err := st.GetDCT(ctx, "dct-live")
	require.NoError(t, err)
	assert.NotNil(t, live)
	dead, err := st.GetDCT(ctx, "dct-dead")
	require.NoError(t, err)
	assert.Nil(t, dead)
}

func TestStateHelpers_FirstWriteWins(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	_, ok, err := st.GetState(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, st.PutStateIfAbsent(ctx, "k", "v1"))
	require.NoError(t, st.PutStateIfAbsent(ctx, "k", "v2"))

	v, ok, err := st.GetState(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v1", v)
}

func TestGetActionRequest_QueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM action_requests").
		WillReturnError(assert.AnError)

	st := NewWithDB(db)
	_, _, err = st.GetActionRequest(context.Background(), "ws-1", "req-1")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
