package session

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type scriptedLLM struct{ reply string }

func (s *scriptedLLM) Complete(_ context.Context, _ string) (string, error) {
	return s.reply, nil
}

func newFixture(t *testing.T, opts ...Option) (*Resolver, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	clock := &fakeClock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	return NewResolver(st, clock, opts...), st, clock
}

func TestResolve_FirstMessageStartsSession(t *testing.T) {
	r, _, _ := newFixture(t)

	res, err := r.Resolve(context.Background(), "ws-1", "whatsapp", "jid-1", "hello")
	require.NoError(t, err)
	assert.Equal(t, DecisionNew, res.Decision)
	assert.Equal(t, ReasonNoSession, res.Reason)
	assert.Equal(t, contracts.SessionActive, res.Session.Status)
}

func TestResolve_ContinueWithinWindow(t *testing.T) {
	r, _, clock := newFixture(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "hello")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "and another thing")
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, res.Decision)
	assert.Equal(t, ReasonContinue, res.Reason)
	assert.Equal(t, first.Session.SessionID, res.Session.SessionID)
	assert.Equal(t, clock.Now(), res.Session.LastMessageAt.UTC())
}

func TestResolve_TimeoutStartsFreshSession(t *testing.T) {
	r, st, clock := newFixture(t, WithTimeout(10*time.Minute))
	ctx := context.Background()

	first, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "hello")
	require.NoError(t, err)

	clock.Advance(11 * time.Minute)
	res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "back again")
	require.NoError(t, err)
	assert.Equal(t, DecisionNew, res.Decision)
	assert.Equal(t, ReasonTimeout, res.Reason)
	assert.NotEqual(t, first.Session.SessionID, res.Session.SessionID)

	old, err := st.GetSession(ctx, first.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionClosed, old.Status)
}

func TestResolve_ExplicitResetClosesOldSession(t *testing.T) {
	r, st, _ := newFixture(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "hello")
	require.NoError(t, err)

	// Keyword matching survives case, padding and unicode width variants.
	for _, msg := range []string{"reset", "  RESET  ", "New Session", "nueva sesión"} {
		res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", msg)
		require.NoError(t, err)
		assert.Equal(t, DecisionNew, res.Decision, msg)
		assert.Equal(t, ReasonExplicitReset, res.Reason, msg)
	}

	old, err := st.GetSession(ctx, first.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionClosed, old.Status)
}

func TestResolve_DifferentPeersGetDifferentSessions(t *testing.T) {
	r, _, _ := newFixture(t)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-a", "hello")
	require.NoError(t, err)
	b, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-b", "hello")
	require.NoError(t, err)
	assert.NotEqual(t, a.Session.SessionID, b.Session.SessionID)
}

func TestResolve_TopicDrift(t *testing.T) {
	r, st, clock := newFixture(t, WithDriftClassifier(true), WithLLM(&scriptedLLM{reply: "0.95"}))
	ctx := context.Background()

	first, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "tell me about go")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "what's a good pasta recipe")
	require.NoError(t, err)
	assert.Equal(t, DecisionNew, res.Decision)
	assert.Equal(t, ReasonTopicDrift, res.Reason)

	old, err := st.GetSession(ctx, first.Session.SessionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.SessionClosed, old.Status)
}

func TestResolve_DriftBelowThresholdContinues(t *testing.T) {
	r, _, clock := newFixture(t, WithDriftClassifier(true), WithLLM(&scriptedLLM{reply: "0.2"}))
	ctx := context.Background()

	first, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "tell me about go")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "what about channels")
	require.NoError(t, err)
	assert.Equal(t, DecisionContinue, res.Decision)
	assert.Equal(t, first.Session.SessionID, res.Session.SessionID)
}

func TestAdvance_SummaryUnderCap(t *testing.T) {
	r, _, _ := newFixture(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "hello")
	require.NoError(t, err)

	long := strings.Repeat("x", 2*SummaryCap)
	sess, err := r.Advance(ctx, res.Session.SessionID, long, "noted")
	require.NoError(t, err)
	assert.Equal(t, 1, sess.TurnCount)
	assert.LessOrEqual(t, len(sess.ContextSummary), SummaryCap)
	assert.NotEmpty(t, sess.ContextSummary)

	_, err = r.Advance(ctx, "sess-missing", "a", "b")
	assert.True(t, contracts.IsCode(err, contracts.CodeSessionNotFound))
}

func TestCapString_NeverSplitsRunes(t *testing.T) {
	long := strings.Repeat("日本語", 200)
	got := capString(long, SummaryCap)
	assert.LessOrEqual(t, len(got), SummaryCap)
	assert.True(t, utf8.ValidString(got))

	assert.Equal(t, "héllo", capString("héllo", 10))
	assert.Equal(t, "", capString("日", 1))
}

func TestResolveObjective_HeuristicsAndContinuity(t *testing.T) {
	r, _, _ := newFixture(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "hello")
	require.NoError(t, err)
	sid := res.Session.SessionID

	obj, created, err := r.ResolveObjective(ctx, sid, "find 3 articles about ferrets")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, contracts.ObjectiveInProgress, obj.Status)

	// A follow-up that states no new goal continues the same objective.
	same, created, err := r.ResolveObjective(ctx, sid, "thanks, looking forward to it")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, obj.ObjectiveID, same.ObjectiveID)

	// A fresh imperative starts a new objective.
	next, created, err := r.ResolveObjective(ctx, sid, "write a script that renames files")
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, obj.ObjectiveID, next.ObjectiveID)
	assert.Equal(t, contracts.DeliverCode, next.RequiredDeliverable.Type)
}

func TestDeliverableFor(t *testing.T) {
	d := DeliverableFor("list 5 good sci-fi books")
	assert.Equal(t, contracts.DeliverList, d.Type)
	assert.Equal(t, 5, d.Count)

	assert.Equal(t, contracts.DeliverCode, DeliverableFor("write a function that sorts ints").Type)
	assert.Equal(t, contracts.DeliverFile, DeliverableFor("save the notes to a file").Type)
	assert.Equal(t, contracts.DeliverAnswer, DeliverableFor("what is the capital of peru?").Type)
	assert.Equal(t, contracts.DeliverNone, DeliverableFor("ok sounds good").Type)
}

func TestSanitizeClaims(t *testing.T) {
	r, _, _ := newFixture(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, "ws-1", "whatsapp", "jid-1", "hello")
	require.NoError(t, err)
	obj, _, err := r.ResolveObjective(ctx, res.Session.SessionID, "find 3 articles about ferrets")
	require.NoError(t, err)

	// Unevidenced claims are rejected.
	_, err = r.SanitizeClaims(ctx, obj.ObjectiveID, "I searched the web and found these.")
	assert.True(t, contracts.IsCode(err, contracts.CodeBadRequest))

	// With recorded evidence the same reply passes.
	require.NoError(t, r.RecordToolEvidence(ctx, obj.ObjectiveID, "web_search", "3 results"))
	reply, err := r.SanitizeClaims(ctx, obj.ObjectiveID, "I searched the web and found these.")
	require.NoError(t, err)
	assert.NotEmpty(t, reply)

	// Claims with no tool phrasing always pass.
	_, err = r.SanitizeClaims(ctx, obj.ObjectiveID, "Here are three articles.")
	assert.NoError(t, err)
}
