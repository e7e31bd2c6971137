package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawos/kernel/pkg/contracts"
	"github.com/clawos/kernel/pkg/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newGate(t *testing.T) (*Gate, *fakeClock) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	clock := &fakeClock{now: time.Date(2026, 8, 1, 8, 0, 0, 0, time.UTC)}
	return NewGate(st, clock), clock
}

func TestSetup_FirstWriteWins(t *testing.T) {
	g, _ := newGate(t)
	ctx := context.Background()

	locked, err := g.Locked(ctx)
	require.NoError(t, err)
	assert.True(t, locked)

	res, err := g.Setup(ctx, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, res.Initialized)

	locked, err = g.Locked(ctx)
	require.NoError(t, err)
	assert.False(t, locked)

	// A second setup with a different phrase cannot hijack the kernel.
	res, err = g.Setup(ctx, "attacker phrase")
	require.NoError(t, err)
	assert.True(t, res.AlreadySet)
	assert.False(t, res.Initialized)

	_, err = g.Unlock(ctx, "attacker phrase")
	assert.True(t, contracts.IsCode(err, contracts.CodeRecoveryPhraseMismatch))
	_, err = g.Unlock(ctx, "correct horse battery staple")
	assert.NoError(t, err)
}

func TestSetup_EmptyPhrase(t *testing.T) {
	g, _ := newGate(t)
	_, err := g.Setup(context.Background(), "   ")
	assert.True(t, contracts.IsCode(err, contracts.CodeMissingField))
}

func TestUnlock_BeforeSetup(t *testing.T) {
	g, _ := newGate(t)
	_, err := g.Unlock(context.Background(), "anything")
	assert.True(t, contracts.IsCode(err, contracts.CodeKernelLocked))
}

func TestVerifyOperator_SessionLifecycle(t *testing.T) {
	g, clock := newGate(t)
	ctx := context.Background()

	_, err := g.Setup(ctx, "phrase")
	require.NoError(t, err)
	tok, err := g.Unlock(ctx, "phrase")
	require.NoError(t, err)

	assert.NoError(t, g.VerifyOperator(ctx, tok))

	// Garbage and truncated tokens are rejected.
	assert.True(t, contracts.IsCode(g.VerifyOperator(ctx, "not-a-jwt"), contracts.CodeBadToken))
	assert.True(t, contracts.IsCode(g.VerifyOperator(ctx, tok[:len(tok)-4]), contracts.CodeBadToken))

	// The session expires after its TTL.
	clock.Advance(OperatorSessionTTL + time.Minute)
	assert.True(t, contracts.IsCode(g.VerifyOperator(ctx, tok), contracts.CodeBadToken))
}
