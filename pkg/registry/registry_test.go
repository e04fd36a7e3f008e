package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindAndLookup(t *testing.T) {
	r := New(time.Hour)
	_, err := r.Bind("telegram", "t-1", "s-1")
	require.NoError(t, err)

	b, err := r.Lookup("telegram", "t-1")
	require.NoError(t, err)
	assert.Equal(t, "s-1", b.SessionID)
	assert.Equal(t, StateIdle, b.State)
}

func TestBindRejectsDoubleBind(t *testing.T) {
	r := New(time.Hour)
	_, err := r.Bind("telegram", "t-1", "s-1")
	require.NoError(t, err)
	_, err = r.Bind("telegram", "t-1", "s-2")
	assert.ErrorIs(t, err, ErrAlreadyBound)
}

func TestLookupUnknownThread(t *testing.T) {
	r := New(time.Hour)
	_, err := r.Lookup("telegram", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(StateRunning, StateStreaming))
	assert.True(t, CanTransition(StateStreaming, StateRunning))
	assert.True(t, CanTransition(StateAwaitingInput, StateRunning))
	assert.False(t, CanTransition(StateStopped, StateRunning), "STOPPED is terminal")
	assert.False(t, CanTransition(StateStopped, StateIdle))
}

func TestTransitionEnforced(t *testing.T) {
	r := New(time.Hour)
	_, err := r.Bind("slack", "t-1", "s-1")
	require.NoError(t, err)

	require.NoError(t, r.Transition("slack", "t-1", StateRunning))
	require.NoError(t, r.Transition("slack", "t-1", StateStreaming))
	require.NoError(t, r.Transition("slack", "t-1", StateStopped))

	err = r.Transition("slack", "t-1", StateRunning)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	b, err := r.Lookup("slack", "t-1")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, b.State, "failed transition must not mutate state")
}

func TestTTLExpiryOnLookup(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(10 * time.Minute).WithClock(func() time.Time { return now })

	_, err := r.Bind("telegram", "t-1", "s-1")
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = r.Lookup("telegram", "t-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, r.Len(), "expired binding pruned lazily")
}

func TestTouchExtendsTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(10 * time.Minute).WithClock(func() time.Time { return now })

	_, err := r.Bind("telegram", "t-1", "s-1")
	require.NoError(t, err)

	now = now.Add(9 * time.Minute)
	require.NoError(t, r.Touch("telegram", "t-1"))

	now = now.Add(9 * time.Minute)
	_, err = r.Lookup("telegram", "t-1")
	assert.NoError(t, err)
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(10 * time.Minute).WithClock(func() time.Time { return now })

	_, err := r.Bind("telegram", "old", "s-1")
	require.NoError(t, err)

	now = now.Add(8 * time.Minute)
	_, err = r.Bind("telegram", "fresh", "s-2")
	require.NoError(t, err)

	now = now.Add(4 * time.Minute)
	removed := r.Sweep()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, r.Len())

	_, err = r.Lookup("telegram", "fresh")
	assert.NoError(t, err)
}

func TestQueueDrain(t *testing.T) {
	r := New(time.Hour)
	_, err := r.Bind("telegram", "t-1", "s-1")
	require.NoError(t, err)

	require.NoError(t, r.Enqueue("telegram", "t-1", "alice", "first"))
	require.NoError(t, r.Enqueue("telegram", "t-1", "alice", "second"))

	msgs, err := r.DrainQueue("telegram", "t-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)

	msgs, err = r.DrainQueue("telegram", "t-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestLookupReturnsCopy(t *testing.T) {
	r := New(time.Hour)
	_, err := r.Bind("telegram", "t-1", "s-1")
	require.NoError(t, err)

	b, err := r.Lookup("telegram", "t-1")
	require.NoError(t, err)
	b.State = StateStopped

	again, err := r.Lookup("telegram", "t-1")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, again.State)
}
