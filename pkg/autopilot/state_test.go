package autopilot

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateRunning, StatePaused, true},
		{StateRunning, StateStopped, true},
		{StatePaused, StateRunning, true},
		{StatePaused, StateStopped, true},
		{StateStopped, StateRunning, false},
		{StateStopped, StatePaused, false},
		{StateRunning, StateRunning, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStateStoreDefaultsToRunning(t *testing.T) {
	s, err := NewStateStore(context.Background(), openTestDB(t))
	require.NoError(t, err)

	state, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateRunning, state)
}

func TestStateStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s, err := NewStateStore(ctx, openTestDB(t))
	require.NoError(t, err)
	s.WithClock(func() time.Time { return now })

	require.NoError(t, s.Record(ctx, StateRunning, StatePaused, "operator:alice"))
	require.NoError(t, s.Record(ctx, StatePaused, StateStopped, "operator:alice"))

	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, state)

	hist, err := s.History(ctx, 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	// Newest first.
	assert.Equal(t, StateStopped, hist[0].To)
	assert.Equal(t, "operator:alice", hist[0].TriggeredBy)
	assert.True(t, hist[0].Timestamp.Equal(now))
	assert.Equal(t, StatePaused, hist[1].To)
}

func TestStateStoreHistoryLimit(t *testing.T) {
	ctx := context.Background()
	s, err := NewStateStore(ctx, openTestDB(t))
	require.NoError(t, err)

	require.NoError(t, s.Record(ctx, StateRunning, StatePaused, "a"))
	require.NoError(t, s.Record(ctx, StatePaused, StateRunning, "b"))
	require.NoError(t, s.Record(ctx, StateRunning, StatePaused, "c"))

	hist, err := s.History(ctx, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "c", hist[0].TriggeredBy)
}
