package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	rptest "github.com/teranos/raidpulse/internal/testing"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/storage"
)

func newTestSweeper(t *testing.T, cron string) (*Sweeper, *async.Queue, *storage.Store) {
	t.Helper()
	db := rptest.CreateTestDB(t)
	st := storage.New(db)
	q := async.NewQueue(db, st)
	s, err := NewSweeper(st, q, SweeperConfig{Cron: cron, Priority: 50}, zap.NewNop().Sugar())
	require.NoError(t, err)
	return s, q, st
}

func TestSweepEnqueuesUpdatesForFetchedGuilds(t *testing.T) {
	ctx := context.Background()
	s, q, st := newTestSweeper(t, "*/15 * * * *")
	now := time.Date(2025, 3, 5, 18, 0, 0, 0, time.UTC)

	fetched, _, err := st.AddGuild(ctx, "Echo", "Tarren Mill", "eu")
	require.NoError(t, err)
	require.NoError(t, st.MarkFetched(ctx, fetched.ID, now, nil, true))

	fresh, _, err := st.AddGuild(ctx, "Liquid", "Illidan", "us")
	require.NoError(t, err)

	lost, _, err := st.AddGuild(ctx, "Nobody", "Draenor", "eu")
	require.NoError(t, err)
	require.NoError(t, st.MarkFetched(ctx, lost.ID, now, nil, true))
	require.NoError(t, st.MarkUnresolvable(ctx, lost.ID, "guild not found"))

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Enqueued: 1, Skipped: 2}, res)

	item, err := q.Find(ctx, fetched.ID, async.KindUpdate)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, 50, item.Priority)
	assert.Equal(t, async.StatusPending, item.Status)

	none, err := q.Find(ctx, fresh.ID, async.KindUpdate)
	require.NoError(t, err)
	assert.Nil(t, none, "guild without a full rescan is left to it")

	res, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Active: 1, Skipped: 2}, res, "pending update is not duplicated")
	assert.EqualValues(t, 2, s.Stats().Sweeps)
}

func TestSweeperRejectsBadCron(t *testing.T) {
	_, err := NewSweeper(nil, nil, SweeperConfig{Cron: "every quarter hour"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid refresh cron")
}

func TestSweeperNextFireTime(t *testing.T) {
	s, _, _ := newTestSweeper(t, "*/15 * * * *")
	s.now = func() time.Time { return time.Date(2025, 3, 5, 18, 7, 30, 0, time.UTC) }
	assert.Equal(t, time.Date(2025, 3, 5, 18, 15, 0, 0, time.UTC), s.Stats().NextSweepAt)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	s, _, _ := newTestSweeper(t, "@every 1h")
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
