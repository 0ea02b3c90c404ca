package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rptest "github.com/teranos/raidpulse/internal/testing"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// after fires immediately and moves the clock forward by the waited duration
func (m *mockClock) after(d time.Duration) <-chan time.Time {
	m.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- m.Now()
	return ch
}

var t0 = time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC)

func newTestCoordinator(clock *mockClock, ledger Ledger) *Coordinator {
	c := NewCoordinatorWithClock(Config{HourlyPoints: 100, SafetyRatio: 0.95, ResetSlack: 5 * time.Second}, ledger, nil, clock.Now)
	c.after = clock.after
	return c
}

func TestCoordinatorLocalWindow(t *testing.T) {
	ctx := context.Background()
	clock := newMockClock(t0)
	c := newTestCoordinator(clock, nil)

	c.Record(ctx, "reports", 50)
	clock.Advance(30 * time.Minute)
	c.Record(ctx, "fights", 44)
	assert.True(t, c.CanProceed(), "94 < 95")

	c.Record(ctx, "fights", 1)
	assert.False(t, c.CanProceed(), "95 reaches the safety margin")

	st := c.Status()
	assert.Equal(t, SourceLocal, st.Source)
	assert.InDelta(t, 95, st.Spent, 1e-9)
	assert.Equal(t, 30*time.Minute, st.ResetIn, "oldest spend leaves the window first")

	clock.Advance(30 * time.Minute)
	assert.True(t, c.CanProceed(), "first 50 points slid out of the window")
}

func TestCoordinatorPrefersAPIFigures(t *testing.T) {
	clock := newMockClock(t0)
	c := newTestCoordinator(clock, nil)

	c.Observe(3600, 3500, 10*time.Minute)
	assert.False(t, c.CanProceed())
	st := c.Status()
	assert.Equal(t, SourceAPI, st.Source)
	assert.Equal(t, 10*time.Minute, st.ResetIn)

	c.Observe(3600, 100, 10*time.Minute)
	assert.True(t, c.CanProceed())

	// Local calls keep the API figure current until the next report
	c.Record(context.Background(), "reports", 3350)
	assert.False(t, c.CanProceed())

	clock.Advance(11 * time.Minute)
	assert.Equal(t, SourceLocal, c.Status().Source, "stale API figures are ignored")
}

func TestCoordinatorExhaust(t *testing.T) {
	clock := newMockClock(t0)
	c := newTestCoordinator(clock, nil)

	c.Exhaust(2 * time.Minute)
	assert.False(t, c.CanProceed())
	st := c.Status()
	assert.True(t, st.Exhausted)
	assert.Equal(t, 2*time.Minute, st.ResetIn)

	clock.Advance(2 * time.Minute)
	assert.True(t, c.CanProceed())
}

func TestWaitForResetIsBoundedAndNotifies(t *testing.T) {
	clock := newMockClock(t0)
	c := newTestCoordinator(clock, nil)

	var paused, resumed []Status
	c.OnPause(func(s Status) { paused = append(paused, s) })
	c.OnResume(func(s Status) { resumed = append(resumed, s) })

	c.Observe(3600, 3600, 7*time.Minute)
	require.False(t, c.CanProceed())

	require.NoError(t, c.WaitForReset(context.Background()))
	assert.Equal(t, t0.Add(7*time.Minute+5*time.Second), clock.Now(), "waits reset plus slack")
	require.Len(t, paused, 1)
	assert.True(t, paused[0].Waiting)
	require.Len(t, resumed, 1)
	assert.False(t, resumed[0].Waiting)
	assert.True(t, c.CanProceed())

	// Even a far-off reset never waits more than one window
	c.Exhaust(5 * time.Hour)
	start := clock.Now()
	require.NoError(t, c.WaitForReset(context.Background()))
	assert.Equal(t, Window+5*time.Second, clock.Now().Sub(start))
}

func TestWaitForResetHonoursCancellation(t *testing.T) {
	c := NewCoordinator(Config{HourlyPoints: 100, SafetyRatio: 1}, nil, nil)
	c.Exhaust(time.Hour)

	resumed := false
	c.OnResume(func(Status) { resumed = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.WaitForReset(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, resumed)
	assert.False(t, c.Status().Waiting)
}

func TestCoordinatorSeedsFromLedger(t *testing.T) {
	ctx := context.Background()
	store := NewStore(rptest.CreateTestDB(t))
	clock := newMockClock(t0)

	require.NoError(t, store.Record(ctx, "reports", 40, t0.Add(-2*time.Hour)))
	require.NoError(t, store.Record(ctx, "reports", 60, t0.Add(-20*time.Minute)))

	c := newTestCoordinator(clock, store)
	require.NoError(t, c.Seed(ctx))
	assert.InDelta(t, 60, c.Status().Spent, 1e-9)

	c.Record(ctx, "fights", 35)
	assert.False(t, c.CanProceed())

	points, calls, err := store.SpentSince(ctx, t0.Add(-Window))
	require.NoError(t, err)
	assert.InDelta(t, 95, points, 1e-9)
	assert.Equal(t, 2, calls)

	pruned, err := store.Prune(ctx, t0.Add(-Window))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}
