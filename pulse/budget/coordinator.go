// Package budget coordinates spending of the log API's hourly point budget.
//
// The API reports its own accounting on most responses (Observe). Between
// reports, and when it reports nothing, spending is tracked locally in a
// sliding one-hour window (Record) that survives restarts through the
// api_usage ledger.
package budget

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/logger"
)

// Window is the budget period of the log API.
const Window = time.Hour

// Source of the numbers behind a Status.
const (
	SourceAPI   = "api"
	SourceLocal = "local"
)

// Config bounds spending.
type Config struct {
	HourlyPoints float64       // budget assumed when the API has not reported one
	SafetyRatio  float64       // stop at this share of the budget
	ResetSlack   time.Duration // extra wait past the reported reset
}

// Status is a snapshot of the budget.
type Status struct {
	Limit     float64
	Spent     float64
	Source    string
	ResetIn   time.Duration
	Exhausted bool // the API refused a call and the refusal window is open
	Waiting   bool // a caller is blocked in WaitForReset
}

// Remaining is the budget left before the safety ratio is hit.
func (s Status) Remaining(ratio float64) float64 {
	r := s.Limit*ratio - s.Spent
	if r < 0 {
		return 0
	}
	return r
}

type spend struct {
	at     time.Time
	points float64
}

// Ledger persists spending so the sliding window survives restarts.
type Ledger interface {
	Record(ctx context.Context, operation string, points float64, at time.Time) error
	Since(ctx context.Context, since time.Time) ([]Spend, error)
}

// Coordinator decides whether a billed call may proceed, and makes callers
// wait out the budget window when it may not.
type Coordinator struct {
	cfg    Config
	ledger Ledger
	logger *zap.SugaredLogger

	mu             sync.Mutex
	spends         []spend
	apiLimit       float64
	apiSpent       float64
	apiResetAt     time.Time
	exhaustedUntil time.Time
	waiting        bool
	onPause        []func(Status)
	onResume       []func(Status)

	// Injectable for testing
	timeNow func() time.Time
	after   func(time.Duration) <-chan time.Time
}

// NewCoordinator creates a Coordinator with real time. ledger may be nil.
func NewCoordinator(cfg Config, ledger Ledger, log *zap.SugaredLogger) *Coordinator {
	return NewCoordinatorWithClock(cfg, ledger, log, time.Now)
}

// NewCoordinatorWithClock creates a Coordinator with an injectable clock.
func NewCoordinatorWithClock(cfg Config, ledger Ledger, log *zap.SugaredLogger, timeNow func() time.Time) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.SafetyRatio <= 0 || cfg.SafetyRatio > 1 {
		cfg.SafetyRatio = 1
	}
	return &Coordinator{
		cfg:     cfg,
		ledger:  ledger,
		logger:  logger.AddPulseSymbol(log.Named("budget")),
		timeNow: timeNow,
		after:   time.After,
	}
}

// Seed loads the last hour of spending from the ledger.
func (c *Coordinator) Seed(ctx context.Context) error {
	if c.ledger == nil {
		return nil
	}
	now := c.timeNow()
	recent, err := c.ledger.Since(ctx, now.Add(-Window))
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.spends = c.spends[:0]
	for _, s := range recent {
		c.spends = append(c.spends, spend{at: s.At, points: s.Points})
	}
	return nil
}

// OnPause registers a callback run when a caller starts waiting for reset.
func (c *Coordinator) OnPause(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPause = append(c.onPause, fn)
}

// OnResume registers a callback run when the wait is over.
func (c *Coordinator) OnResume(fn func(Status)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onResume = append(c.onResume, fn)
}

// CanProceed reports whether a billed call fits under the safety margin.
func (c *Coordinator) CanProceed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.timeNow()
	if now.Before(c.exhaustedUntil) {
		return false
	}
	limit, spent, _ := c.budgetLocked(now)
	return spent < limit*c.cfg.SafetyRatio
}

// Record accounts points spent by one call locally and in the ledger.
func (c *Coordinator) Record(ctx context.Context, operation string, points float64) {
	if points <= 0 {
		return
	}
	now := c.timeNow()
	c.mu.Lock()
	c.spends = append(c.spends, spend{at: now, points: points})
	if now.Before(c.apiResetAt) {
		// Keep the API figure current until its next report
		c.apiSpent += points
	}
	c.mu.Unlock()

	if c.ledger != nil {
		if err := c.ledger.Record(ctx, operation, points, now); err != nil {
			c.logger.Warnw("Failed to persist API usage", "operation", operation, logger.FieldError, err.Error())
		}
	}
}

// Observe absorbs the budget the API reported on a response.
func (c *Coordinator) Observe(limit, spent float64, resetIn time.Duration) {
	if limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiLimit = limit
	c.apiSpent = spent
	c.apiResetAt = c.timeNow().Add(resetIn)
}

// Exhaust opens a refusal window after the API answered "too many requests".
func (c *Coordinator) Exhaust(resetIn time.Duration) {
	if resetIn <= 0 {
		resetIn = time.Minute
	}
	c.mu.Lock()
	until := c.timeNow().Add(resetIn)
	if until.After(c.exhaustedUntil) {
		c.exhaustedUntil = until
	}
	c.mu.Unlock()
	c.logger.Warnw("Log API budget exhausted", logger.FieldResetIn, resetIn.String())
}

// WaitForReset blocks until the budget window has rolled over. The wait is
// bounded by the reset time plus slack, and never exceeds one full window.
func (c *Coordinator) WaitForReset(ctx context.Context) error {
	c.mu.Lock()
	c.waiting = true
	status := c.statusLocked(c.timeNow())
	pause := append([]func(Status){}, c.onPause...)
	c.mu.Unlock()

	wait := status.ResetIn + c.cfg.ResetSlack
	if max := Window + c.cfg.ResetSlack; wait > max {
		wait = max
	}
	c.logger.Infow("Waiting for API budget reset",
		"spent", status.Spent,
		"limit", status.Limit,
		"source", status.Source,
		"wait", wait.Round(time.Second).String())
	for _, fn := range pause {
		fn(status)
	}

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case <-c.after(wait):
	}

	c.mu.Lock()
	c.waiting = false
	now := c.timeNow()
	if err == nil && !now.Before(c.apiResetAt) {
		c.apiSpent = 0
	}
	status = c.statusLocked(now)
	resume := append([]func(Status){}, c.onResume...)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	for _, fn := range resume {
		fn(status)
	}
	return nil
}

// Status returns a snapshot of the budget.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked(c.timeNow())
}

// budgetLocked prefers the API's own figures while they are current.
// Must be called with lock held.
func (c *Coordinator) budgetLocked(now time.Time) (limit, spent float64, source string) {
	c.removeExpiredLocked(now)
	if c.apiLimit > 0 && now.Before(c.apiResetAt) {
		return c.apiLimit, c.apiSpent, SourceAPI
	}
	for _, s := range c.spends {
		spent += s.points
	}
	return c.cfg.HourlyPoints, spent, SourceLocal
}

func (c *Coordinator) statusLocked(now time.Time) Status {
	limit, spent, source := c.budgetLocked(now)
	st := Status{Limit: limit, Spent: spent, Source: source, Waiting: c.waiting}

	switch {
	case now.Before(c.exhaustedUntil):
		st.Exhausted = true
		st.ResetIn = c.exhaustedUntil.Sub(now)
	case source == SourceAPI:
		st.ResetIn = c.apiResetAt.Sub(now)
	case len(c.spends) > 0:
		// The oldest spend leaves the window first
		st.ResetIn = c.spends[0].at.Add(Window).Sub(now)
	}
	if st.ResetIn < 0 {
		st.ResetIn = 0
	}
	return st
}

// removeExpiredLocked drops spends outside the sliding window.
// Must be called with lock held.
func (c *Coordinator) removeExpiredLocked(now time.Time) {
	cutoff := now.Add(-Window)
	expired := 0
	for _, s := range c.spends {
		if !s.at.After(cutoff) {
			expired++
		} else {
			break
		}
	}
	c.spends = c.spends[expired:]
}
