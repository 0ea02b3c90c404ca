// Package schedule runs the periodic refresh sweep and holds the debouncer
// that coalesces ranking recomputes.
package schedule

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/sym"
)

// GuildLister lists the guild roster.
type GuildLister interface {
	ListGuilds(ctx context.Context) ([]raid.Guild, error)
}

// SweeperConfig configures the refresh sweep
type SweeperConfig struct {
	Cron     string // five-field cron expression, see am.CronParser
	Priority int    // priority of the enqueued update items
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Enqueued int // new or re-queued update items
	Active   int // guilds whose update item was still active
	Skipped  int // unresolvable guilds or guilds without a first full rescan
	Failed   int
}

// Sweeper periodically enqueues an update item for every guild that has
// finished its initial full rescan. Fire times come from a cron expression.
type Sweeper struct {
	guilds   GuildLister
	queue    *async.Queue
	schedule cron.Schedule
	expr     string
	priority int
	now      func() time.Time
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	pulseLog *zap.SugaredLogger

	mu              sync.Mutex
	lastSweepAt     time.Time
	nextSweepAt     time.Time
	sweepsSinceBoot int64
	lastActiveWork  int
}

// NewSweeper parses the cron expression and creates a sweeper.
func NewSweeper(guilds GuildLister, queue *async.Queue, cfg SweeperConfig, log *zap.SugaredLogger) (*Sweeper, error) {
	return NewSweeperWithContext(context.Background(), guilds, queue, cfg, log)
}

// NewSweeperWithContext creates a sweeper stopped by cancelling ctx or by Stop.
func NewSweeperWithContext(ctx context.Context, guilds GuildLister, queue *async.Queue, cfg SweeperConfig, log *zap.SugaredLogger) (*Sweeper, error) {
	sched, err := am.CronParser.Parse(cfg.Cron)
	if err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "invalid refresh cron %q", cfg.Cron),
			"pulse.refresh_cron takes five fields, e.g. \"*/15 * * * *\"")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	sweepCtx, cancel := context.WithCancel(ctx)
	return &Sweeper{
		guilds:   guilds,
		queue:    queue,
		schedule: sched,
		expr:     cfg.Cron,
		priority: cfg.Priority,
		now:      time.Now,
		ctx:      sweepCtx,
		cancel:   cancel,
		pulseLog: logger.AddPulseSymbol(log.Named("sweep")),
	}, nil
}

// Start begins the sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.pulseLog.Infow("Refresh sweep started", "cron", s.expr)
}

// Stop stops the loop and waits for a running sweep to finish
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
	s.pulseLog.Infow("Refresh sweep stopped")
}

// Run blocks until ctx is cancelled, sweeping at every fire time.
func (s *Sweeper) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()
	s.Start()
	<-s.ctx.Done()
	s.Stop()
	return nil
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	for {
		now := s.now()
		next := s.schedule.Next(now)
		s.mu.Lock()
		s.nextSweepAt = next
		s.mu.Unlock()

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		res, err := s.Sweep(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.pulseLog.Warnw("Refresh sweep error", logger.FieldError, err)
			continue
		}
		s.logActivity(res)
	}
}

// Sweep enqueues the update items once, now.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	guilds, err := s.guilds.ListGuilds(ctx)
	if err != nil {
		return res, errors.Wrap(err, "failed to list guilds for refresh sweep")
	}

	for _, g := range guilds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if g.Unresolvable || !g.InitialFetchDone {
			res.Skipped++
			continue
		}

		_, created, err := s.queue.Enqueue(ctx, g.ID, async.KindUpdate, s.priority)
		switch {
		case err != nil:
			res.Failed++
			s.pulseLog.Errorw("Failed to enqueue update",
				logger.FieldGuildID, g.ID,
				logger.FieldGuild, g.String(),
				logger.FieldError, err)
		case created:
			res.Enqueued++
		default:
			res.Active++
		}
	}

	s.mu.Lock()
	s.lastSweepAt = s.now()
	s.sweepsSinceBoot++
	s.mu.Unlock()
	return res, nil
}

// logActivity logs the sweep with one pulse symbol per five active items,
// but only when the amount of active work changed since the last sweep.
func (s *Sweeper) logActivity(res SweepResult) {
	stats, err := s.queue.Stats(s.ctx)
	if err != nil {
		s.pulseLog.Warnw("Failed to get queue stats", logger.FieldError, err)
		stats = &async.Stats{}
	}
	activeWork := stats.Pending + stats.InProgress + stats.Paused

	s.mu.Lock()
	changed := activeWork != s.lastActiveWork
	s.lastActiveWork = activeWork
	s.mu.Unlock()
	next := s.schedule.Next(s.now())

	if !changed && res.Enqueued == 0 {
		return
	}

	indicator := ""
	if activeWork > 0 {
		n := activeWork/5 + 1
		if n > 60 {
			n = 60
		}
		indicator = strings.TrimSpace(strings.Repeat(sym.Pulse+" ", n)) + " "
	}
	s.pulseLog.Infow(fmt.Sprintf("%sRefresh sweep enqueued %d updates, %d items active", indicator, res.Enqueued, activeWork),
		logger.FieldCount, res.Enqueued,
		"already_active", res.Active,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"next_sweep_at", next.Format(time.RFC3339))
}

// SweeperStats is a snapshot of the sweep loop.
type SweeperStats struct {
	Cron        string
	LastSweepAt time.Time
	NextSweepAt time.Time
	Sweeps      int64
}

// Stats returns sweep statistics
func (s *Sweeper) Stats() SweeperStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.nextSweepAt
	if next.IsZero() {
		next = s.schedule.Next(s.now())
	}
	return SweeperStats{
		Cron:        s.expr,
		LastSweepAt: s.lastSweepAt,
		NextSweepAt: next,
		Sweeps:      s.sweepsSinceBoot,
	}
}
