package commands

import (
	"context"
	"database/sql"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/ingest"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/logs"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/pulse/budget"
	"github.com/teranos/raidpulse/pulse/schedule"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/ranking"
	"github.com/teranos/raidpulse/sessions"
	"github.com/teranos/raidpulse/stats"
	"github.com/teranos/raidpulse/storage"
)

// engine is every component of one raidpulse process, wired together.
type engine struct {
	cfg       *am.Config
	db        *sql.DB
	store     *storage.Store
	queue     *async.Queue
	tracked   *raid.TrackedHolder
	budget    *budget.Coordinator
	api       *logs.Client
	progress  *stats.Service
	ranks     *ranking.Runner
	schedules *sessions.Service
	registry  *async.HandlerRegistry
	processor *async.Processor
	sweeper   *schedule.Sweeper // nil when the refresh cron is empty
	logger    *zap.SugaredLogger
}

// openEngine loads the configuration, opens the database and builds the
// components. The budget is seeded from the spend ledger so a restart does
// not forget calls made in the last hour.
func openEngine(ctx context.Context, dbPath string) (*engine, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	database, err := openDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	e := &engine{cfg: cfg, db: database, logger: logger.Logger}
	if err := e.wire(ctx); err != nil {
		database.Close()
		return nil, err
	}
	return e, nil
}

func (e *engine) wire(ctx context.Context) error {
	cfg, log := e.cfg, e.logger

	raids, err := raid.RaidsFromConfig(cfg.Raids)
	if err != nil {
		return errors.Wrap(err, "invalid tracked raids")
	}
	e.tracked = raid.NewTrackedHolder(raid.NewTrackedSet(raids))
	e.store = storage.New(e.db)
	e.queue = async.NewQueue(e.db, e.store)

	e.budget = budget.NewCoordinator(budget.Config{
		HourlyPoints: cfg.Pulse.HourlyPoints,
		SafetyRatio:  cfg.Pulse.SafetyRatio,
		ResetSlack:   cfg.Pulse.ResetSlack,
	}, budget.NewStore(e.db), log)
	if err := e.budget.Seed(ctx); err != nil {
		log.Warnw("Failed to seed rate limit budget from ledger", logger.FieldError, err)
	}

	e.api = logs.New(logs.ConfigFromAM(cfg.Logs), e.budget, log)
	e.progress = stats.NewService(e.store, e.tracked, raid.Tolerance{
		Percent:  cfg.Dedup.PercentTolerance,
		Duration: cfg.Dedup.DurationTolerance,
	}, log)
	e.ranks = ranking.NewRunner(e.store, cfg.Ranking.Debounce, log)
	e.schedules = sessions.NewService(e.store, e.tracked, cfg.Schedule, log)

	e.registry = async.NewHandlerRegistry()
	ingest.NewPipeline(e.api, e.store, e.tracked, ingest.ConfigFromAM(cfg.Ingest), log).
		WithDerived(e.progress, e.ranks, e.schedules).
		WithFollowUps(e.queue, cfg.Pulse.UpdatePriority).
		Register(e.registry)

	e.processor = async.NewProcessor(e.queue, e.registry, e.budget, e.store, async.ProcessorConfig{
		PollInterval: cfg.Pulse.PollInterval,
		MaxRetries:   cfg.Pulse.MaxRetries,
		RetryBackoff: cfg.Pulse.RetryBackoff,
	}, log)

	if cfg.Pulse.RefreshCron != "" {
		e.sweeper, err = schedule.NewSweeper(e.store, e.queue, schedule.SweeperConfig{
			Cron:     cfg.Pulse.RefreshCron,
			Priority: cfg.Pulse.UpdatePriority,
		}, log)
		if err != nil {
			return err
		}
	}
	return nil
}

// applyConfig swaps in the tracked raid list of a reloaded configuration and
// rebuilds every guild's progress against it, purging raids no longer tracked.
func (e *engine) applyConfig(ctx context.Context, cfg *am.Config) error {
	raids, err := raid.RaidsFromConfig(cfg.Raids)
	if err != nil {
		return errors.Wrap(err, "reloaded raids rejected")
	}
	e.tracked.Set(raid.NewTrackedSet(raids))
	e.logger.Infow("Tracked raids reloaded", logger.FieldCount, len(raids))

	guilds, err := e.store.ListGuilds(ctx)
	if err != nil {
		return err
	}
	for _, g := range guilds {
		keys, err := e.progress.Recompute(ctx, g.ID)
		if err != nil {
			e.logger.Warnw("Progress recompute failed after reload",
				logger.FieldGuildID, g.ID, logger.FieldError, err)
			continue
		}
		e.ranks.Request(keys...)
	}
	return nil
}

func (e *engine) Close() error {
	return e.db.Close()
}
