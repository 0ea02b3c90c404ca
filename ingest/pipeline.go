// Package ingest fetches guild reports from the log API, keeps the attempts
// of tracked encounters and persists them. It provides the job handlers the
// pulse processor runs for every job kind.
package ingest

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/logs"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/stats"
	"github.com/teranos/raidpulse/storage"
)

// maxRateLimitRetries bounds how often one call is re-issued after the API
// refused it for budget reasons. Each retry first waits at the gate.
const maxRateLimitRetries = 5

// LogAPI is the part of the log API client the pipeline uses.
type LogAPI interface {
	PageSize() int
	ListReports(ctx context.Context, g raid.Guild, page int) (*logs.ReportPage, error)
	Report(ctx context.Context, guildID int64, code string) (*logs.ReportDetail, error)
	Deaths(ctx context.Context, code string, fightIDs []int) (map[int][]raid.Death, error)
	Players(ctx context.Context, guildID int64, code string) ([]raid.Character, error)
}

// Store is the persistence the pipeline writes to.
type Store interface {
	Guild(ctx context.Context, id int64) (raid.Guild, error)
	MarkFetched(ctx context.Context, id int64, at time.Time, lastReport *time.Time, initial bool) error
	UpsertReport(ctx context.Context, r raid.Report) error
	Report(ctx context.Context, code string) (*raid.Report, error)
	Reports(ctx context.Context, guildID int64, limit int) ([]raid.Report, error)
	StoredFightCount(ctx context.Context, code string) (int, error)
	InsertFights(ctx context.Context, fights []raid.Fight) (int, error)
	AttachDeaths(ctx context.Context, code string, fightIDs []int, deaths map[int][]raid.Death) error
	Fights(ctx context.Context, q storage.FightQuery) ([]raid.Fight, error)
	UpsertCharacters(ctx context.Context, chars []raid.Character) error
}

// Recomputer rebuilds a guild's progress.
type Recomputer interface {
	Recompute(ctx context.Context, guildID int64) ([]stats.Key, error)
}

// RankRequester schedules ranking passes.
type RankRequester interface {
	Request(keys ...stats.Key)
}

// ScheduleRefresher re-infers a guild's raid schedule.
type ScheduleRefresher interface {
	Refresh(ctx context.Context, guildID int64) ([]raid.ScheduleSlot, error)
}

// Enqueuer queues follow-up items for a guild.
type Enqueuer interface {
	Enqueue(ctx context.Context, guildID int64, kind async.Kind, priority int) (*async.JobItem, bool, error)
}

// Config tunes the pipeline.
type Config struct {
	MaxPages          int
	UpdateReports     int
	LiveWindow        time.Duration
	MissingFightRatio float64
}

// ConfigFromAM maps the ingest section of the configuration.
func ConfigFromAM(c am.IngestConfig) Config {
	return Config{
		MaxPages:          c.MaxPages,
		UpdateReports:     c.UpdateReports,
		LiveWindow:        c.LiveWindow,
		MissingFightRatio: c.MissingFightRatio,
	}
}

// Pipeline holds what the handlers share. The derived-stat hooks are
// optional; their failures are logged and never undo ingestion.
type Pipeline struct {
	api     LogAPI
	store   Store
	tracked *raid.TrackedHolder
	cfg     Config
	logger  *zap.SugaredLogger
	now     func() time.Time

	progress  Recomputer
	rankings  RankRequester
	schedules ScheduleRefresher

	followUps        Enqueuer
	followUpPriority int
}

// NewPipeline creates a Pipeline.
func NewPipeline(api LogAPI, store Store, tracked *raid.TrackedHolder, cfg Config, log *zap.SugaredLogger) *Pipeline {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 200
	}
	if cfg.UpdateReports <= 0 {
		cfg.UpdateReports = 10
	}
	if cfg.MissingFightRatio <= 0 {
		cfg.MissingFightRatio = 0.9
	}
	return &Pipeline{
		api:     api,
		store:   store,
		tracked: tracked,
		cfg:     cfg,
		logger:  logger.AddIXSymbol(log.Named("ingest")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithDerived sets the hooks that run after a guild's fights changed.
func (p *Pipeline) WithDerived(progress Recomputer, rankings RankRequester, schedules ScheduleRefresher) *Pipeline {
	p.progress, p.rankings, p.schedules = progress, rankings, schedules
	return p
}

// WithFollowUps lets ingestion that stored new fights queue a death rescan
// for the guild, so the new attempts get their death events.
func (p *Pipeline) WithFollowUps(q Enqueuer, priority int) *Pipeline {
	p.followUps, p.followUpPriority = q, priority
	return p
}

// Register adds a handler for every job kind to the registry.
func (p *Pipeline) Register(r *async.HandlerRegistry) {
	r.Register(&FullRescanHandler{p: p})
	r.Register(&UpdateHandler{p: p})
	r.Register(&DeathRescanHandler{p: p})
	r.Register(&CharacterRescanHandler{p: p})
}

// resolvableGuild loads the guild of an item that needs the log API to find it.
func (p *Pipeline) resolvableGuild(ctx context.Context, id int64) (raid.Guild, error) {
	g, err := p.store.Guild(ctx, id)
	if err != nil {
		return raid.Guild{}, err
	}
	if g.Unresolvable {
		return raid.Guild{}, errors.WithDetailf(async.ErrUnresolvableGuild, "Guild: %s (%s)", g, g.UnresolvableReason)
	}
	return g, nil
}

// gated passes the gate and runs call. A call refused by the API for budget
// reasons goes back through the gate, which waits out the reset.
func gated[T any](ctx context.Context, ctl async.Control, call func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		if err := ctl.Gate(ctx); err != nil {
			return zero, err
		}
		out, err := call()
		var rl *logs.RateLimitError
		if err != nil && errors.As(err, &rl) && attempt < maxRateLimitRetries {
			continue
		}
		return out, err
	}
}

// skippable reports whether a per-report failure can be logged and passed
// over. Storage, network, budget and cancellation failures abort the item.
func skippable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, async.ErrYield) {
		return false
	}
	if errors.Is(err, logs.ErrReportNotFound) {
		return true
	}
	return async.Classify(err) == async.ErrorUnknown
}

// ingestReport fetches a report's attempts and stores the tracked ones, the
// report row first. listedFights is the tracked attempt count from the
// listing, or -1 when unknown. Returns the number of new fight rows.
func (p *Pipeline) ingestReport(ctx context.Context, ctl async.Control, g raid.Guild, report raid.Report, listedFights int) (int, error) {
	set := p.tracked.Current()
	report.GuildID = g.ID
	report.LastSeenAt = p.now()

	if listedFights == 0 {
		// Nothing tracked in it; keep the row so updates know the report.
		report.FightCount = 0
		return 0, p.store.UpsertReport(ctx, report)
	}

	detail, err := gated(ctx, ctl, func() (*logs.ReportDetail, error) {
		return p.api.Report(ctx, g.ID, report.Code)
	})
	if err != nil {
		return 0, err
	}

	fights := set.Filter(detail.Fights)
	stored := detail.Report
	stored.GuildID = g.ID
	stored.LastSeenAt = report.LastSeenAt
	if stored.Start.IsZero() {
		stored.Start = report.Start
	}
	stored.FightCount = len(fights)
	if listedFights > stored.FightCount {
		stored.FightCount = listedFights
	}

	if err := p.store.UpsertReport(ctx, stored); err != nil {
		return 0, err
	}
	inserted, err := p.store.InsertFights(ctx, fights)
	if err != nil {
		return 0, err
	}
	if detail.Skipped > 0 {
		p.logger.Debugw("Dropped malformed attempts",
			logger.FieldReportCode, report.Code,
			logger.FieldCount, detail.Skipped)
	}
	return inserted, nil
}

// trackedCount counts the listed attempts that belong to tracked encounters.
func (p *Pipeline) trackedCount(encounters []int) int {
	set := p.tracked.Current()
	n := 0
	for _, id := range encounters {
		if id != 0 && set.Tracks(id) {
			n++
		}
	}
	return n
}

// finishGuild records the fetch, refreshes derived stats and queues the
// death rescan for fights stored without deaths.
func (p *Pipeline) finishGuild(ctx context.Context, g raid.Guild, lastReport *time.Time, initial, changed bool) error {
	if err := p.store.MarkFetched(ctx, g.ID, p.now(), lastReport, initial); err != nil {
		return err
	}
	if changed {
		p.refreshDerived(ctx, g)
		p.queueDeaths(ctx, g)
	}
	return nil
}

func (p *Pipeline) queueDeaths(ctx context.Context, g raid.Guild) {
	if p.followUps == nil {
		return
	}
	log := p.logger.With(logger.FieldGuildID, g.ID, logger.FieldGuild, g.String())
	job, created, err := p.followUps.Enqueue(ctx, g.ID, async.KindRescanDeaths, p.followUpPriority)
	if err != nil {
		log.Warnw("Failed to queue death rescan after ingestion", logger.FieldError, err)
		return
	}
	if created {
		log.Debugw("Queued death rescan", logger.FieldJobID, job.ID)
	}
}

func (p *Pipeline) refreshDerived(ctx context.Context, g raid.Guild) {
	log := p.logger.With(logger.FieldGuildID, g.ID, logger.FieldGuild, g.String())

	if p.progress != nil {
		keys, err := p.progress.Recompute(ctx, g.ID)
		if err != nil {
			log.Warnw("Progress recompute failed after ingestion", logger.FieldError, err)
		}
		if p.rankings != nil && len(keys) > 0 {
			p.rankings.Request(keys...)
		}
	}
	if p.schedules != nil {
		if _, err := p.schedules.Refresh(ctx, g.ID); err != nil {
			log.Warnw("Schedule inference failed after ingestion", logger.FieldError, err)
		}
	}
}

func latest(cur *time.Time, t time.Time) *time.Time {
	if t.IsZero() || (cur != nil && !t.After(*cur)) {
		return cur
	}
	return &t
}
