package async

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/pulse/budget"
	"github.com/teranos/raidpulse/sym"
)

// Limiter is the rate limit budget the processor gates external calls on.
type Limiter interface {
	CanProceed() bool
	WaitForReset(ctx context.Context) error
	Status() budget.Status
}

// GuildFlagger marks guilds the log API cannot find.
type GuildFlagger interface {
	MarkUnresolvable(ctx context.Context, id int64, reason string) error
}

// pulseLogger prefixes item lifecycle lines: ✿ when an item is claimed, ❀
// when it leaves the processor. Claims are debug noise; departures are not.
type pulseLogger struct {
	*zap.SugaredLogger
}

func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.PulseClose+" "+msg, keysAndValues...)
}

func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

func (l pulseLogger) with(keysAndValues ...interface{}) pulseLogger {
	return pulseLogger{l.SugaredLogger.With(keysAndValues...)}
}

// ProcessorConfig tunes the processor loop.
type ProcessorConfig struct {
	PollInterval time.Duration // idle wait between queue polls
	MaxRetries   int           // automatic retries of transient failures
	RetryBackoff time.Duration // first retry delay, doubled per retry
	ParkTimeout  time.Duration // budget for parking the current item on shutdown
}

// DefaultProcessorConfig returns production defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		PollInterval: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: time.Minute,
		ParkTimeout:  5 * time.Second,
	}
}

// ProcessorStatus is a snapshot of the processor.
type ProcessorStatus struct {
	Running       bool
	Paused        bool
	JobID         string
	GuildID       int64
	Kind          Kind
	Page          int
	Since         time.Time // when the current item was claimed
	JobsProcessed int
	Budget        *budget.Status
}

// Processor is the single worker that drains the queue. Items run one at a
// time; every externally billed call inside a handler passes through the
// Control gate.
type Processor struct {
	queue    *Queue
	registry *HandlerRegistry
	limiter  Limiter
	guilds   GuildFlagger
	cfg      ProcessorConfig
	logger   pulseLogger
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	paused    bool
	current   *JobItem
	since     time.Time
	processed int
}

// NewProcessor creates a processor. limiter and guilds may be nil.
func NewProcessor(queue *Queue, registry *HandlerRegistry, limiter Limiter, guilds GuildFlagger, cfg ProcessorConfig, log *zap.SugaredLogger) *Processor {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultProcessorConfig().PollInterval
	}
	if cfg.ParkTimeout <= 0 {
		cfg.ParkTimeout = DefaultProcessorConfig().ParkTimeout
	}
	return &Processor{
		queue:    queue,
		registry: registry,
		limiter:  limiter,
		guilds:   guilds,
		cfg:      cfg,
		logger:   pulseLogger{logger.AddPulseSymbol(log.Named("pulse"))},
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run recovers items orphaned by a previous process and then polls the queue
// until ctx is cancelled. A cancelled item is parked with reason shutdown so
// it resumes from its checkpoint on the next start.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("processor already running")
	}
	p.running = true
	p.processed = 0
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	// ✿ Opening: park items a crash left running
	orphans, err := p.queue.RecoverOrphans(ctx)
	if err != nil {
		p.logger.Warnw("Failed to recover orphaned jobs", logger.FieldError, err)
	} else if len(orphans) > 0 {
		p.logger.Starting("Recovered orphaned jobs from previous run", logger.FieldCount, len(orphans))
	}
	p.logger.Pulse("Processor started", "poll_interval", p.cfg.PollInterval)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	// Error backoff state
	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := p.drain(ctx)
		if ctx.Err() != nil {
			p.logger.Closing("Processor stopped")
			return nil
		}
		if err != nil && !errors.Is(err, sql.ErrConnDone) {
			errorCount++
			p.logger.Errorw("Processor error", logger.FieldError, err, "consecutive_errors", errorCount)

			if errorCount >= maxConsecutiveErrors {
				p.logger.Warnw("Processor backing off due to consecutive errors",
					"backoff", backoffDuration,
					"consecutive_errors", errorCount)
				select {
				case <-ctx.Done():
					p.logger.Closing("Processor stopped")
					return nil
				case <-time.After(backoffDuration):
				}
				backoffDuration = min(backoffDuration*2, maxBackoff)
			}
		} else if err == nil {
			if errorCount > 0 {
				p.logger.Infow("Processor recovered from errors", "previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second
		}

		select {
		case <-ctx.Done():
			p.logger.Closing("Processor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// drain processes items until the queue has nothing runnable.
func (p *Processor) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		processed, err := p.ProcessNext(ctx)
		if err != nil || !processed {
			return err
		}
	}
	return nil
}

// ProcessNext claims and runs one item. It reports false when nothing was
// runnable or the processor is paused.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	if ctx.Err() != nil || p.IsPaused() {
		return false, nil
	}

	job, err := p.queue.Next(ctx)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim next job")
	}
	if job == nil {
		return false, nil
	}

	p.setCurrent(job)
	defer p.setCurrent(nil)

	log := p.logger.with(
		logger.FieldJobID, job.ID,
		logger.FieldGuildID, job.GuildID,
		logger.FieldJobKind, job.Kind)

	handler := p.registry.Get(job.Kind)
	if handler == nil {
		return true, p.fail(ctx, job, errors.Newf("no handler registered for kind %s", job.Kind), log)
	}

	started := p.now()
	log.Pulse("Job started", logger.FieldPage, job.Progress.CurrentPage, "retry", job.RetryCount)

	execErr := handler.Execute(ctx, job, &control{p: p, job: job, log: log})
	return true, p.finish(ctx, job, execErr, started, log)
}

func (p *Processor) finish(ctx context.Context, job *JobItem, execErr error, started time.Time, log pulseLogger) error {
	switch {
	case execErr == nil:
		if err := p.queue.Complete(ctx, job); err != nil {
			return errors.Wrapf(err, "failed to complete job %s", job.ID)
		}
		p.countProcessed()
		log.Pulse("Job completed",
			logger.FieldDurationMS, p.now().Sub(started).Milliseconds(),
			logger.FieldReports, job.Progress.ReportsProcessed,
			logger.FieldFights, job.Progress.FightsProcessed)
		return nil

	case errors.Is(execErr, ErrYield):
		if err := p.queue.Pause(ctx, job, PauseManual); err != nil {
			return errors.Wrapf(err, "failed to pause job %s", job.ID)
		}
		log.Pulse("Job paused on request", logger.FieldPage, job.Progress.CurrentPage)
		return nil

	case ctx.Err() != nil:
		// ❀ Closing: the item keeps its checkpoint and resumes first on restart
		parkCtx, cancel := context.WithTimeout(context.Background(), p.cfg.ParkTimeout)
		defer cancel()
		if err := p.queue.Pause(parkCtx, job, PauseShutdown); err != nil {
			log.Errorw("Failed to park job on shutdown", logger.FieldError, err)
			return nil
		}
		log.Closing("Job parked for shutdown", logger.FieldPage, job.Progress.CurrentPage)
		return nil
	}
	return p.fail(ctx, job, execErr, log)
}

// fail records a classified failure, flags the guild on permanent errors and
// schedules an automatic retry for transient ones while retries remain.
func (p *Processor) fail(ctx context.Context, job *JobItem, cause error, log pulseLogger) error {
	kind := Classify(cause)
	if err := p.queue.Fail(ctx, job, cause, kind); err != nil {
		return errors.Wrapf(err, "failed to record failure of job %s", job.ID)
	}
	p.countProcessed()
	log.Errorw("Job failed",
		logger.FieldError, cause,
		logger.FieldErrorType, kind,
		"retry", job.RetryCount)

	if kind.Permanent() {
		if p.guilds != nil {
			if err := p.guilds.MarkUnresolvable(ctx, job.GuildID, cause.Error()); err != nil {
				log.Warnw("Failed to flag guild unresolvable", logger.FieldError, err)
			}
		}
		return nil
	}

	if job.RetryCount >= p.cfg.MaxRetries {
		log.Warnw("Job out of automatic retries", "max_retries", p.cfg.MaxRetries)
		return nil
	}
	delay := p.cfg.RetryBackoff << job.RetryCount
	if err := p.queue.ScheduleRetry(ctx, job, delay); err != nil {
		return errors.Wrapf(err, "failed to schedule retry of job %s", job.ID)
	}
	log.Infow("Job scheduled for retry", "retry", job.RetryCount, "after", delay)
	return nil
}

// Pause stops the processor from claiming new items. The running item, if
// any, finishes normally.
func (p *Processor) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume lets the processor claim items again.
func (p *Processor) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// IsPaused reports whether the processor was paused.
func (p *Processor) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Status returns a snapshot of the processor and the rate limit budget.
func (p *Processor) Status() ProcessorStatus {
	p.mu.Lock()
	st := ProcessorStatus{
		Running:       p.running,
		Paused:        p.paused,
		JobsProcessed: p.processed,
	}
	if p.current != nil {
		st.JobID = p.current.ID
		st.GuildID = p.current.GuildID
		st.Kind = p.current.Kind
		st.Page = p.current.Progress.CurrentPage
		st.Since = p.since
	}
	p.mu.Unlock()

	if p.limiter != nil {
		b := p.limiter.Status()
		st.Budget = &b
	}
	return st
}

func (p *Processor) setCurrent(job *JobItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = job
	p.since = p.now()
}

func (p *Processor) countProcessed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed++
}

// control is the Control handed to a running handler.
type control struct {
	p   *Processor
	job *JobItem
	log pulseLogger
}

func (c *control) Gate(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		requested, err := c.p.queue.PauseRequested(ctx, c.job.ID)
		if err != nil {
			return err
		}
		if requested {
			return ErrYield
		}
		if c.p.limiter == nil || c.p.limiter.CanProceed() {
			return nil
		}

		// Park the item for the wait so status and restarts see it as paused
		if err := c.p.queue.Pause(ctx, c.job, PauseRateLimited); err != nil {
			return err
		}
		st := c.p.limiter.Status()
		c.log.Warnw("Rate limit budget exhausted, job paused",
			logger.FieldPage, c.job.Progress.CurrentPage,
			logger.FieldResetIn, st.ResetIn,
			"spent", st.Spent,
			"limit", st.Limit)

		if err := c.p.limiter.WaitForReset(ctx); err != nil {
			return err
		}

		// A manual pause while waiting wins over resuming
		stored, err := c.p.queue.Get(ctx, c.job.ID)
		if err != nil {
			return err
		}
		if stored.PauseReason == PauseManual {
			return ErrYield
		}
		if err := c.p.queue.Resume(ctx, c.job); err != nil {
			return err
		}
		c.log.Pulse("Rate limit budget reset, job resumed", logger.FieldPage, c.job.Progress.CurrentPage)
	}
}

func (c *control) Checkpoint(ctx context.Context) error {
	return c.p.queue.Checkpoint(ctx, c.job)
}
