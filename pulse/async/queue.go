package async

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/raid"
)

const (
	// SubscriberChannelBufferSize is the buffer size for subscriber channels
	SubscriberChannelBufferSize = 100

	// DefaultPerPage is the page size of List when none is given
	DefaultPerPage = 25
)

// GuildLookup resolves guilds for the enqueue checks and queue listings.
type GuildLookup interface {
	Guild(ctx context.Context, id int64) (raid.Guild, error)
}

// Queue is the persistent job queue. All state changes go through the
// JobItem transition methods and are written back before subscribers hear
// about them.
type Queue struct {
	db          *sql.DB
	store       *Store
	guilds      GuildLookup
	now         func() time.Time
	mu          sync.RWMutex
	subscribers []chan JobItem
}

// NewQueue creates a queue on a migrated database. guilds may be nil, which
// skips the unresolvable-guild check.
func NewQueue(db *sql.DB, guilds GuildLookup) *Queue {
	return &Queue{
		db:     db,
		store:  NewStore(db),
		guilds: guilds,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Store exposes the underlying job store.
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue adds work for a guild. An active item for the same (guild, kind)
// is returned unchanged; a completed or failed one is reset to pending with
// the new priority. The boolean reports whether the queue changed.
func (q *Queue) Enqueue(ctx context.Context, guildID int64, kind Kind, priority int) (*JobItem, bool, error) {
	if kind.NeedsResolvableGuild() && q.guilds != nil {
		g, err := q.guilds.Guild(ctx, guildID)
		if err != nil {
			return nil, false, errors.Wrapf(err, "enqueue %s", kind)
		}
		if g.Unresolvable {
			return nil, false, errors.WithDetail(
				errors.Wrapf(ErrUnresolvableGuild, "cannot enqueue %s for %s", kind, g),
				fmt.Sprintf("Reason: %s", g.UnresolvableReason))
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	existing, err := q.store.Find(ctx, guildID, kind)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		job := NewJobItem(guildID, kind, priority, now)
		if err := q.store.Insert(ctx, job); err != nil {
			return nil, false, err
		}
		q.notifyLocked(job)
		return job, true, nil
	}

	if existing.IsActive() {
		return existing, false, nil
	}
	if err := existing.Requeue(priority, now); err != nil {
		return nil, false, err
	}
	if err := q.store.Update(ctx, existing); err != nil {
		return nil, false, err
	}
	q.notifyLocked(existing)
	return existing, true, nil
}

// Next claims the next runnable item, or returns nil when there is none.
func (q *Queue) Next(ctx context.Context) (*JobItem, error) {
	job, err := q.store.Claim(ctx, q.now())
	if err != nil || job == nil {
		return nil, err
	}
	q.notify(job)
	return job, nil
}

// Get loads an item by id.
func (q *Queue) Get(ctx context.Context, id string) (*JobItem, error) {
	return q.store.Get(ctx, id)
}

// Find returns the item for a (guild, kind), or nil.
func (q *Queue) Find(ctx context.Context, guildID int64, kind Kind) (*JobItem, error) {
	return q.store.Find(ctx, guildID, kind)
}

// Checkpoint persists a running item's progress.
func (q *Queue) Checkpoint(ctx context.Context, job *JobItem) error {
	job.LastActivityAt = q.now()
	return q.save(ctx, job)
}

// Pause parks an item with a reason.
func (q *Queue) Pause(ctx context.Context, job *JobItem, reason PauseReason) error {
	if err := job.Pause(reason, q.now()); err != nil {
		return err
	}
	return q.save(ctx, job)
}

// Resume moves a paused item back to in_progress.
func (q *Queue) Resume(ctx context.Context, job *JobItem) error {
	if err := job.Start(q.now()); err != nil {
		return err
	}
	return q.save(ctx, job)
}

// Complete marks an item done.
func (q *Queue) Complete(ctx context.Context, job *JobItem) error {
	if err := job.Complete(q.now()); err != nil {
		return err
	}
	return q.save(ctx, job)
}

// Fail records a classified failure.
func (q *Queue) Fail(ctx context.Context, job *JobItem, cause error, kind ErrorType) error {
	if err := job.Fail(cause, kind, q.now()); err != nil {
		return err
	}
	return q.save(ctx, job)
}

// ScheduleRetry puts a failed item back in line after a backoff.
func (q *Queue) ScheduleRetry(ctx context.Context, job *JobItem, after time.Duration) error {
	now := q.now()
	if err := job.RetryAt(now.Add(after), now); err != nil {
		return err
	}
	return q.save(ctx, job)
}

// Retry re-queues a failed item right away and restores its automatic retries.
func (q *Queue) Retry(ctx context.Context, id string) (*JobItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := q.now()
	if err := job.RetryAt(now, now); err != nil {
		return nil, err
	}
	job.RetryCount = 0
	if err := q.store.Update(ctx, job); err != nil {
		return nil, err
	}
	q.notifyLocked(job)
	return job, nil
}

// PauseGuild pauses a guild's work: running items stop at their next gate,
// automatically paused items wait for ResumeGuild. Returns the number of
// items affected.
func (q *Queue) PauseGuild(ctx context.Context, guildID int64) (int, error) {
	return q.store.RequestPause(ctx, guildID, q.now())
}

// ResumeGuild lifts manual pauses so Next picks the items up again.
func (q *Queue) ResumeGuild(ctx context.Context, guildID int64) (int, error) {
	return q.store.ClearPause(ctx, guildID, q.now())
}

// PauseRequested reports whether a running item was asked to pause.
func (q *Queue) PauseRequested(ctx context.Context, id string) (bool, error) {
	return q.store.PauseRequested(ctx, id)
}

// Remove deletes an item that is not running.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, id)
}

// Cleanup deletes completed items older than the given age.
func (q *Queue) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.store.DeleteCompletedBefore(ctx, q.now().Add(-olderThan))
}

// RecoverOrphans parks items left in_progress by a previous process so they
// resume ahead of pending work.
func (q *Queue) RecoverOrphans(ctx context.Context) ([]*JobItem, error) {
	orphans, err := q.store.ListByStatus(ctx, StatusInProgress)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list running jobs")
	}
	for _, job := range orphans {
		if err := q.Pause(ctx, job, PauseRecovered); err != nil {
			return nil, errors.Wrapf(err, "failed to recover job %s", job.ID)
		}
	}
	return orphans, nil
}

func (q *Queue) save(ctx context.Context, job *JobItem) error {
	if err := q.store.Update(ctx, job); err != nil {
		return err
	}
	q.notify(job)
	return nil
}

// ListFilter narrows a queue listing. Zero values match everything.
type ListFilter struct {
	Status  Status
	Kind    Kind
	GuildID int64
}

// QueueEntry is one row of a queue listing.
type QueueEntry struct {
	JobItem
	Guild   string
	Realm   string
	Region  string
	Percent float64
}

// ListResult is one page of a queue listing.
type ListResult struct {
	Entries []QueueEntry
	Total   int
	Page    int
	PerPage int
}

// List returns one page of items, running and paused work first, then by
// priority and age. Pages are 1-indexed.
func (q *Queue) List(ctx context.Context, filter ListFilter, page, perPage int) (*ListResult, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = DefaultPerPage
	}

	var (
		where []string
		args  []interface{}
	)
	if filter.Status != "" {
		where = append(where, "j.status = ?")
		args = append(args, filter.Status)
	}
	if filter.Kind != "" {
		where = append(where, "j.kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.GuildID != 0 {
		where = append(where, "j.guild_id = ?")
		args = append(args, filter.GuildID)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	result := &ListResult{Page: page, PerPage: perPage}
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_items j`+clause, args...).Scan(&result.Total); err != nil {
		return nil, errors.Wrap(err, "failed to count jobs")
	}

	rows, err := q.db.QueryContext(ctx, `SELECT `+jobSelectColumns("j.")+`, g.name, g.realm, g.region
		FROM job_items j JOIN guilds g ON g.id = j.guild_id`+clause+`
		ORDER BY CASE j.status
			WHEN 'in_progress' THEN 0
			WHEN 'paused' THEN 1
			WHEN 'pending' THEN 2
			WHEN 'failed' THEN 3
			ELSE 4 END,
			j.priority, j.created_at
		LIMIT ? OFFSET ?`,
		append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e    QueueEntry
			scan jobScanArgs
		)
		targets := append(jobScanTargets(&e.JobItem, &scan), &e.Guild, &e.Realm, &e.Region)
		if err := rows.Scan(targets...); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		scan.apply(&e.JobItem)
		e.Percent = e.JobItem.Percent()
		result.Entries = append(result.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating job listing")
	}
	return result, nil
}

// Stats summarizes the queue.
type Stats struct {
	Pending    int
	InProgress int
	Paused     int
	Completed  int
	Failed     int
	Total      int

	ReportsFetched int
	FightsSaved    int
}

// Stats counts items per state and sums the work done across all items.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(reports_processed), 0), COALESCE(SUM(fights_processed), 0)
		FROM job_items GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query queue stats")
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var (
			status          Status
			count           int
			reports, fights int
		)
		if err := rows.Scan(&status, &count, &reports, &fights); err != nil {
			return nil, errors.Wrap(err, "failed to scan queue stats")
		}
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusInProgress:
			stats.InProgress = count
		case StatusPaused:
			stats.Paused = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
		stats.ReportsFetched += reports
		stats.FightsSaved += fights
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating queue stats")
	}
	return stats, nil
}

// Subscribe returns a channel that receives a snapshot of every item change.
// The caller is responsible for calling Unsubscribe when done.
func (q *Queue) Subscribe() chan JobItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan JobItem, SubscriberChannelBufferSize)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes a subscriber channel from the queue.
// The channel is not closed; the caller owns it.
func (q *Queue) Unsubscribe(ch chan JobItem) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			return
		}
	}
}

func (q *Queue) notify(job *JobItem) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	q.notifyLocked(job)
}

// notifyLocked sends without blocking; a full subscriber misses the update.
func (q *Queue) notifyLocked(job *JobItem) {
	for _, ch := range q.subscribers {
		select {
		case ch <- *job:
		default:
		}
	}
}
