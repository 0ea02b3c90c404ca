package async

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/teranos/raidpulse/errors"
)

// Store persists job items in the job_items table.
type Store struct {
	db *sql.DB
}

// NewStore creates a job store on a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert adds a new item. A second item for the same (guild, kind) is
// rejected with ErrConflict.
func (s *Store) Insert(ctx context.Context, job *JobItem) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO job_items (
			id, guild_id, kind, status, priority,
			current_page, created_at, last_activity_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (guild_id, kind) DO NOTHING`,
		job.ID, job.GuildID, job.Kind, job.Status, job.Priority,
		job.Progress.CurrentPage, job.CreatedAt.UTC(), job.LastActivityAt.UTC(),
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to insert job"),
			fmt.Sprintf("Guild ID: %d, kind: %s", job.GuildID, job.Kind))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrConflict, "job for guild %d kind %s already exists", job.GuildID, job.Kind)
	}
	return nil
}

// Get loads an item by id.
func (s *Store) Get(ctx context.Context, id string) (*JobItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobSelectColumns("")+` FROM job_items WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job")
	}
	return job, nil
}

// Find returns the item for a (guild, kind), or nil when there is none.
func (s *Store) Find(ctx context.Context, guildID int64, kind Kind) (*JobItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobSelectColumns("")+`
		FROM job_items WHERE guild_id = ? AND kind = ?`, guildID, kind)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to find job")
	}
	return job, nil
}

// Update writes the item back. The pause request flag is owned by
// RequestPause while an item runs or waits, so it is only written for other
// states.
func (s *Store) Update(ctx context.Context, job *JobItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_items SET
			status = ?,
			priority = ?,
			pages_processed = ?,
			reports_processed = ?,
			fights_processed = ?,
			current_page = ?,
			last_page = ?,
			error_count = ?,
			retry_count = ?,
			last_error = ?,
			error_type = ?,
			pause_reason = ?,
			pause_requested = CASE WHEN ? IN ('in_progress', 'pending') THEN pause_requested ELSE ? END,
			next_attempt_at = ?,
			created_at = ?,
			started_at = ?,
			completed_at = ?,
			last_activity_at = ?
		WHERE id = ?`,
		job.Status,
		job.Priority,
		job.Progress.PagesProcessed,
		job.Progress.ReportsProcessed,
		job.Progress.FightsProcessed,
		job.Progress.CurrentPage,
		nullInt(job.Progress.LastPage),
		job.ErrorCount,
		job.RetryCount,
		nullString(job.LastError),
		nullString(string(job.ErrorType)),
		nullString(string(job.PauseReason)),
		job.Status, job.PauseRequested,
		nullTime(job.NextAttemptAt),
		job.CreatedAt.UTC(),
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.LastActivityAt.UTC(),
		job.ID,
	)
	if err != nil {
		return errors.WithDetail(errors.Wrap(err, "failed to update job"), fmt.Sprintf("Job ID: %s", job.ID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job %s", job.ID)
	}
	return nil
}

// Delete removes an item unless it is running.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_items WHERE id = ? AND status != 'in_progress'`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		job, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		return errors.Wrapf(errors.ErrConflict, "job %s is %s", id, job.Status)
	}
	return nil
}

// ListByStatus returns items in one state, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]*JobItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobSelectColumns("")+`
		FROM job_items WHERE status = ? ORDER BY created_at`, status)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()
	return scanJobs(rows, string(status)+" jobs")
}

func scanJobs(rows *sql.Rows, what string) ([]*JobItem, error) {
	var jobs []*JobItem
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(err, "error iterating %s", what)
	}
	return jobs, nil
}

// Claim selects the next runnable item and moves it to in_progress in one
// transaction. Items paused for any reason but manual go first, then pending
// items by priority and age whose next attempt is due and whose guild was not
// paused. Returns nil when nothing is runnable.
func (s *Store) Claim(ctx context.Context, now time.Time) (*JobItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin claim")
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobSelectColumns("")+`
		FROM job_items
		WHERE status = 'paused' AND COALESCE(pause_reason, '') != 'manual'
		ORDER BY priority, created_at
		LIMIT 1`))
	if errors.Is(err, sql.ErrNoRows) {
		job, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobSelectColumns("")+`
			FROM job_items
			WHERE status = 'pending' AND pause_requested = 0
				AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
			ORDER BY priority, created_at
			LIMIT 1`, now.UTC()))
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to select next job")
	}

	from := job.Status
	if err := job.Start(now); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE job_items SET
			status = ?, started_at = ?, pause_reason = NULL, pause_requested = 0,
			next_attempt_at = NULL, last_activity_at = ?
		WHERE id = ? AND status = ?`,
		job.Status, nullTime(job.StartedAt), job.LastActivityAt.UTC(), job.ID, from)
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit claim")
	}
	return job, nil
}

// RequestPause flags the guild's running items to pause at their next gate,
// holds its pending items back from Claim and moves its automatically paused
// items to a manual pause.
func (s *Store) RequestPause(ctx context.Context, guildID int64, now time.Time) (int, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE job_items SET pause_requested = 1
			WHERE guild_id = ? AND status IN ('in_progress', 'pending')`, guildID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		affected += n

		res, err = tx.ExecContext(ctx, `UPDATE job_items SET pause_reason = 'manual', last_activity_at = ?
			WHERE guild_id = ? AND status = 'paused'`, now.UTC(), guildID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		affected += n
		return nil
	})
	if err != nil {
		return 0, errors.WithDetail(errors.Wrap(err, "failed to pause guild jobs"), fmt.Sprintf("Guild ID: %d", guildID))
	}
	return int(affected), nil
}

// ClearPause lifts manual pauses and outstanding pause requests of a guild.
func (s *Store) ClearPause(ctx context.Context, guildID int64, now time.Time) (int, error) {
	var affected int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE job_items SET pause_reason = NULL, last_activity_at = ?
			WHERE guild_id = ? AND status = 'paused' AND pause_reason = 'manual'`, now.UTC(), guildID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		affected += n

		res, err = tx.ExecContext(ctx, `UPDATE job_items SET pause_requested = 0
			WHERE guild_id = ? AND pause_requested = 1`, guildID)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		affected += n
		return nil
	})
	if err != nil {
		return 0, errors.WithDetail(errors.Wrap(err, "failed to resume guild jobs"), fmt.Sprintf("Guild ID: %d", guildID))
	}
	return int(affected), nil
}

// PauseRequested reports whether a pause was requested for a running item.
func (s *Store) PauseRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx, `SELECT pause_requested FROM job_items WHERE id = ?`, id).Scan(&requested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, errors.NewNotFoundError("job %s", id)
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to read pause request")
	}
	return requested, nil
}

// DeleteCompletedBefore removes completed items finished before the cutoff.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_items
		WHERE status = 'completed' AND completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup completed jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(n), nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
