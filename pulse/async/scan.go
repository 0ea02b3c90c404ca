package async

import (
	"database/sql"
	"strings"
	"time"
)

// jobScanArgs holds the nullable columns of a job_items row while scanning.
type jobScanArgs struct {
	LastPage      sql.NullInt64
	LastError     sql.NullString
	ErrorType     sql.NullString
	PauseReason   sql.NullString
	NextAttemptAt sql.NullTime
	StartedAt     sql.NullTime
	CompletedAt   sql.NullTime
}

// jobScanTargets returns scan destinations in the order of jobColumns.
func jobScanTargets(job *JobItem, args *jobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.GuildID,
		&job.Kind,
		&job.Status,
		&job.Priority,
		&job.Progress.PagesProcessed,
		&job.Progress.ReportsProcessed,
		&job.Progress.FightsProcessed,
		&job.Progress.CurrentPage,
		&args.LastPage,
		&job.ErrorCount,
		&job.RetryCount,
		&args.LastError,
		&args.ErrorType,
		&args.PauseReason,
		&job.PauseRequested,
		&args.NextAttemptAt,
		&job.CreatedAt,
		&args.StartedAt,
		&args.CompletedAt,
		&job.LastActivityAt,
	}
}

// apply copies the scanned nullable columns onto the item.
func (a *jobScanArgs) apply(job *JobItem) {
	job.Progress.LastPage = int(a.LastPage.Int64)
	job.LastError = a.LastError.String
	job.ErrorType = ErrorType(a.ErrorType.String)
	job.PauseReason = PauseReason(a.PauseReason.String)
	job.NextAttemptAt = nullTimePtr(a.NextAttemptAt)
	job.StartedAt = nullTimePtr(a.StartedAt)
	job.CompletedAt = nullTimePtr(a.CompletedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.LastActivityAt = job.LastActivityAt.UTC()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*JobItem, error) {
	var (
		job  JobItem
		args jobScanArgs
	)
	if err := row.Scan(jobScanTargets(&job, &args)...); err != nil {
		return nil, err
	}
	args.apply(&job)
	return &job, nil
}

var jobColumns = []string{
	"id", "guild_id", "kind", "status", "priority",
	"pages_processed", "reports_processed", "fights_processed", "current_page", "last_page",
	"error_count", "retry_count", "last_error", "error_type",
	"pause_reason", "pause_requested", "next_attempt_at",
	"created_at", "started_at", "completed_at", "last_activity_at",
}

// jobSelectColumns is the column list every job SELECT uses, in scan order.
// The prefix qualifies columns in joins ("j.").
func jobSelectColumns(prefix string) string {
	cols := make([]string, len(jobColumns))
	for i, c := range jobColumns {
		cols[i] = prefix + c
	}
	return strings.Join(cols, ", ")
}

func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}
