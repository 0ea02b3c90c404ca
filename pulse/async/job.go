// Package async holds the persistent job queue and the processor loop that
// drains it. A job item is one unit of ingestion work for one guild; the
// queue keeps at most one item per (guild, kind) and re-queueing resets that
// row in place.
package async

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/raidpulse/errors"
)

// Kind identifies what an item does for its guild.
type Kind string

const (
	KindFullRescan       Kind = "full_rescan"
	KindUpdate           Kind = "update"
	KindRescanDeaths     Kind = "rescan_deaths"
	KindRescanCharacters Kind = "rescan_characters"
)

// Kinds lists every job kind in a stable order.
var Kinds = []Kind{KindFullRescan, KindUpdate, KindRescanDeaths, KindRescanCharacters}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", errors.NewInvalidRequestError("unknown job kind %q", s)
}

// NeedsResolvableGuild reports whether the kind talks to the log API by guild
// name. Rescans walk reports already stored and are allowed for unresolvable guilds.
func (k Kind) NeedsResolvableGuild() bool {
	return k == KindFullRescan || k == KindUpdate
}

// Status is the lifecycle state of an item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusPaused, StatusCompleted, StatusFailed}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	for _, st := range Statuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", errors.NewInvalidRequestError("unknown job status %q", s)
}

// PauseReason records why an item is paused. Only manual pauses wait for an
// explicit resume; the others are picked up by Next ahead of pending work.
type PauseReason string

const (
	PauseManual      PauseReason = "manual"
	PauseRateLimited PauseReason = "rate_limited"
	PauseShutdown    PauseReason = "shutdown"
	PauseRecovered   PauseReason = "recovered"
)

// ErrInvalidTransition is returned for any lifecycle edge the queue does not allow.
var ErrInvalidTransition = errors.New("invalid job transition")

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:     {StatusInProgress},
	StatusFailed:     {StatusPending},
	StatusCompleted:  {StatusPending},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Progress counts the work done by an item. CurrentPage is the next listing
// page a full rescan will fetch; LastPage is zero until the API reports it.
type Progress struct {
	PagesProcessed   int
	ReportsProcessed int
	FightsProcessed  int
	CurrentPage      int
	LastPage         int
}

// JobItem is one queued unit of work for one guild.
type JobItem struct {
	ID       string
	GuildID  int64
	Kind     Kind
	Status   Status
	Priority int // lower runs first
	Progress Progress

	ErrorCount     int
	RetryCount     int
	LastError      string
	ErrorType      ErrorType
	PauseReason    PauseReason
	PauseRequested bool
	NextAttemptAt  *time.Time

	CreatedAt      time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	LastActivityAt time.Time
}

// NewJobItem creates a pending item.
func NewJobItem(guildID int64, kind Kind, priority int, now time.Time) *JobItem {
	return &JobItem{
		ID:             uuid.NewString(),
		GuildID:        guildID,
		Kind:           kind,
		Status:         StatusPending,
		Priority:       priority,
		Progress:       Progress{CurrentPage: 1},
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// transition moves the item to a new status, or fails with ErrInvalidTransition.
func (j *JobItem) transition(to Status, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return errors.Wrapf(ErrInvalidTransition, "%s → %s (job %s)", j.Status, to, j.ID)
	}
	j.Status = to
	j.LastActivityAt = now
	return nil
}

// Start claims the item for execution.
func (j *JobItem) Start(now time.Time) error {
	if err := j.transition(StatusInProgress, now); err != nil {
		return err
	}
	if j.StartedAt == nil {
		j.StartedAt = &now
	}
	j.PauseReason = ""
	j.PauseRequested = false
	j.NextAttemptAt = nil
	return nil
}

// Pause parks a running item. Pausing an already paused item only updates the reason.
func (j *JobItem) Pause(reason PauseReason, now time.Time) error {
	if j.Status != StatusPaused {
		if err := j.transition(StatusPaused, now); err != nil {
			return err
		}
	}
	j.PauseReason = reason
	j.PauseRequested = false
	j.LastActivityAt = now
	return nil
}

// Complete marks the item done.
func (j *JobItem) Complete(now time.Time) error {
	if err := j.transition(StatusCompleted, now); err != nil {
		return err
	}
	j.CompletedAt = &now
	j.PauseReason = ""
	return nil
}

// Fail records a failure and its classification.
func (j *JobItem) Fail(err error, kind ErrorType, now time.Time) error {
	if terr := j.transition(StatusFailed, now); terr != nil {
		return terr
	}
	j.ErrorCount++
	j.LastError = fmt.Sprint(err)
	j.ErrorType = kind
	j.CompletedAt = &now
	return nil
}

// RetryAt puts a failed item back in line, not before at. Progress is kept so a
// full rescan continues from its persisted page.
func (j *JobItem) RetryAt(at, now time.Time) error {
	if j.Status != StatusFailed {
		return errors.Wrapf(ErrInvalidTransition, "retry of %s job %s", j.Status, j.ID)
	}
	if err := j.transition(StatusPending, now); err != nil {
		return err
	}
	j.RetryCount++
	j.CompletedAt = nil
	if at.After(now) {
		j.NextAttemptAt = &at
	} else {
		j.NextAttemptAt = nil
	}
	return nil
}

// Requeue resets a finished item to a fresh pending one: counters, errors,
// retries and priority all start over.
func (j *JobItem) Requeue(priority int, now time.Time) error {
	if err := j.transition(StatusPending, now); err != nil {
		return err
	}
	j.Priority = priority
	j.Progress = Progress{CurrentPage: 1}
	j.ErrorCount = 0
	j.RetryCount = 0
	j.LastError = ""
	j.ErrorType = ""
	j.PauseReason = ""
	j.PauseRequested = false
	j.NextAttemptAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.CreatedAt = now
	return nil
}

// IsActive reports whether the item is still pending, running or paused.
func (j *JobItem) IsActive() bool {
	return j.Status == StatusPending || j.Status == StatusInProgress || j.Status == StatusPaused
}

// Percent estimates completion in [0, 100]. Only full rescans know their
// page count; other kinds report 0 until completed.
func (j *JobItem) Percent() float64 {
	if j.Status == StatusCompleted {
		return 100
	}
	if j.Progress.LastPage <= 0 {
		return 0
	}
	pct := float64(j.Progress.CurrentPage-1) / float64(j.Progress.LastPage) * 100
	switch {
	case pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}
