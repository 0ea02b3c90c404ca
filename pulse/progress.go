// Package pulse relays job queue changes to whoever watches a running daemon.
package pulse

import (
	"context"

	"github.com/teranos/raidpulse/pulse/async"
)

// ProgressEmitter receives job lifecycle events. Implementations decide how
// to show them (terminal lines, logs); they must not block for long, the
// relay drops updates while they run.
type ProgressEmitter interface {
	// EmitStage announces a job that was claimed or resumed
	EmitStage(job async.JobItem)

	// EmitProgress announces a checkpoint of a running job
	EmitProgress(job async.JobItem)

	// EmitComplete announces a finished job
	EmitComplete(job async.JobItem)

	// EmitError announces a failed job, retried later or not
	EmitError(job async.JobItem)

	// EmitPaused announces a job parked at its checkpoint
	EmitPaused(job async.JobItem)
}

// Relay turns item snapshots from a queue subscription into emitter calls
// until ctx is cancelled. Queued items are not reported. The caller owns the
// subscription.
func Relay(ctx context.Context, updates <-chan async.JobItem, e ProgressEmitter) {
	last := make(map[string]async.Status)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-updates:
			relayOne(last, job, e)
		}
	}
}

func relayOne(last map[string]async.Status, job async.JobItem, e ProgressEmitter) {
	prev, seen := last[job.ID]
	last[job.ID] = job.Status

	switch job.Status {
	case async.StatusInProgress:
		if seen && prev == async.StatusInProgress {
			e.EmitProgress(job)
		} else {
			e.EmitStage(job)
		}
	case async.StatusCompleted:
		e.EmitComplete(job)
		delete(last, job.ID)
	case async.StatusFailed:
		e.EmitError(job)
	case async.StatusPaused:
		e.EmitPaused(job)
	case async.StatusPending:
		// A scheduled retry shows up as pending with an error recorded
		if job.LastError != "" && prev == async.StatusInProgress {
			e.EmitError(job)
		}
	}
}
