package ingest

import (
	"context"
	"time"

	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/logs"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/raid"
)

// UpdateHandler refreshes a guild incrementally: it inspects the most recent
// reports and re-fetches only those that are new or may have changed.
type UpdateHandler struct {
	p *Pipeline
}

func (h *UpdateHandler) Kind() async.Kind { return async.KindUpdate }

// Refetch reasons, logged per report.
const (
	reasonUnknown  = "unknown"
	reasonExtended = "end_advanced"
	reasonLive     = "live"
	reasonMissing  = "missing_fights"
)

func (h *UpdateHandler) Execute(ctx context.Context, job *async.JobItem, ctl async.Control) error {
	p := h.p
	g, err := p.resolvableGuild(ctx, job.GuildID)
	if err != nil {
		return err
	}
	log := p.logger.With(logger.FieldJobID, job.ID, logger.FieldGuildID, g.ID, logger.FieldGuild, g.String())

	recent, err := h.recentReports(ctx, ctl, g)
	if err != nil {
		return err
	}
	job.Progress.LastPage = 1
	job.Progress.CurrentPage = 1

	var (
		lastReport *time.Time
		fetched    int
		fights     int
	)
	for _, s := range recent {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastReport = latest(lastReport, s.Report.Start)

		listed := p.trackedCount(s.Encounters)
		reason, err := h.refetchReason(ctx, s.Report, listed)
		if err != nil {
			return err
		}
		job.Progress.ReportsProcessed++
		if reason == "" {
			continue
		}

		n, err := p.ingestReport(ctx, ctl, g, s.Report, listed)
		if err != nil {
			if !skippable(ctx, err) {
				return err
			}
			log.Warnw("Skipping report", logger.FieldReportCode, s.Report.Code, logger.FieldError, err)
			continue
		}
		fetched++
		fights += n
		job.Progress.FightsProcessed += n
		if err := ctl.Checkpoint(ctx); err != nil {
			return err
		}
		log.Debugw("Report refreshed",
			logger.FieldReportCode, s.Report.Code,
			logger.FieldReason, reason,
			logger.FieldFights, n)
	}

	job.Progress.PagesProcessed = 1
	job.Progress.CurrentPage = 2
	if err := ctl.Checkpoint(ctx); err != nil {
		return err
	}
	log.Infow("Update finished",
		"inspected", len(recent),
		logger.FieldReports, fetched,
		logger.FieldFights, fights)

	return p.finishGuild(ctx, g, lastReport, false, fights > 0)
}

// recentReports lists the newest reports, up to the configured number,
// paging only when a page holds fewer.
func (h *UpdateHandler) recentReports(ctx context.Context, ctl async.Control, g raid.Guild) ([]logs.ReportSummary, error) {
	p := h.p
	var out []logs.ReportSummary
	for page := 1; len(out) < p.cfg.UpdateReports && page <= p.cfg.MaxPages; page++ {
		listing, err := gated(ctx, ctl, func() (*logs.ReportPage, error) {
			return p.api.ListReports(ctx, g, page)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, listing.Reports...)
		if len(listing.Reports) == 0 || !listing.HasMore {
			break
		}
	}
	if len(out) > p.cfg.UpdateReports {
		out = out[:p.cfg.UpdateReports]
	}
	return out, nil
}

// refetchReason decides whether a listed report must be fetched again and
// why. An empty reason leaves the stored copy alone.
func (h *UpdateHandler) refetchReason(ctx context.Context, listed raid.Report, listedFights int) (string, error) {
	p := h.p
	stored, err := p.store.Report(ctx, listed.Code)
	if err != nil {
		return "", err
	}
	switch {
	case stored == nil:
		return reasonUnknown, nil
	case listed.End.After(stored.End):
		return reasonExtended, nil
	case listed.Ongoing() || p.now().Sub(listed.End) <= p.cfg.LiveWindow:
		return reasonLive, nil
	}

	if listedFights == 0 {
		return "", nil
	}
	have, err := p.store.StoredFightCount(ctx, listed.Code)
	if err != nil {
		return "", err
	}
	if float64(have) < float64(listedFights)*p.cfg.MissingFightRatio {
		return reasonMissing, nil
	}
	return "", nil
}
