package ingest

import (
	"context"
	"time"

	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/logs"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/raid"
)

// FullRescanHandler pages through a guild's whole report history. It starts
// at the item's persisted page, so a paused or recovered item resumes where
// it stopped.
type FullRescanHandler struct {
	p *Pipeline
}

func (h *FullRescanHandler) Kind() async.Kind { return async.KindFullRescan }

func (h *FullRescanHandler) Execute(ctx context.Context, job *async.JobItem, ctl async.Control) error {
	p := h.p
	g, err := p.resolvableGuild(ctx, job.GuildID)
	if err != nil {
		return err
	}
	log := p.logger.With(
		logger.FieldJobID, job.ID,
		logger.FieldGuildID, g.ID,
		logger.FieldGuild, g.String())

	page := job.Progress.CurrentPage
	if page < 1 {
		page = 1
	}
	pageSize := p.api.PageSize()
	emptyPages := 0
	changed := false
	var lastReport *time.Time

	for ; page <= p.cfg.MaxPages; page++ {
		listing, err := gated(ctx, ctl, func() (*logs.ReportPage, error) {
			return p.api.ListReports(ctx, g, page)
		})
		if err != nil {
			return err
		}
		if listing.LastPage > 0 {
			job.Progress.LastPage = listing.LastPage
		}

		fights, err := h.ingestPage(ctx, ctl, g, listing, &lastReport)
		if err != nil {
			return err
		}
		if fights > 0 {
			changed = true
		}

		// Rows are in; only now does the checkpoint move past the page.
		job.Progress.PagesProcessed++
		job.Progress.ReportsProcessed += len(listing.Reports)
		job.Progress.FightsProcessed += fights
		job.Progress.CurrentPage = page + 1
		if err := ctl.Checkpoint(ctx); err != nil {
			return err
		}
		log.Debugw("Report page ingested",
			logger.FieldPage, page,
			logger.FieldReports, len(listing.Reports),
			logger.FieldFights, fights)

		if len(listing.Reports) == 0 {
			emptyPages++
			if emptyPages >= 2 {
				break
			}
			continue
		}
		emptyPages = 0
		if len(listing.Reports) < pageSize || !listing.HasMore {
			break
		}
	}
	if page > p.cfg.MaxPages {
		log.Warnw("Stopped at page cap", logger.FieldPage, p.cfg.MaxPages)
	}

	log.Infow("Full rescan finished",
		"pages", job.Progress.PagesProcessed,
		logger.FieldReports, job.Progress.ReportsProcessed,
		logger.FieldFights, job.Progress.FightsProcessed)

	// A resumed item may have stored fights before the restart
	return p.finishGuild(ctx, g, lastReport, true, changed || job.Progress.FightsProcessed > 0)
}

// ingestPage stores every report of a listing page. Reports that fail for a
// reason local to them are logged and skipped.
func (h *FullRescanHandler) ingestPage(ctx context.Context, ctl async.Control, g raid.Guild, listing *logs.ReportPage, lastReport **time.Time) (int, error) {
	p := h.p
	total := 0
	for _, s := range listing.Reports {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := p.ingestReport(ctx, ctl, g, s.Report, p.trackedCount(s.Encounters))
		if err != nil {
			if !skippable(ctx, err) {
				return total, err
			}
			p.logger.Warnw("Skipping report",
				logger.FieldGuildID, g.ID,
				logger.FieldReportCode, s.Report.Code,
				logger.FieldError, err)
			continue
		}
		total += n
		*lastReport = latest(*lastReport, s.Report.Start)
	}
	return total, nil
}
