package ingest

import (
	"context"

	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/storage"
)

// DeathRescanHandler attaches death events to stored attempts that have
// none yet, one report at a time. Unresolvable guilds are allowed: it only
// reads reports already known by code.
type DeathRescanHandler struct {
	p *Pipeline
}

func (h *DeathRescanHandler) Kind() async.Kind { return async.KindRescanDeaths }

func (h *DeathRescanHandler) Execute(ctx context.Context, job *async.JobItem, ctl async.Control) error {
	p := h.p
	fights, err := p.store.Fights(ctx, storage.FightQuery{
		GuildID:      job.GuildID,
		EncounterIDs: p.tracked.Current().EncounterIDs(),
		MissingDeath: true,
	})
	if err != nil {
		return err
	}
	codes, byReport := groupByReport(fights)
	log := p.logger.With(logger.FieldJobID, job.ID, logger.FieldGuildID, job.GuildID)

	// Reports finished before a pause no longer show up as missing deaths
	if job.Progress.CurrentPage < 1 {
		job.Progress.CurrentPage = 1
	}
	job.Progress.LastPage = job.Progress.CurrentPage - 1 + len(codes)

	for _, code := range codes {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids := byReport[code]
		deaths, err := gated(ctx, ctl, func() (map[int][]raid.Death, error) {
			return p.api.Deaths(ctx, code, ids)
		})
		if err == nil {
			err = p.store.AttachDeaths(ctx, code, ids, deaths)
		}
		if err != nil {
			if !skippable(ctx, err) {
				return err
			}
			log.Warnw("Skipping deaths of report", logger.FieldReportCode, code, logger.FieldError, err)
		} else {
			job.Progress.FightsProcessed += len(ids)
		}

		job.Progress.ReportsProcessed++
		job.Progress.CurrentPage++
		if err := ctl.Checkpoint(ctx); err != nil {
			return err
		}
	}

	log.Infow("Death rescan finished",
		logger.FieldReports, len(codes),
		logger.FieldFights, job.Progress.FightsProcessed)
	return nil
}

// groupByReport groups attempt ids by report, reports in first-seen order.
func groupByReport(fights []raid.Fight) ([]string, map[string][]int) {
	var codes []string
	byReport := make(map[string][]int)
	for _, f := range fights {
		if _, ok := byReport[f.ReportCode]; !ok {
			codes = append(codes, f.ReportCode)
		}
		byReport[f.ReportCode] = append(byReport[f.ReportCode], f.FightID)
	}
	return codes, byReport
}

// CharacterRescanHandler records the players seen in every stored report of
// a guild. It walks the reports newest first and resumes by position.
type CharacterRescanHandler struct {
	p *Pipeline
}

func (h *CharacterRescanHandler) Kind() async.Kind { return async.KindRescanCharacters }

func (h *CharacterRescanHandler) Execute(ctx context.Context, job *async.JobItem, ctl async.Control) error {
	p := h.p
	reports, err := p.store.Reports(ctx, job.GuildID, 0)
	if err != nil {
		return err
	}
	log := p.logger.With(logger.FieldJobID, job.ID, logger.FieldGuildID, job.GuildID)

	if job.Progress.CurrentPage < 1 {
		job.Progress.CurrentPage = 1
	}
	job.Progress.LastPage = len(reports)

	seen := 0
	for i := job.Progress.CurrentPage - 1; i < len(reports); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		code := reports[i].Code
		chars, err := gated(ctx, ctl, func() ([]raid.Character, error) {
			return p.api.Players(ctx, job.GuildID, code)
		})
		if err == nil {
			chars = stampSeen(chars, reports[i])
			if err = p.store.UpsertCharacters(ctx, chars); err == nil {
				seen += len(chars)
			}
		}
		if err != nil {
			if !skippable(ctx, err) {
				return err
			}
			log.Warnw("Skipping players of report", logger.FieldReportCode, code, logger.FieldError, err)
		}

		job.Progress.ReportsProcessed++
		job.Progress.CurrentPage = i + 2
		if err := ctl.Checkpoint(ctx); err != nil {
			return err
		}
	}

	log.Infow("Character rescan finished", logger.FieldReports, len(reports), logger.FieldCount, seen)
	return nil
}

// stampSeen fills the sighting time from the stored report when the API
// gave none.
func stampSeen(chars []raid.Character, r raid.Report) []raid.Character {
	for i := range chars {
		if chars[i].LastSeen.IsZero() {
			chars[i].LastSeen = r.Start
		}
		if chars[i].LastReportCode == "" {
			chars[i].LastReportCode = r.Code
		}
	}
	return chars
}
