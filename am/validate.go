package am

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/raidpulse/am/geotime"
	"github.com/teranos/raidpulse/errors"
)

// RegionTimezone as schedule.timezone infers each guild's schedule in the
// conventional timezone of its server region.
const RegionTimezone = "region"

// CronParser parses the five-field refresh expressions used by pulse.refresh_cron
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Logs.PageSize <= 0 {
		return errors.Newf("logs.page_size must be > 0, got %d", c.Logs.PageSize)
	}
	if c.Logs.RequestsPerSecond <= 0 {
		return errors.Newf("logs.requests_per_second must be > 0, got %f", c.Logs.RequestsPerSecond)
	}
	if c.Logs.Timeout <= 0 {
		return errors.Newf("logs.timeout must be > 0, got %s", c.Logs.Timeout)
	}

	if c.Pulse.PollInterval <= 0 {
		return errors.Newf("pulse.poll_interval must be > 0, got %s", c.Pulse.PollInterval)
	}
	if c.Pulse.MaxRetries < 0 {
		return errors.Newf("pulse.max_retries must be >= 0, got %d", c.Pulse.MaxRetries)
	}
	if c.Pulse.SafetyRatio <= 0 || c.Pulse.SafetyRatio > 1 {
		return errors.Newf("pulse.safety_ratio must be in (0, 1], got %f", c.Pulse.SafetyRatio)
	}
	if c.Pulse.HourlyPoints <= 0 {
		return errors.Newf("pulse.hourly_points must be > 0, got %f", c.Pulse.HourlyPoints)
	}
	if c.Pulse.RefreshCron != "" {
		if _, err := CronParser.Parse(c.Pulse.RefreshCron); err != nil {
			return errors.Wrapf(err, "pulse.refresh_cron %q", c.Pulse.RefreshCron)
		}
	}

	if c.Ingest.MaxPages <= 0 {
		return errors.Newf("ingest.max_pages must be > 0, got %d", c.Ingest.MaxPages)
	}
	if c.Ingest.UpdateReports <= 0 {
		return errors.Newf("ingest.update_reports must be > 0, got %d", c.Ingest.UpdateReports)
	}
	if c.Ingest.MissingFightRatio < 0 || c.Ingest.MissingFightRatio > 1 {
		return errors.Newf("ingest.missing_fight_ratio must be in [0, 1], got %f", c.Ingest.MissingFightRatio)
	}
	if c.Ingest.LiveWindow < 0 {
		return errors.Newf("ingest.live_window must be >= 0, got %s", c.Ingest.LiveWindow)
	}

	if c.Dedup.PercentTolerance < 0 {
		return errors.Newf("dedup.percent_tolerance must be >= 0, got %f", c.Dedup.PercentTolerance)
	}
	if c.Dedup.DurationTolerance < 0 {
		return errors.Newf("dedup.duration_tolerance must be >= 0, got %s", c.Dedup.DurationTolerance)
	}

	if c.Schedule.Timezone != RegionTimezone {
		if _, err := geotime.Location(c.Schedule.Timezone); err != nil {
			return errors.Wrap(err, "schedule.timezone")
		}
	}
	if c.Schedule.RelativeThreshold < 0 || c.Schedule.RelativeThreshold > 1 {
		return errors.Newf("schedule.relative_threshold must be in [0, 1], got %f", c.Schedule.RelativeThreshold)
	}

	return c.validateRaids()
}

func (c *Config) validateRaids() error {
	raidIDs := make(map[int]bool)
	bossOwner := make(map[int]int)
	for _, r := range c.Raids {
		if r.ID <= 0 {
			return errors.Newf("raids: id must be > 0 (raid %q)", r.Name)
		}
		if raidIDs[r.ID] {
			return errors.Newf("raids: duplicate raid id %d", r.ID)
		}
		raidIDs[r.ID] = true

		if len(r.Bosses) == 0 {
			return errors.Newf("raids.%d: at least one boss is required", r.ID)
		}
		for _, b := range r.Bosses {
			if b.ID <= 0 {
				return errors.Newf("raids.%d: boss id must be > 0 (boss %q)", r.ID, b.Name)
			}
			if owner, ok := bossOwner[b.ID]; ok {
				return errors.Newf("raids.%d: boss %d already tracked by raid %d", r.ID, b.ID, owner)
			}
			bossOwner[b.ID] = r.ID
		}

		for _, d := range r.Difficulties {
			switch strings.ToLower(d) {
			case "normal", "heroic", "mythic":
			default:
				return errors.Newf("raids.%d: unknown difficulty %q", r.ID, d)
			}
		}

		for region, w := range r.Windows {
			if _, _, err := w.Bounds(); err != nil {
				return errors.Wrapf(err, "raids.%d.windows.%s", r.ID, region)
			}
		}
	}
	return nil
}

// Bounds parses the window dates. End is exclusive: the day after the
// configured end date. A zero end means the window is still open.
func (w WindowConfig) Bounds() (start, end time.Time, err error) {
	if w.Start == "" {
		return time.Time{}, time.Time{}, errors.New("start date is required")
	}
	start, err = time.Parse(time.DateOnly, w.Start)
	if err != nil {
		return time.Time{}, time.Time{}, errors.Wrapf(err, "start %q", w.Start)
	}
	if w.End != "" {
		end, err = time.Parse(time.DateOnly, w.End)
		if err != nil {
			return time.Time{}, time.Time{}, errors.Wrapf(err, "end %q", w.End)
		}
		if end.Before(start) {
			return time.Time{}, time.Time{}, errors.Newf("end %s before start %s", w.End, w.Start)
		}
		end = end.AddDate(0, 0, 1)
	}
	return start, end, nil
}

// Window returns the current-content window of the raid for a region, if configured
func (r RaidConfig) Window(region string) (WindowConfig, bool) {
	w, ok := r.Windows[strings.ToLower(region)]
	return w, ok
}
