package sessions

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/am/geotime"
	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/storage"
)

// DefaultTimezone is used when the configured zone is per region and the
// guild's region has no known zone.
const DefaultTimezone = "Europe/Helsinki"

// Store is the persistence the service needs.
type Store interface {
	Guild(ctx context.Context, id int64) (raid.Guild, error)
	Fights(ctx context.Context, q storage.FightQuery) ([]raid.Fight, error)
	ReplaceSchedule(ctx context.Context, guildID int64, slots []raid.ScheduleSlot, at time.Time) error
}

// Service recomputes and stores guild schedules.
type Service struct {
	store   Store
	tracked *raid.TrackedHolder
	cfg     am.ScheduleConfig
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewService creates a Service.
func NewService(store Store, tracked *raid.TrackedHolder, cfg am.ScheduleConfig, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:   store,
		tracked: tracked,
		cfg:     cfg,
		logger:  logger.AddScheduleSymbol(log.Named("sessions")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Refresh infers the guild's schedule from its fights in the current raid and
// replaces the stored one.
func (s *Service) Refresh(ctx context.Context, guildID int64) ([]raid.ScheduleSlot, error) {
	g, err := s.store.Guild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	r, ok := CurrentRaid(s.tracked.Current().Raids(), g.Region, s.now())
	if !ok {
		return nil, nil
	}

	loc, err := s.location(g.Region)
	if err != nil {
		return nil, err
	}

	q := storage.FightQuery{GuildID: g.ID}
	for _, b := range r.Bosses {
		q.EncounterIDs = append(q.EncounterIDs, b.ID)
	}
	if w, ok := r.Window(g.Region); ok {
		q.Since, q.Until = w.Start, w.End
	}
	fights, err := s.store.Fights(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "load fights for schedule")
	}

	sessions := FromFights(fights)
	slots := Infer(sessions, Config{
		Location:          loc,
		RelativeThreshold: s.cfg.RelativeThreshold,
		MinOccurrences:    s.cfg.MinOccurrences,
	})
	if err := s.store.ReplaceSchedule(ctx, g.ID, slots, s.now()); err != nil {
		return nil, err
	}

	s.logger.Debugw("Schedule inferred",
		logger.FieldGuildID, g.ID,
		logger.FieldRaidID, r.ID,
		"sessions", len(sessions),
		"slots", len(slots),
		"timezone", loc.String())
	return slots, nil
}

func (s *Service) location(region string) (*time.Location, error) {
	tz := s.cfg.Timezone
	if tz == "" {
		tz = DefaultTimezone
	}
	if tz == am.RegionTimezone {
		tz = geotime.RegionTimezone(region, DefaultTimezone)
	}
	return geotime.Location(tz)
}

// CurrentRaid picks the raid whose window for the region contains now, or
// the last configured raid when none does.
func CurrentRaid(raids []raid.Raid, region string, now time.Time) (raid.Raid, bool) {
	if len(raids) == 0 {
		return raid.Raid{}, false
	}
	for _, r := range raids {
		if w, ok := r.Window(region); ok && w.Contains(now) {
			return r, true
		}
	}
	return raids[len(raids)-1], true
}
