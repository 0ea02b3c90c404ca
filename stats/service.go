package stats

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/storage"
)

// Store is the persistence the service needs.
type Store interface {
	Guild(ctx context.Context, id int64) (raid.Guild, error)
	Fights(ctx context.Context, q storage.FightQuery) ([]raid.Fight, error)
	RaidProgress(ctx context.Context, guildID int64, raidID int, d raid.Difficulty) (*raid.RaidProgress, error)
	GuildProgress(ctx context.Context, guildID int64) ([]raid.RaidProgress, error)
	ReplaceRaidProgress(ctx context.Context, p raid.RaidProgress) error
	DeleteRaidProgress(ctx context.Context, guildID int64, raidID int, d raid.Difficulty) error
}

// Key names one ranking table.
type Key struct {
	RaidID     int
	Difficulty raid.Difficulty
}

// Service recomputes and persists a guild's progress after ingestion.
type Service struct {
	store   Store
	tracked *raid.TrackedHolder
	tol     raid.Tolerance
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewService creates a Service reading the tracked raids from holder.
func NewService(store Store, tracked *raid.TrackedHolder, tol raid.Tolerance, log *zap.SugaredLogger) *Service {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Service{
		store:   store,
		tracked: tracked,
		tol:     tol,
		logger:  log.Named("stats"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Recompute rebuilds every tracked raid and difficulty for a guild and
// returns the tables whose ordering may have changed. A failure on one raid is
// logged and the rest still run; the first such error is returned.
func (s *Service) Recompute(ctx context.Context, guildID int64) ([]Key, error) {
	g, err := s.store.Guild(ctx, guildID)
	if err != nil {
		return nil, err
	}
	set := s.tracked.Current()

	var (
		changed  []Key
		firstErr error
	)
	for _, r := range set.Raids() {
		for _, d := range r.Difficulties {
			if err := ctx.Err(); err != nil {
				return changed, err
			}
			affects, err := s.recomputeOne(ctx, g, r, d)
			if err != nil {
				s.logger.Warnw("Progress recompute failed",
					logger.FieldGuildID, guildID,
					logger.FieldRaidID, r.ID,
					logger.FieldDifficulty, d.String(),
					logger.FieldError, err.Error())
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if affects {
				changed = append(changed, Key{RaidID: r.ID, Difficulty: d})
			}
		}
	}

	purged, err := s.purgeUntracked(ctx, guildID, set)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	changed = append(changed, purged...)

	return changed, firstErr
}

func (s *Service) recomputeOne(ctx context.Context, g raid.Guild, r raid.Raid, d raid.Difficulty) (bool, error) {
	q := storage.FightQuery{
		GuildID:      g.ID,
		EncounterIDs: bossIDs(r),
		Difficulty:   d,
	}
	var window *raid.Window
	if w, ok := r.Window(g.Region); ok {
		window = &w
		q.Since, q.Until = w.Start, w.End
	}

	fights, err := s.store.Fights(ctx, q)
	if err != nil {
		return false, err
	}
	existing, err := s.store.RaidProgress(ctx, g.ID, r.ID, d)
	if err != nil {
		return false, err
	}
	if len(fights) == 0 && existing == nil {
		return false, nil
	}

	var before *raid.RaidProgress
	if existing != nil {
		purged := Purge(*existing, r)
		before = &purged
	}

	after := Aggregate(Input{
		GuildID:    g.ID,
		Raid:       r,
		Difficulty: d,
		Fights:     fights,
		Window:     window,
		Tolerance:  s.tol,
		Existing:   before,
		Now:        s.now(),
	})
	if err := s.store.ReplaceRaidProgress(ctx, after); err != nil {
		return false, errors.Wrapf(err, "persist progress for raid %d %s", r.ID, d)
	}

	s.logger.Debugw("Progress recomputed",
		logger.FieldGuildID, g.ID,
		logger.FieldRaidID, r.ID,
		logger.FieldDifficulty, d.String(),
		"bosses_defeated", after.BossesDefeated,
		"total_bosses", after.TotalBosses)

	return AffectsOrdering(before, after), nil
}

// purgeUntracked drops stored progress for raids or difficulties that are no
// longer configured.
func (s *Service) purgeUntracked(ctx context.Context, guildID int64, set *raid.TrackedSet) ([]Key, error) {
	stored, err := s.store.GuildProgress(ctx, guildID)
	if err != nil {
		return nil, err
	}
	var purged []Key
	for _, p := range stored {
		if r, ok := set.Raid(p.RaidID); ok && hasDifficulty(r, p.Difficulty) {
			continue
		}
		if err := s.store.DeleteRaidProgress(ctx, guildID, p.RaidID, p.Difficulty); err != nil {
			return purged, err
		}
		s.logger.Infow("Dropped progress for untracked raid",
			logger.FieldGuildID, guildID,
			logger.FieldRaidID, p.RaidID,
			logger.FieldDifficulty, p.Difficulty.String())
		purged = append(purged, Key{RaidID: p.RaidID, Difficulty: p.Difficulty})
	}
	return purged, nil
}

func bossIDs(r raid.Raid) []int {
	ids := make([]int, len(r.Bosses))
	for i, b := range r.Bosses {
		ids[i] = b.ID
	}
	return ids
}

func hasDifficulty(r raid.Raid, d raid.Difficulty) bool {
	for _, x := range r.Difficulties {
		if x == d {
			return true
		}
	}
	return false
}
