package ranking

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/raidpulse/errors"
	"github.com/teranos/raidpulse/logger"
	"github.com/teranos/raidpulse/pulse/schedule"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/stats"
)

// Store is the persistence a ranking pass reads and writes.
type Store interface {
	Standings(ctx context.Context, raidID int, d raid.Difficulty) ([]raid.Standing, error)
	SetRanks(ctx context.Context, raidID int, d raid.Difficulty, ranks map[int64]int) error
}

// Runner serializes ranking passes and coalesces requests for the same table
// that arrive within the debounce period.
type Runner struct {
	store  Store
	logger *zap.SugaredLogger

	runMu sync.Mutex // one pass at a time

	mu      sync.Mutex
	pending map[stats.Key]bool
	ctx     context.Context

	debouncer *schedule.Debouncer
}

// NewRunner creates a Runner. debounce of zero runs each request right away
// on a timer goroutine.
func NewRunner(store Store, debounce time.Duration, log *zap.SugaredLogger) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	r := &Runner{
		store:   store,
		logger:  logger.AddRankSymbol(log.Named("ranking")),
		pending: make(map[stats.Key]bool),
		ctx:     context.Background(),
	}
	r.debouncer = schedule.NewDebouncer(debounce, func() {
		r.mu.Lock()
		ctx := r.ctx
		r.mu.Unlock()
		r.runPending(ctx)
	})
	return r
}

// Start binds debounced passes to ctx.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()
}

// Request schedules a pass for each table.
func (r *Runner) Request(keys ...stats.Key) {
	if len(keys) == 0 {
		return
	}
	r.mu.Lock()
	for _, k := range keys {
		r.pending[k] = true
	}
	r.mu.Unlock()
	r.debouncer.Trigger()
}

// Pending lists tables waiting for a pass.
func (r *Runner) Pending() []stats.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.pending)
}

// Stop cancels the debounce timer and runs whatever is still pending with ctx.
func (r *Runner) Stop(ctx context.Context) {
	r.debouncer.Stop()
	r.runPending(ctx)
}

func (r *Runner) runPending(ctx context.Context) {
	r.mu.Lock()
	keys := sortedKeys(r.pending)
	r.pending = make(map[stats.Key]bool)
	r.mu.Unlock()

	for _, k := range keys {
		if ctx.Err() != nil {
			// Put the rest back for the next pass
			r.mu.Lock()
			r.pending[k] = true
			r.mu.Unlock()
			continue
		}
		if _, err := r.Run(ctx, k); err != nil {
			r.logger.Errorw("Ranking pass failed",
				logger.FieldRaidID, k.RaidID,
				logger.FieldDifficulty, k.Difficulty.String(),
				logger.FieldError, err.Error())
		}
	}
}

// Run ranks one table now and persists the result.
func (r *Runner) Run(ctx context.Context, k stats.Key) ([]Placement, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	standings, err := r.store.Standings(ctx, k.RaidID, k.Difficulty)
	if err != nil {
		return nil, errors.Wrapf(err, "load standings for raid %d %s", k.RaidID, k.Difficulty)
	}

	placements := Calculate(standings)
	ranks := make(map[int64]int, len(placements))
	for _, p := range placements {
		ranks[p.GuildID] = p.Rank
	}
	if err := r.store.SetRanks(ctx, k.RaidID, k.Difficulty, ranks); err != nil {
		return nil, errors.Wrapf(err, "store ranks for raid %d %s", k.RaidID, k.Difficulty)
	}

	r.logger.Infow("Ranking pass complete",
		logger.FieldRaidID, k.RaidID,
		logger.FieldDifficulty, k.Difficulty.String(),
		"guilds", len(standings),
		"ranked", len(placements),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return placements, nil
}

func sortedKeys(m map[stats.Key]bool) []stats.Key {
	keys := make([]stats.Key, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].RaidID != keys[j].RaidID {
			return keys[i].RaidID < keys[j].RaidID
		}
		return keys[i].Difficulty < keys[j].Difficulty
	})
	return keys
}
