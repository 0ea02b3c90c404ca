package raid

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/teranos/raidpulse/am"
	"github.com/teranos/raidpulse/errors"
)

// Boss is one tracked encounter of a raid.
type Boss struct {
	ID   int
	Name string
}

// Window is a raid's current-content range for one region. A zero End is open.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if t.Before(w.Start) {
		return false
	}
	return w.End.IsZero() || t.Before(w.End)
}

// Raid is a raid zone under management with its bosses in raid order.
type Raid struct {
	ID           int
	Name         string
	Bosses       []Boss
	Difficulties []Difficulty
	Windows      map[string]Window
}

// Window returns the current-content window for a region, if known.
func (r Raid) Window(region string) (Window, bool) {
	w, ok := r.Windows[NormalizeRegion(region)]
	return w, ok
}

// BossIndex returns the position of an encounter in raid order, or -1.
func (r Raid) BossIndex(encounterID int) int {
	for i, b := range r.Bosses {
		if b.ID == encounterID {
			return i
		}
	}
	return -1
}

// TrackedSet is the precomputed set of tracked encounter ids.
type TrackedSet struct {
	raids   []Raid
	byBoss  map[int]int // encounter id -> index into raids
	byRaid  map[int]int
	bossIDs []int
}

// NewTrackedSet indexes the given raids by encounter id.
func NewTrackedSet(raids []Raid) *TrackedSet {
	ts := &TrackedSet{
		raids:  raids,
		byBoss: make(map[int]int),
		byRaid: make(map[int]int),
	}
	for i, r := range raids {
		ts.byRaid[r.ID] = i
		for _, b := range r.Bosses {
			ts.byBoss[b.ID] = i
			ts.bossIDs = append(ts.bossIDs, b.ID)
		}
	}
	sort.Ints(ts.bossIDs)
	return ts
}

// Tracks reports whether an encounter belongs to a raid under management.
func (ts *TrackedSet) Tracks(encounterID int) bool {
	_, ok := ts.byBoss[encounterID]
	return ok
}

// Raid looks up a raid by zone id.
func (ts *TrackedSet) Raid(id int) (Raid, bool) {
	i, ok := ts.byRaid[id]
	if !ok {
		return Raid{}, false
	}
	return ts.raids[i], true
}

// Raids returns the tracked raids in configuration order.
func (ts *TrackedSet) Raids() []Raid {
	return ts.raids
}

// EncounterIDs returns every tracked encounter id, ascending.
func (ts *TrackedSet) EncounterIDs() []int {
	return ts.bossIDs
}

// Filter keeps only fights of tracked encounters; trash (encounter 0) never survives.
func (ts *TrackedSet) Filter(fights []Fight) []Fight {
	kept := make([]Fight, 0, len(fights))
	for _, f := range fights {
		if f.EncounterID != 0 && ts.Tracks(f.EncounterID) {
			kept = append(kept, f)
		}
	}
	return kept
}

// RaidsFromConfig converts configured raids into domain raids.
func RaidsFromConfig(cfgs []am.RaidConfig) ([]Raid, error) {
	raids := make([]Raid, 0, len(cfgs))
	for _, c := range cfgs {
		r := Raid{ID: c.ID, Name: c.Name, Windows: make(map[string]Window)}
		for _, b := range c.Bosses {
			r.Bosses = append(r.Bosses, Boss{ID: b.ID, Name: b.Name})
		}
		for _, d := range c.Difficulties {
			diff, err := ParseDifficulty(d)
			if err != nil {
				return nil, errors.Wrapf(err, "raid %d", c.ID)
			}
			r.Difficulties = append(r.Difficulties, diff)
		}
		if len(r.Difficulties) == 0 {
			r.Difficulties = []Difficulty{Mythic}
		}
		for region, w := range c.Windows {
			start, end, err := w.Bounds()
			if err != nil {
				return nil, errors.Wrapf(err, "raid %d window %s", c.ID, region)
			}
			r.Windows[strings.ToLower(region)] = Window{Start: start, End: end}
		}
		raids = append(raids, r)
	}
	return raids, nil
}

// TrackedHolder shares the current TrackedSet between components and swaps it
// when the raid configuration is reloaded.
type TrackedHolder struct {
	p atomic.Pointer[TrackedSet]
}

// NewTrackedHolder returns a holder seeded with ts.
func NewTrackedHolder(ts *TrackedSet) *TrackedHolder {
	h := &TrackedHolder{}
	h.p.Store(ts)
	return h
}

// Current returns the active set.
func (h *TrackedHolder) Current() *TrackedSet {
	return h.p.Load()
}

// Set replaces the active set.
func (h *TrackedHolder) Set(ts *TrackedSet) {
	h.p.Store(ts)
}
