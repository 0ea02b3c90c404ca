package raid

import (
	"sort"
	"time"

	"github.com/teranos/raidpulse/internal/util"
)

// Tolerance bounds how far apart two uploads of the same attempt may drift.
type Tolerance struct {
	Percent  float64       // percentage points, for boss and fight percent
	Duration time.Duration // attempt length
}

// DefaultTolerance is 0.01 percentage points and 100ms.
func DefaultTolerance() Tolerance {
	return Tolerance{Percent: 0.01, Duration: 100 * time.Millisecond}
}

// Same reports whether two attempts are one real attempt logged twice.
func (t Tolerance) Same(a, b Fight) bool {
	return a.EncounterID == b.EncounterID &&
		a.Difficulty == b.Difficulty &&
		a.Kill == b.Kill &&
		util.WithinTolerance(a.BossPct, b.BossPct, t.Percent) &&
		util.WithinTolerance(a.FightPct, b.FightPct, t.Percent) &&
		util.WithinTolerance(float64(a.Duration), float64(b.Duration), float64(t.Duration))
}

// SortFights orders fights by start time, then report code, then fight id.
func SortFights(fights []Fight) {
	sort.SliceStable(fights, func(i, j int) bool {
		a, b := fights[i], fights[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.ReportCode != b.ReportCode {
			return a.ReportCode < b.ReportCode
		}
		return a.FightID < b.FightID
	})
}

// Dedup collapses re-uploads of the same attempt. Within each (encounter,
// difficulty) the earliest attempt is canonical and later attempts within
// tolerance of any canonical one are dropped. The input slice is not modified
// and the result does not depend on input order.
func Dedup(fights []Fight, tol Tolerance) []Fight {
	sorted := append([]Fight(nil), fights...)
	SortFights(sorted)

	type group struct {
		encounter  int
		difficulty Difficulty
	}
	canonical := make(map[group][]Fight)
	seen := make(map[string]bool)

	kept := make([]Fight, 0, len(sorted))
	for _, f := range sorted {
		// the same row twice is always a duplicate
		if seen[f.Key()] {
			continue
		}
		seen[f.Key()] = true

		g := group{f.EncounterID, f.Difficulty}
		dup := false
		for _, c := range canonical[g] {
			if tol.Same(c, f) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		canonical[g] = append(canonical[g], f)
		kept = append(kept, f)
	}
	return kept
}
