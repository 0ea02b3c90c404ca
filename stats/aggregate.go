// Package stats folds persisted fights into per-raid, per-difficulty progress.
package stats

import (
	"sort"
	"time"

	"github.com/teranos/raidpulse/raid"
)

// Input is everything one aggregation pass needs. Aggregate is pure.
type Input struct {
	GuildID    int64
	Raid       raid.Raid
	Difficulty raid.Difficulty
	Fights     []raid.Fight
	Window     *raid.Window // nil includes all time
	Tolerance  raid.Tolerance
	Existing   *raid.RaidProgress // rank is carried over until the next ranking pass
	Now        time.Time
}

// Aggregate builds the guild's RaidProgress from its fights.
func Aggregate(in Input) raid.RaidProgress {
	byBoss := make(map[int][]raid.Fight)
	for _, f := range raid.Dedup(eligible(in), in.Tolerance) {
		byBoss[f.EncounterID] = append(byBoss[f.EncounterID], f)
	}

	progress := raid.RaidProgress{
		GuildID:    in.GuildID,
		RaidID:     in.Raid.ID,
		Difficulty: in.Difficulty,
		UpdatedAt:  in.Now,
	}
	if in.Existing != nil && in.Existing.Rank != nil {
		rank := *in.Existing.Rank
		progress.Rank = &rank
	}

	for i, b := range in.Raid.Bosses {
		progress.Bosses = append(progress.Bosses, foldBoss(b, i, byBoss[b.ID]))
	}
	assignKillOrder(progress.Bosses)

	return progress.Recount()
}

// eligible keeps fights of this raid's bosses at this difficulty inside the window.
func eligible(in Input) []raid.Fight {
	out := make([]raid.Fight, 0, len(in.Fights))
	for _, f := range in.Fights {
		if f.Difficulty != in.Difficulty || in.Raid.BossIndex(f.EncounterID) < 0 {
			continue
		}
		if in.Window != nil && !in.Window.Contains(f.Start) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// foldBoss computes one boss entry. Fights arrive sorted by start time.
func foldBoss(b raid.Boss, position int, fights []raid.Fight) raid.BossProgress {
	bp := raid.BossProgress{
		EncounterID:   b.ID,
		EncounterName: b.Name,
		Position:      position,
		BestPercent:   100,
	}

	var firstKill *raid.Fight
	for i := range fights {
		if fights[i].Kill {
			if firstKill == nil {
				firstKill = &fights[i]
			}
			bp.Kills++
		}
		if bp.EncounterName == "" && fights[i].EncounterName != "" {
			bp.EncounterName = fights[i].EncounterName
		}
	}
	if firstKill != nil {
		bp.FirstKill = &raid.KillRef{
			At:         firstKill.Start,
			ReportCode: firstKill.ReportCode,
			FightID:    firstKill.FightID,
		}
	}

	var best *raid.Fight
	for i := range fights {
		f := &fights[i]
		if firstKill != nil && f.Start.After(firstKill.Start) {
			break
		}
		bp.Pulls++
		bp.TimeSpent += f.Duration
		bp.PullHistory = append(bp.PullHistory, raid.Pull{
			Number:   bp.Pulls,
			FightPct: f.FightPct,
			Phase:    f.PhaseLabel(),
			Kill:     f.Kill,
		})
		if f.Kill {
			continue
		}
		if f.BossPct < bp.BestPercent {
			bp.BestPercent = f.BossPct
		}
		if best == nil || f.FightPct < best.FightPct ||
			(f.FightPct == best.FightPct && f.BossPct < best.BossPct) {
			best = f
		}
	}

	if best != nil {
		bp.BestPull = &raid.PullSnapshot{
			Phase:    best.PhaseLabel(),
			BossPct:  best.BossPct,
			FightPct: best.FightPct,
		}
	}
	if firstKill != nil {
		bp.BestPercent = 0
	}
	return bp
}

// assignKillOrder numbers killed bosses by first-kill time, raid order breaking ties.
func assignKillOrder(bosses []raid.BossProgress) {
	var killed []int
	for i, b := range bosses {
		if b.FirstKill != nil {
			killed = append(killed, i)
		}
	}
	sort.SliceStable(killed, func(a, b int) bool {
		ka, kb := bosses[killed[a]].FirstKill.At, bosses[killed[b]].FirstKill.At
		if !ka.Equal(kb) {
			return ka.Before(kb)
		}
		return bosses[killed[a]].Position < bosses[killed[b]].Position
	})
	for order, idx := range killed {
		bosses[idx].KillOrder = order + 1
	}
}

// Purge drops boss entries for encounters no longer in the raid and recomputes
// the totals over what remains.
func Purge(p raid.RaidProgress, r raid.Raid) raid.RaidProgress {
	kept := make([]raid.BossProgress, 0, len(p.Bosses))
	for _, b := range p.Bosses {
		if idx := r.BossIndex(b.EncounterID); idx >= 0 {
			b.Position = idx
			kept = append(kept, b)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Position < kept[j].Position })
	p.Bosses = kept
	return p.Recount()
}

// AffectsOrdering reports whether moving from before to after could change
// the guild's rank: a new kill, a different last kill, or a better pull on the
// current boss.
func AffectsOrdering(before *raid.RaidProgress, after raid.RaidProgress) bool {
	if before == nil {
		return after.BossesDefeated > 0
	}
	if before.BossesDefeated != after.BossesDefeated {
		return true
	}
	if !before.LastKill().Equal(after.LastKill()) {
		return true
	}
	bc, bok := before.CurrentBoss()
	ac, aok := after.CurrentBoss()
	if bok != aok || bc.EncounterID != ac.EncounterID {
		return true
	}
	return !samePull(bc.BestPull, ac.BestPull)
}

func samePull(a, b *raid.PullSnapshot) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.FightPct == b.FightPct && a.BossPct == b.BossPct
}
