// Package ranking orders guilds within one raid and difficulty.
//
// Ordering, first difference wins:
//
//  1. more bosses defeated
//  2. both fully cleared: earlier last first-kill
//  3. otherwise, on the current boss: lower best fight percent, then lower
//     best boss percent (no pulls counts as 100/100)
//  4. guild name, realm, region, id
//
// The last tier makes the order total, so a pass is deterministic.
package ranking

import (
	"sort"
	"strings"

	"github.com/teranos/raidpulse/raid"
)

// Placement is one guild's rank in a pass.
type Placement struct {
	GuildID int64
	Guild   string
	Rank    int
}

// Calculate ranks every standing with at least one kill. Guilds without
// kills are left out and hold no rank.
func Calculate(standings []raid.Standing) []Placement {
	ranked := make([]raid.Standing, 0, len(standings))
	for _, s := range standings {
		if s.Progress.BossesDefeated > 0 {
			ranked = append(ranked, s)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return Compare(ranked[i], ranked[j]) < 0
	})

	out := make([]Placement, len(ranked))
	for i, s := range ranked {
		out[i] = Placement{GuildID: s.Guild.ID, Guild: s.Guild.String(), Rank: i + 1}
	}
	return out
}

// Compare returns a negative number when a ranks ahead of b, positive when
// behind. It only returns 0 for the same guild.
func Compare(a, b raid.Standing) int {
	pa, pb := a.Progress, b.Progress

	if pa.BossesDefeated != pb.BossesDefeated {
		return pb.BossesDefeated - pa.BossesDefeated
	}

	if pa.FullClear() && pb.FullClear() {
		la, lb := pa.LastKill(), pb.LastKill()
		switch {
		case la.Before(lb):
			return -1
		case lb.Before(la):
			return 1
		}
	} else {
		fa, ba := currentBest(pa)
		fb, bb := currentBest(pb)
		if c := compareFloat(fa, fb); c != 0 {
			return c
		}
		if c := compareFloat(ba, bb); c != 0 {
			return c
		}
	}

	ga, gb := a.Guild, b.Guild
	// Byte order on the name, then realm and region so equal names on
	// different realms still order the same way every pass.
	if c := strings.Compare(ga.Name, gb.Name); c != 0 {
		return c
	}
	if c := strings.Compare(ga.Realm, gb.Realm); c != 0 {
		return c
	}
	if c := strings.Compare(ga.Region, gb.Region); c != 0 {
		return c
	}
	switch {
	case ga.ID < gb.ID:
		return -1
	case ga.ID > gb.ID:
		return 1
	}
	return 0
}

// currentBest is the best pull on the first unkilled boss.
func currentBest(p raid.RaidProgress) (fightPct, bossPct float64) {
	b, ok := p.CurrentBoss()
	if !ok || b.BestPull == nil {
		return 100, 100
	}
	return b.BestPull.FightPct, b.BestPull.BossPct
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
