package raid

import "time"

// RaidProgress is one guild's progress in one raid at one difficulty. It is
// recomputed from fights and persisted wholesale, never patched in place.
type RaidProgress struct {
	GuildID        int64
	RaidID         int
	Difficulty     Difficulty
	BossesDefeated int
	TotalBosses    int
	TotalTime      time.Duration
	Rank           *int // nil until a ranking pass has placed the guild
	UpdatedAt      time.Time
	Bosses         []BossProgress // raid order
}

// BossProgress is one boss within a RaidProgress. Pulls, time and best
// percent only count attempts at or before the first kill.
type BossProgress struct {
	EncounterID   int
	EncounterName string
	Position      int
	Kills         int
	Pulls         int
	BestPercent   float64 // lowest boss health reached before the first kill
	TimeSpent     time.Duration
	FirstKill     *KillRef
	KillOrder     int // 1-indexed among this guild's kills, 0 when not killed
	BestPull      *PullSnapshot
	PullHistory   []Pull
}

// Killed reports whether the boss has at least one kill.
func (b BossProgress) Killed() bool {
	return b.Kills > 0
}

// KillRef points at the attempt that first killed a boss.
type KillRef struct {
	At         time.Time
	ReportCode string
	FightID    int
}

// PullSnapshot is the best non-kill attempt.
type PullSnapshot struct {
	Phase    string  `json:"phase,omitempty"`
	BossPct  float64 `json:"boss_pct"`
	FightPct float64 `json:"fight_pct"`
}

// Pull is one counted attempt in a boss's history.
type Pull struct {
	Number   int     `json:"n"`
	FightPct float64 `json:"pct"`
	Phase    string  `json:"phase,omitempty"`
	Kill     bool    `json:"kill,omitempty"`
}

// Recount returns a copy whose totals are pure sums over its boss list.
func (p RaidProgress) Recount() RaidProgress {
	out := p
	out.Bosses = append([]BossProgress(nil), p.Bosses...)
	out.BossesDefeated = 0
	out.TotalTime = 0
	for _, b := range out.Bosses {
		if b.Killed() {
			out.BossesDefeated++
		}
		out.TotalTime += b.TimeSpent
	}
	out.TotalBosses = len(out.Bosses)
	return out
}

// FullClear reports whether every boss in the raid has been killed.
func (p RaidProgress) FullClear() bool {
	return p.TotalBosses > 0 && p.BossesDefeated == p.TotalBosses
}

// Boss returns the progress entry for an encounter.
func (p RaidProgress) Boss(encounterID int) (BossProgress, bool) {
	for _, b := range p.Bosses {
		if b.EncounterID == encounterID {
			return b, true
		}
	}
	return BossProgress{}, false
}

// CurrentBoss is the first boss in raid order without a kill.
func (p RaidProgress) CurrentBoss() (BossProgress, bool) {
	for _, b := range p.Bosses {
		if !b.Killed() {
			return b, true
		}
	}
	return BossProgress{}, false
}

// LastKill is the latest first-kill time across killed bosses.
func (p RaidProgress) LastKill() time.Time {
	var last time.Time
	for _, b := range p.Bosses {
		if b.FirstKill != nil && b.FirstKill.At.After(last) {
			last = b.FirstKill.At
		}
	}
	return last
}

// Standing pairs a guild with its progress for ranking.
type Standing struct {
	Guild    Guild
	Progress RaidProgress
}
