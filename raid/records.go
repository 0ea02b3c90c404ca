package raid

import (
	"fmt"
	"time"
)

// Report is one uploaded combat-log session.
type Report struct {
	Code       string
	GuildID    int64
	ZoneID     int
	Title      string
	Start      time.Time
	End        time.Time // zero while the log is still being written
	FightCount int       // attempts the API last reported for the log
	LastSeenAt time.Time
}

// Ongoing reports whether the log has no end time yet.
func (r Report) Ongoing() bool {
	return r.End.IsZero()
}

// Fight is one attempt at one encounter within a report.
type Fight struct {
	ReportCode            string
	FightID               int
	GuildID               int64
	EncounterID           int
	EncounterName         string
	Difficulty            Difficulty
	Kill                  bool
	BossPct               float64 // boss health remaining, 0-100
	FightPct              float64 // overall encounter completion remaining, 0-100
	Duration              time.Duration
	LastPhase             int
	LastPhaseIntermission bool
	Start                 time.Time
	End                   time.Time
	Deaths                []Death
	DeathsFetched         bool
}

// Key identifies a fight within the whole data set.
func (f Fight) Key() string {
	return fmt.Sprintf("%s#%d", f.ReportCode, f.FightID)
}

// PhaseLabel renders the last phase reached: "P3", "I1" for an intermission,
// or empty when the log carries no phase data.
func (f Fight) PhaseLabel() string {
	if f.LastPhase <= 0 {
		return ""
	}
	if f.LastPhaseIntermission {
		return fmt.Sprintf("I%d", f.LastPhase)
	}
	return fmt.Sprintf("P%d", f.LastPhase)
}

// Death is one player death within an attempt.
type Death struct {
	Player  string        `json:"player"`
	Class   string        `json:"class,omitempty"`
	Ability string        `json:"ability,omitempty"`
	At      time.Duration `json:"at"` // offset from the fight start
}

// Character is a player seen in a guild's reports.
type Character struct {
	GuildID        int64
	Name           string
	Realm          string
	Class          string
	LastReportCode string
	LastSeen       time.Time
}

// ScheduleSlot is one recurring weekly raid night. Hours are local to the
// reference timezone in half-hour steps; EndHour may exceed 24 for sessions
// that run past midnight.
type ScheduleSlot struct {
	Weekday     time.Weekday
	StartHour   float64
	EndHour     float64
	Occurrences int
}

// String renders e.g. "Wed 19:00-22:30".
func (s ScheduleSlot) String() string {
	return fmt.Sprintf("%s %s-%s", s.Weekday.String()[:3], clock(s.StartHour), clock(s.EndHour))
}

func clock(h float64) string {
	whole := int(h)
	minutes := int((h - float64(whole)) * 60)
	return fmt.Sprintf("%02d:%02d", whole%24, minutes)
}
