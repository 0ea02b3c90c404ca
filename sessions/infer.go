// Package sessions infers a guild's weekly raid schedule from the reports it
// has uploaded. Each report is one raid night.
package sessions

import (
	"math"
	"sort"
	"time"

	"github.com/teranos/raidpulse/internal/util"
	"github.com/teranos/raidpulse/raid"
)

// Session is one raid night: the span from the first pull to the end of the
// last pull of a report.
type Session struct {
	ReportCode string
	Start      time.Time
	End        time.Time
}

// Config tunes inference.
type Config struct {
	Location          *time.Location // wall clock the schedule is expressed in
	RelativeThreshold float64        // drop nights seen less than this share of the busiest night
	MinOccurrences    int            // drop nights seen fewer times than this
}

// FromFights groups fights by report into sessions, ordered by start time.
func FromFights(fights []raid.Fight) []Session {
	byReport := make(map[string]*Session)
	for _, f := range fights {
		if f.Start.IsZero() {
			continue
		}
		end := f.End
		if end.IsZero() {
			end = f.Start.Add(f.Duration)
		}
		s, ok := byReport[f.ReportCode]
		if !ok {
			byReport[f.ReportCode] = &Session{ReportCode: f.ReportCode, Start: f.Start, End: end}
			continue
		}
		if f.Start.Before(s.Start) {
			s.Start = f.Start
		}
		if end.After(s.End) {
			s.End = end
		}
	}

	out := make([]Session, 0, len(byReport))
	for _, s := range byReport {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ReportCode < out[j].ReportCode
	})
	return out
}

type bucket struct {
	weekday time.Weekday
	start   float64
	end     float64
}

// Infer clusters sessions into weekly slots, Monday first.
func Infer(sessions []Session, cfg Config) []raid.ScheduleSlot {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	counts := make(map[bucket]int)
	for _, s := range sessions {
		counts[toBucket(s, loc)]++
	}

	// One bucket per weekday: most seen, then earlier start, then later end
	best := make(map[time.Weekday]raid.ScheduleSlot)
	for b, n := range counts {
		cur, ok := best[b.weekday]
		if ok && !better(b, n, cur) {
			continue
		}
		best[b.weekday] = raid.ScheduleSlot{Weekday: b.weekday, StartHour: b.start, EndHour: b.end, Occurrences: n}
	}

	max := 0
	for _, slot := range best {
		if slot.Occurrences > max {
			max = slot.Occurrences
		}
	}
	cutoff := cfg.RelativeThreshold * float64(max)

	var out []raid.ScheduleSlot
	for _, slot := range best {
		if float64(slot.Occurrences) < cutoff {
			continue
		}
		if slot.Occurrences < cfg.MinOccurrences {
			continue
		}
		out = append(out, slot)
	}
	sort.Slice(out, func(i, j int) bool {
		return mondayFirst(out[i].Weekday) < mondayFirst(out[j].Weekday)
	})
	return out
}

func better(b bucket, n int, cur raid.ScheduleSlot) bool {
	if n != cur.Occurrences {
		return n > cur.Occurrences
	}
	if b.start != cur.StartHour {
		return b.start < cur.StartHour
	}
	return b.end > cur.EndHour
}

// toBucket rounds a session to half hours on the local wall clock. A start
// that rounds up to midnight belongs to the next day; the end is measured in
// hours from the start day's midnight so late nights exceed 24.
func toBucket(s Session, loc *time.Location) bucket {
	start := s.Start.In(loc)
	end := s.End.In(loc)
	if end.Before(start) {
		end = start
	}

	day := civilDay(start)
	startHour := util.RoundTo(clockHours(start), 0.5)
	if startHour >= 24 {
		day = day.AddDate(0, 0, 1)
		startHour -= 24
	}

	dayDiff := int(math.Round(civilDay(end).Sub(day).Hours() / 24))
	endHour := float64(dayDiff)*24 + util.RoundTo(clockHours(end), 0.5)
	if endHour < startHour {
		endHour = startHour
	}

	return bucket{weekday: day.Weekday(), start: startHour, end: endHour}
}

// civilDay is the calendar date of t as midnight UTC, so day arithmetic is
// immune to DST shifts in t's zone.
func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func clockHours(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

func mondayFirst(d time.Weekday) int {
	return (int(d) + 6) % 7
}
