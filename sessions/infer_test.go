package sessions

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/raidpulse/am"
	rptest "github.com/teranos/raidpulse/internal/testing"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/storage"
)

func helsinki(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Helsinki")
	require.NoError(t, err)
	return loc
}

// night returns a session on the given local date and wall-clock span.
func night(loc *time.Location, code string, day time.Time, startH, startM, endH, endM int) Session {
	y, m, d := day.Date()
	start := time.Date(y, m, d, startH, startM, 0, 0, loc)
	end := time.Date(y, m, d, endH, endM, 0, 0, loc)
	if !end.After(start) {
		end = end.AddDate(0, 0, 1)
	}
	return Session{ReportCode: code, Start: start.UTC(), End: end.UTC()}
}

var defaultCfg = Config{RelativeThreshold: 0.4, MinOccurrences: 2}

func TestInferDropsRelativeOutliers(t *testing.T) {
	loc := helsinki(t)
	cfg := defaultCfg
	cfg.Location = loc

	wed := time.Date(2025, 1, 8, 0, 0, 0, 0, loc)
	var sessions []Session
	for i := 0; i < 9; i++ {
		sessions = append(sessions, night(loc, fmt.Sprintf("w%d", i), wed.AddDate(0, 0, 7*i), 19, 0, 22, 30))
	}
	sessions = append(sessions, night(loc, "odd", wed.AddDate(0, 0, 70), 19, 30, 21, 0))

	slots := Infer(sessions, cfg)
	require.Len(t, slots, 1)
	assert.Equal(t, raid.ScheduleSlot{Weekday: time.Wednesday, StartHour: 19, EndHour: 22.5, Occurrences: 9}, slots[0])
}

func TestInferRelativeAndAbsoluteFilters(t *testing.T) {
	loc := helsinki(t)
	cfg := defaultCfg
	cfg.Location = loc

	mon := time.Date(2025, 1, 6, 0, 0, 0, 0, loc)
	var sessions []Session
	add := func(prefix string, offset, n, sh, sm, eh, em int) {
		for i := 0; i < n; i++ {
			sessions = append(sessions, night(loc, fmt.Sprintf("%s%d", prefix, i), mon.AddDate(0, 0, offset+7*i), sh, sm, eh, em))
		}
	}
	add("mon", 0, 10, 20, 0, 23, 0) // Monday 10x
	add("thu", 3, 4, 19, 45, 23, 10) // Thursday 4x, rounds to 20:00-23:00, 40% of max survives
	add("sat", 5, 3, 18, 0, 21, 0)   // Saturday 3x, below 40%
	add("sun", 6, 1, 15, 0, 18, 0)   // Sunday once

	slots := Infer(sessions, cfg)
	require.Len(t, slots, 2)
	assert.Equal(t, time.Monday, slots[0].Weekday)
	assert.Equal(t, time.Thursday, slots[1].Weekday)
	assert.Equal(t, 20.0, slots[1].StartHour)
	assert.Equal(t, 23.0, slots[1].EndHour)

	cfg.MinOccurrences = 5
	cfg.RelativeThreshold = 0
	slots = Infer(sessions, cfg)
	require.Len(t, slots, 1, "absolute floor applies after the relative filter")
	assert.Equal(t, time.Monday, slots[0].Weekday)
}

func TestInferPastMidnight(t *testing.T) {
	loc := helsinki(t)
	cfg := defaultCfg
	cfg.Location = loc

	fri := time.Date(2025, 1, 10, 0, 0, 0, 0, loc)
	sessions := []Session{
		night(loc, "a", fri, 21, 0, 0, 40),
		night(loc, "b", fri.AddDate(0, 0, 7), 20, 50, 0, 35),
		// starts 23:50 Sunday: rounds into Monday 00:00
		night(loc, "c", fri.AddDate(0, 0, 2), 23, 50, 2, 0),
		night(loc, "d", fri.AddDate(0, 0, 9), 23, 46, 2, 10),
	}

	slots := Infer(sessions, cfg)
	require.Len(t, slots, 2)
	assert.Equal(t, raid.ScheduleSlot{Weekday: time.Monday, StartHour: 0, EndHour: 2, Occurrences: 2}, slots[0])
	assert.Equal(t, raid.ScheduleSlot{Weekday: time.Friday, StartHour: 21, EndHour: 24.5, Occurrences: 2}, slots[1])
	assert.Equal(t, "Fri 21:00-00:30", slots[1].String())
}

func TestInferTieBreaksWithinDay(t *testing.T) {
	loc := time.UTC
	tue := time.Date(2025, 1, 7, 0, 0, 0, 0, loc)
	sessions := []Session{
		night(loc, "a", tue, 20, 0, 23, 0),
		night(loc, "b", tue.AddDate(0, 0, 7), 20, 0, 23, 0),
		night(loc, "c", tue.AddDate(0, 0, 14), 19, 0, 22, 0),
		night(loc, "d", tue.AddDate(0, 0, 21), 19, 0, 22, 0),
		night(loc, "e", tue.AddDate(0, 0, 28), 19, 0, 23, 0),
		night(loc, "f", tue.AddDate(0, 0, 35), 19, 0, 23, 0),
	}

	slots := Infer(sessions, Config{Location: loc, RelativeThreshold: 0.4, MinOccurrences: 2})
	require.Len(t, slots, 1)
	assert.Equal(t, 19.0, slots[0].StartHour, "earlier start wins a tie")
	assert.Equal(t, 23.0, slots[0].EndHour, "then the later end")
}

func TestFromFights(t *testing.T) {
	t0 := time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC)
	fights := []raid.Fight{
		{ReportCode: "b", FightID: 3, Start: t0.Add(2 * time.Hour), End: t0.Add(2*time.Hour + 5*time.Minute)},
		{ReportCode: "a", FightID: 1, Start: t0.Add(10 * time.Minute), Duration: 4 * time.Minute},
		{ReportCode: "a", FightID: 2, Start: t0, End: t0.Add(3 * time.Minute)},
	}
	sessions := FromFights(fights)
	require.Len(t, sessions, 2)
	assert.Equal(t, Session{ReportCode: "a", Start: t0, End: t0.Add(14 * time.Minute)}, sessions[0])
	assert.Equal(t, "b", sessions[1].ReportCode)
}

func TestServiceRefresh(t *testing.T) {
	ctx := context.Background()
	store := storage.New(rptest.CreateTestDB(t))
	g, _, err := store.AddGuild(ctx, "Echo", "Tarren Mill", "eu")
	require.NoError(t, err)

	r := raid.Raid{ID: 38, Bosses: []raid.Boss{{ID: 2902}}, Difficulties: []raid.Difficulty{raid.Mythic}}
	holder := raid.NewTrackedHolder(raid.NewTrackedSet([]raid.Raid{r}))
	svc := NewService(store, holder, am.ScheduleConfig{Timezone: "UTC", RelativeThreshold: 0.4, MinOccurrences: 2}, nil)

	wed := time.Date(2025, 1, 8, 19, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		code := fmt.Sprintf("r%d", i)
		start := wed.AddDate(0, 0, 7*i)
		require.NoError(t, store.UpsertReport(ctx, raid.Report{Code: code, GuildID: g.ID, Start: start}))
		_, err := store.InsertFights(ctx, []raid.Fight{
			{ReportCode: code, FightID: 1, GuildID: g.ID, EncounterID: 2902, Difficulty: raid.Mythic,
				Start: start, End: start.Add(5 * time.Minute), Duration: 5 * time.Minute},
			{ReportCode: code, FightID: 9, GuildID: g.ID, EncounterID: 2902, Difficulty: raid.Mythic,
				Start: start.Add(3 * time.Hour), End: start.Add(3*time.Hour + 5*time.Minute), Duration: 5 * time.Minute},
		})
		require.NoError(t, err)
	}

	slots, err := svc.Refresh(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "Wed 19:00-22:00", slots[0].String())

	stored, err := store.Schedule(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, slots, stored)
}

func TestCurrentRaid(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	old := raid.Raid{ID: 1, Windows: map[string]raid.Window{"eu": {Start: now.AddDate(0, -6, 0), End: now.AddDate(0, -1, 0)}}}
	cur := raid.Raid{ID: 2, Windows: map[string]raid.Window{"eu": {Start: now.AddDate(0, -1, 0)}}}
	next := raid.Raid{ID: 3}

	r, ok := CurrentRaid([]raid.Raid{old, cur, next}, "eu", now)
	require.True(t, ok)
	assert.Equal(t, 2, r.ID)

	r, ok = CurrentRaid([]raid.Raid{old, cur, next}, "us", now)
	require.True(t, ok)
	assert.Equal(t, 3, r.ID, "no window for the region: last configured raid")

	_, ok = CurrentRaid(nil, "eu", now)
	assert.False(t, ok)
}
