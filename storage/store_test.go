package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/raidpulse/errors"
	rptest "github.com/teranos/raidpulse/internal/testing"
	"github.com/teranos/raidpulse/raid"
)

var t0 = time.Date(2025, 3, 5, 18, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(rptest.CreateTestDB(t))
	s.now = func() time.Time { return t0 }
	return s
}

func addGuild(t *testing.T, s *Store, name string) raid.Guild {
	t.Helper()
	g, created, err := s.AddGuild(context.Background(), name, "Tarren Mill", "eu")
	require.NoError(t, err)
	require.True(t, created)
	return g
}

func TestAddGuild(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	g, created, err := s.AddGuild(ctx, " Echo ", "Tarren Mill", "EU")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "Echo", g.Name)
	assert.Equal(t, "eu", g.Region)
	assert.False(t, g.InitialFetchDone)

	again, created, err := s.AddGuild(ctx, "echo", "tarren mill", "eu")
	require.NoError(t, err)
	assert.False(t, created, "name and realm compare case-insensitively")
	assert.Equal(t, g.ID, again.ID)

	_, _, err = s.AddGuild(ctx, "", "Tarren Mill", "eu")
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestGuildLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := addGuild(t, s, "Liquid")

	require.NoError(t, s.MarkUnresolvable(ctx, g.ID, "guild not found"))
	got, err := s.Guild(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, got.Unresolvable)
	assert.Equal(t, "guild not found", got.UnresolvableReason)

	require.NoError(t, s.ClearUnresolvable(ctx, g.ID))
	lastReport := t0.Add(-time.Hour)
	require.NoError(t, s.MarkFetched(ctx, g.ID, t0, &lastReport, true))
	// A later update fetch must not reset the initial flag or the report time
	require.NoError(t, s.MarkFetched(ctx, g.ID, t0.Add(time.Minute), nil, false))

	got, err = s.Guild(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, got.Unresolvable)
	assert.True(t, got.InitialFetchDone)
	require.NotNil(t, got.LastReportAt)
	assert.True(t, lastReport.Equal(*got.LastReportAt))
	require.NotNil(t, got.LastFetchedAt)
	assert.True(t, t0.Add(time.Minute).Equal(*got.LastFetchedAt))

	require.NoError(t, s.DeleteGuild(ctx, g.ID))
	_, err = s.Guild(ctx, g.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.True(t, errors.IsNotFoundError(s.DeleteGuild(ctx, g.ID)))
}

func TestFightsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := addGuild(t, s, "Echo")

	report := raid.Report{Code: "abc123", GuildID: g.ID, ZoneID: 38, Title: "Mythic prog", Start: t0, FightCount: 2}
	require.NoError(t, s.UpsertReport(ctx, report))

	fights := []raid.Fight{
		{ReportCode: "abc123", FightID: 1, GuildID: g.ID, EncounterID: 2902, Difficulty: raid.Mythic,
			BossPct: 42.5, FightPct: 61.2, LastPhase: 2, Duration: 4 * time.Minute,
			Start: t0.Add(10 * time.Minute), End: t0.Add(14 * time.Minute)},
		{ReportCode: "abc123", FightID: 2, GuildID: g.ID, EncounterID: 2902, Difficulty: raid.Mythic,
			Kill: true, Duration: 6 * time.Minute, Start: t0.Add(20 * time.Minute), End: t0.Add(26 * time.Minute),
			Deaths: []raid.Death{{Player: "Naowh", Ability: "Web Blast", At: 90 * time.Second}}, DeathsFetched: true},
	}
	n, err := s.InsertFights(ctx, fights)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.InsertFights(ctx, fights)
	require.NoError(t, err)
	assert.Zero(t, n, "re-inserting the same attempts is a no-op")

	count, err := s.StoredFightCount(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	got, err := s.Fights(ctx, FightQuery{GuildID: g.ID, EncounterIDs: []int{2902}, Difficulty: raid.Mythic})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "P2", got[0].PhaseLabel())
	assert.InDelta(t, 42.5, got[0].BossPct, 1e-9)
	assert.False(t, got[0].DeathsFetched)
	assert.True(t, got[1].Kill)
	assert.Equal(t, 6*time.Minute, got[1].Duration)
	require.Len(t, got[1].Deaths, 1)
	assert.Equal(t, "Naowh", got[1].Deaths[0].Player)

	missing, err := s.Fights(ctx, FightQuery{GuildID: g.ID, MissingDeath: true})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.Equal(t, 1, missing[0].FightID)

	require.NoError(t, s.AttachDeaths(ctx, "abc123", []int{1}, nil))
	missing, err = s.Fights(ctx, FightQuery{GuildID: g.ID, MissingDeath: true})
	require.NoError(t, err)
	assert.Empty(t, missing)

	windowed, err := s.Fights(ctx, FightQuery{GuildID: g.ID, Since: t0.Add(15 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, 2, windowed[0].FightID)
}

func TestUpsertReportRefreshesEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := addGuild(t, s, "Echo")

	live := raid.Report{Code: "live1", GuildID: g.ID, Start: t0, FightCount: 3}
	require.NoError(t, s.UpsertReport(ctx, live))

	r, err := s.Report(ctx, "live1")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.True(t, r.Ongoing())

	live.End = t0.Add(3 * time.Hour)
	live.FightCount = 30
	require.NoError(t, s.UpsertReport(ctx, live))

	r, err = s.Report(ctx, "live1")
	require.NoError(t, err)
	assert.False(t, r.Ongoing())
	assert.Equal(t, 30, r.FightCount)

	none, err := s.Report(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCharactersMoveForward(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := addGuild(t, s, "Echo")

	require.NoError(t, s.UpsertCharacters(ctx, []raid.Character{
		{GuildID: g.ID, Name: "Scripe", Realm: "Tarren Mill", Class: "Mage", LastReportCode: "new", LastSeen: t0},
	}))
	// An older report seen later must not roll the character back
	require.NoError(t, s.UpsertCharacters(ctx, []raid.Character{
		{GuildID: g.ID, Name: "Scripe", Realm: "Tarren Mill", Class: "Priest", LastReportCode: "old", LastSeen: t0.Add(-24 * time.Hour)},
	}))

	chars, err := s.Characters(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, chars, 1)
	assert.Equal(t, "Mage", chars[0].Class)
	assert.Equal(t, "new", chars[0].LastReportCode)
	assert.True(t, t0.Equal(chars[0].LastSeen))
}

func TestRaidProgressReplace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := addGuild(t, s, "Echo")

	kill := &raid.KillRef{At: t0.Add(time.Hour), ReportCode: "abc", FightID: 7}
	p := raid.RaidProgress{
		GuildID: g.ID, RaidID: 38, Difficulty: raid.Mythic,
		Bosses: []raid.BossProgress{
			{EncounterID: 1, EncounterName: "Ulgrax", Position: 0, Kills: 1, Pulls: 3, TimeSpent: 15 * time.Minute,
				FirstKill: kill, KillOrder: 1,
				PullHistory: []raid.Pull{{Number: 1, FightPct: 40}, {Number: 2, FightPct: 12}, {Number: 3, Kill: true}}},
			{EncounterID: 2, EncounterName: "Bloodbound Horror", Position: 1, Pulls: 2, BestPercent: 33.3,
				BestPull: &raid.PullSnapshot{Phase: "P2", BossPct: 33.3, FightPct: 50}},
		},
	}.Recount()
	require.NoError(t, s.ReplaceRaidProgress(ctx, p))

	got, err := s.RaidProgress(ctx, g.ID, 38, raid.Mythic)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.BossesDefeated)
	assert.Equal(t, 2, got.TotalBosses)
	assert.Equal(t, 15*time.Minute, got.TotalTime)
	assert.Nil(t, got.Rank)
	require.Len(t, got.Bosses, 2)
	assert.Equal(t, "abc", got.Bosses[0].FirstKill.ReportCode)
	assert.Len(t, got.Bosses[0].PullHistory, 3)
	assert.Nil(t, got.Bosses[1].FirstKill)
	require.NotNil(t, got.Bosses[1].BestPull)
	assert.Equal(t, "P2", got.Bosses[1].BestPull.Phase)

	// Replacing with fewer bosses drops the stale rows
	p.Bosses = p.Bosses[:1]
	require.NoError(t, s.ReplaceRaidProgress(ctx, p.Recount()))
	got, err = s.RaidProgress(ctx, g.ID, 38, raid.Mythic)
	require.NoError(t, err)
	assert.Len(t, got.Bosses, 1)

	none, err := s.RaidProgress(ctx, g.ID, 38, raid.Heroic)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSetRanks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a := addGuild(t, s, "Echo")
	b := addGuild(t, s, "Liquid")

	for _, g := range []raid.Guild{a, b} {
		require.NoError(t, s.ReplaceRaidProgress(ctx, raid.RaidProgress{GuildID: g.ID, RaidID: 38, Difficulty: raid.Mythic}))
	}
	require.NoError(t, s.SetRanks(ctx, 38, raid.Mythic, map[int64]int{a.ID: 1, b.ID: 2}))
	require.NoError(t, s.SetRanks(ctx, 38, raid.Mythic, map[int64]int{b.ID: 1}))

	standings, err := s.Standings(ctx, 38, raid.Mythic)
	require.NoError(t, err)
	require.Len(t, standings, 2)
	for _, st := range standings {
		switch st.Guild.ID {
		case a.ID:
			assert.Nil(t, st.Progress.Rank, "guild dropped from the pass loses its rank")
		case b.ID:
			require.NotNil(t, st.Progress.Rank)
			assert.Equal(t, 1, *st.Progress.Rank)
		}
	}
}

func TestSchedule(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	g := addGuild(t, s, "Echo")

	slots := []raid.ScheduleSlot{
		{Weekday: time.Sunday, StartHour: 19, EndHour: 23, Occurrences: 4},
		{Weekday: time.Wednesday, StartHour: 19.5, EndHour: 24.5, Occurrences: 9},
	}
	require.NoError(t, s.ReplaceSchedule(ctx, g.ID, slots, t0))

	got, err := s.Schedule(ctx, g.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, time.Wednesday, got[0].Weekday, "Monday-first order")
	assert.Equal(t, "Wed 19:30-00:30", got[0].String())
	assert.Equal(t, time.Sunday, got[1].Weekday)

	require.NoError(t, s.ReplaceSchedule(ctx, g.ID, nil, t0))
	got, err = s.Schedule(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDatabaseFailuresAreMarked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	s := New(db)

	mock.ExpectQuery("SELECT .* FROM guilds").WillReturnError(errors.New("disk I/O error"))
	_, err = s.ListGuilds(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.False(t, errors.IsNotFoundError(err))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM schedule_slots").WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()
	err = s.ReplaceSchedule(context.Background(), 1, nil, t0)
	assert.True(t, errors.Is(err, ErrStorage))

	assert.NoError(t, mock.ExpectationsWereMet())
}
