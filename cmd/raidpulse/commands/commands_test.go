package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teranos/raidpulse/am"
	rptest "github.com/teranos/raidpulse/internal/testing"
	"github.com/teranos/raidpulse/pulse/async"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/storage"
)

// =============================================================================
// Roster Day Test Universe
// =============================================================================
// Two roster files arrive for the new season. The EU file lists Echo twice
// (once with a stray lowercase realm) and the US file repeats Liquid, which
// the EU file already claimed. Only the first sighting of a name and realm
// counts.
// =============================================================================

func writeRoster(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadRostersKeepsFirstOccurrence(t *testing.T) {
	eu := writeRoster(t, "eu.json", `[
		{"name": "Echo", "realm": "Tarren Mill", "region": "eu"},
		{"name": "Liquid", "realm": "Illidan", "region": "eu"},
		{"name": "echo", "realm": "tarren mill", "region": "us"}
	]`)
	us := writeRoster(t, "us.json", `[
		{"name": "Liquid", "realm": "Illidan", "region": "us"},
		{"name": "BDGG", "realm": "Area 52", "region": "us"}
	]`)

	entries, dupes, err := readRosters([]string{eu, us})
	require.NoError(t, err)
	assert.Equal(t, 2, dupes)
	require.Len(t, entries, 3)
	assert.Equal(t, rosterEntry{Name: "Echo", Realm: "Tarren Mill", Region: "eu"}, entries[0])
	assert.Equal(t, "eu", entries[1].Region, "the EU Liquid came first")
	assert.Equal(t, "BDGG", entries[2].Name)
}

func TestReadRostersRejectsBadFiles(t *testing.T) {
	_, _, err := readRosters([]string{writeRoster(t, "bad.json", `{"name": "Echo"}`)})
	assert.Error(t, err)

	_, _, err = readRosters([]string{writeRoster(t, "blank.json", `[{"name": "Echo", "realm": " "}]`)})
	assert.Error(t, err)

	_, _, err = readRosters([]string{filepath.Join(t.TempDir(), "missing.json")})
	assert.Error(t, err)
}

func TestImportRosterUpsertsGuilds(t *testing.T) {
	ctx := context.Background()
	store := storage.New(rptest.CreateTestDB(t))

	_, _, err := store.AddGuild(ctx, "Echo", "Tarren Mill", "eu")
	require.NoError(t, err)

	added, known, guilds, err := importRoster(ctx, store, []rosterEntry{
		{Name: "Echo", Realm: "Tarren Mill", Region: "EU"},
		{Name: "Liquid", Realm: "Illidan", Region: "us"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, known)
	require.Len(t, guilds, 2)
	assert.Equal(t, "Liquid-Illidan (US)", guilds[1].String())

	all, err := store.ListGuilds(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestImportRosterStopsOnInvalidEntry(t *testing.T) {
	store := storage.New(rptest.CreateTestDB(t))
	added, _, _, err := importRoster(context.Background(), store, []rosterEntry{
		{Name: "Echo", Realm: "Tarren Mill", Region: "eu"},
		{Name: "Nameless", Realm: "Nowhere", Region: ""},
	})
	assert.Error(t, err)
	assert.Equal(t, 1, added)
}

func TestParseValueKeepsTypes(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, int64(5), parseValue("5"))
	assert.Equal(t, 0.9, parseValue("0.9"))
	assert.Equal(t, "*/15 * * * *", parseValue("*/15 * * * *"))
	assert.Equal(t, "30m", parseValue("30m"))
}

func TestParseGuildID(t *testing.T) {
	id, err := parseGuildID("12")
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)

	for _, bad := range []string{"", "0", "-3", "echo"} {
		_, err := parseGuildID(bad)
		assert.Error(t, err, bad)
	}
}

func TestPriorityForKind(t *testing.T) {
	cfg := &am.Config{Pulse: am.PulseConfig{FullRescanPriority: 10, UpdatePriority: 50, RescanPriority: 80}}
	assert.Equal(t, 10, priorityFor(cfg, async.KindFullRescan))
	assert.Equal(t, 50, priorityFor(cfg, async.KindUpdate))
	assert.Equal(t, 80, priorityFor(cfg, async.KindRescanDeaths))
	assert.Equal(t, 80, priorityFor(cfg, async.KindRescanCharacters))
}

func TestRankKeysFromArguments(t *testing.T) {
	keys, err := rankKeys([]string{"42", "m"})
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, 42, keys[0].RaidID)
	assert.Equal(t, raid.Mythic, keys[0].Difficulty)

	_, err = rankKeys([]string{"liberation", "mythic"})
	assert.Error(t, err)
	_, err = rankKeys([]string{"42", "lfr"})
	assert.Error(t, err)
}

func engineConfig() *am.Config {
	return &am.Config{
		Pulse: am.PulseConfig{
			RefreshCron:  "*/15 * * * *",
			HourlyPoints: 3600,
			SafetyRatio:  0.95,
		},
		Dedup: am.DedupConfig{PercentTolerance: 0.01},
		Raids: []am.RaidConfig{{
			ID:           42,
			Name:         "Liberation of Undermine",
			Difficulties: []string{"heroic", "mythic"},
			Bosses:       []am.BossConfig{{ID: 3009, Name: "Vexie"}, {ID: 3010, Name: "Cauldron of Carnage"}},
		}},
	}
}

func TestEngineWiresEveryComponent(t *testing.T) {
	e := &engine{cfg: engineConfig(), db: rptest.CreateTestDB(t), logger: zap.NewNop().Sugar()}
	require.NoError(t, e.wire(context.Background()))

	assert.ElementsMatch(t, async.Kinds, e.registry.Kinds())
	assert.NotNil(t, e.sweeper)
	assert.True(t, e.tracked.Current().Tracks(3010))
	assert.False(t, e.processor.Status().Running)
	assert.Equal(t, 3600.0, e.budget.Status().Limit)
}

func TestEngineWithoutRefreshCron(t *testing.T) {
	cfg := engineConfig()
	cfg.Pulse.RefreshCron = ""
	e := &engine{cfg: cfg, db: rptest.CreateTestDB(t), logger: zap.NewNop().Sugar()}
	require.NoError(t, e.wire(context.Background()))
	assert.Nil(t, e.sweeper)
}

func TestEngineRejectsBadRaidConfig(t *testing.T) {
	cfg := engineConfig()
	cfg.Raids[0].Difficulties = []string{"lfr"}
	e := &engine{cfg: cfg, db: rptest.CreateTestDB(t), logger: zap.NewNop().Sugar()}
	assert.Error(t, e.wire(context.Background()))
}

func TestApplyConfigSwapsTrackedRaids(t *testing.T) {
	ctx := context.Background()
	e := &engine{cfg: engineConfig(), db: rptest.CreateTestDB(t), logger: zap.NewNop().Sugar()}
	require.NoError(t, e.wire(ctx))
	_, _, err := e.store.AddGuild(ctx, "Echo", "Tarren Mill", "eu")
	require.NoError(t, err)

	next := engineConfig()
	next.Raids[0].Bosses = next.Raids[0].Bosses[:1]
	require.NoError(t, e.applyConfig(ctx, next))

	assert.True(t, e.tracked.Current().Tracks(3009))
	assert.False(t, e.tracked.Current().Tracks(3010))

	bad := engineConfig()
	bad.Raids[0].Difficulties = []string{"lfr"}
	assert.Error(t, e.applyConfig(ctx, bad))
	assert.True(t, e.tracked.Current().Tracks(3009), "a rejected reload keeps the old raids")
}
