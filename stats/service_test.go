package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	rptest "github.com/teranos/raidpulse/internal/testing"
	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/storage"
)

func setupService(t *testing.T, raids ...raid.Raid) (*Service, *storage.Store, raid.Guild) {
	t.Helper()
	store := storage.New(rptest.CreateTestDB(t))
	g, _, err := store.AddGuild(context.Background(), "Echo", "Tarren Mill", "eu")
	require.NoError(t, err)

	holder := raid.NewTrackedHolder(raid.NewTrackedSet(raids))
	svc := NewService(store, holder, raid.DefaultTolerance(), zaptest.NewLogger(t).Sugar())
	svc.now = func() time.Time { return t0.Add(24 * time.Hour) }
	return svc, store, g
}

func persist(t *testing.T, store *storage.Store, guildID int64, fs []raid.Fight) {
	t.Helper()
	ctx := context.Background()
	codes := map[string]bool{}
	for i := range fs {
		fs[i].GuildID = guildID
		if !codes[fs[i].ReportCode] {
			codes[fs[i].ReportCode] = true
			require.NoError(t, store.UpsertReport(ctx, raid.Report{Code: fs[i].ReportCode, GuildID: guildID, Start: t0}))
		}
	}
	_, err := store.InsertFights(ctx, fs)
	require.NoError(t, err)
}

func TestRecomputePersistsAndReportsChanges(t *testing.T) {
	ctx := context.Background()
	svc, store, g := setupService(t, testRaid)

	persist(t, store, g.ID, fights("abc",
		pull{enc: 2902, minute: 0, bossPct: 50},
		pull{enc: 2902, minute: 10, kill: true},
	))

	changed, err := svc.Recompute(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, []Key{{RaidID: 38, Difficulty: raid.Mythic}}, changed)

	p, err := store.RaidProgress(ctx, g.ID, 38, raid.Mythic)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, p.BossesDefeated)
	assert.Equal(t, 3, p.TotalBosses)
	assert.Equal(t, 2, p.Bosses[0].Pulls)

	// Nothing new: no ranking pass needed
	changed, err = svc.Recompute(ctx, g.ID)
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestRecomputeDropsUntrackedRaids(t *testing.T) {
	ctx := context.Background()
	svc, store, g := setupService(t, testRaid)

	require.NoError(t, store.ReplaceRaidProgress(ctx, raid.RaidProgress{GuildID: g.ID, RaidID: 31, Difficulty: raid.Mythic}))

	changed, err := svc.Recompute(ctx, g.ID)
	require.NoError(t, err)
	assert.Contains(t, changed, Key{RaidID: 31, Difficulty: raid.Mythic})

	stale, err := store.RaidProgress(ctx, g.ID, 31, raid.Mythic)
	require.NoError(t, err)
	assert.Nil(t, stale)
}

func TestRecomputeUnknownGuild(t *testing.T) {
	svc, _, _ := setupService(t, testRaid)
	_, err := svc.Recompute(context.Background(), 999)
	assert.Error(t, err)
}
