package ranking

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/raidpulse/raid"
	"github.com/teranos/raidpulse/stats"
)

var t0 = time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC)

const bossCount = 8

// standing builds a guild with the first `kills` bosses dead, the last one at
// lastKill, and an optional best pull on the current boss.
func standing(id int64, name string, kills int, lastKill time.Time, best *raid.PullSnapshot) raid.Standing {
	p := raid.RaidProgress{GuildID: id, RaidID: 38, Difficulty: raid.Mythic}
	for i := 0; i < bossCount; i++ {
		b := raid.BossProgress{EncounterID: 100 + i, Position: i}
		if i < kills {
			b.Kills = 1
			at := lastKill.Add(-time.Duration(kills-1-i) * 24 * time.Hour)
			b.FirstKill = &raid.KillRef{At: at}
		} else if i == kills {
			b.BestPull = best
		}
		p.Bosses = append(p.Bosses, b)
	}
	return raid.Standing{
		Guild:    raid.Guild{ID: id, Name: name, Realm: "Tarren Mill", Region: "eu"},
		Progress: p.Recount(),
	}
}

func ranksOf(placements []Placement) map[int64]int {
	out := make(map[int64]int)
	for _, p := range placements {
		out[p.GuildID] = p.Rank
	}
	return out
}

func TestFullClearEarlierLastKillWins(t *testing.T) {
	a := standing(1, "Zeta", 8, t0, nil)
	b := standing(2, "Alpha", 8, t0.Add(2*time.Hour), nil)

	ranks := ranksOf(Calculate([]raid.Standing{b, a}))
	assert.Equal(t, 1, ranks[1])
	assert.Equal(t, 2, ranks[2])
}

func TestMoreKillsBeatsBetterPull(t *testing.T) {
	six := standing(1, "Six", 6, t0, &raid.PullSnapshot{FightPct: 80, BossPct: 80})
	five := standing(2, "Five", 5, t0, &raid.PullSnapshot{FightPct: 1, BossPct: 1})

	placements := Calculate([]raid.Standing{five, six})
	require.Len(t, placements, 2)
	assert.Equal(t, int64(1), placements[0].GuildID)
}

func TestCurrentBossPullBreaksTies(t *testing.T) {
	better := standing(1, "Better", 6, t0.Add(time.Hour), &raid.PullSnapshot{FightPct: 20, BossPct: 35})
	worse := standing(2, "Worse", 6, t0, &raid.PullSnapshot{FightPct: 20, BossPct: 40})
	untried := standing(3, "Untried", 6, t0, nil)

	ranks := ranksOf(Calculate([]raid.Standing{untried, worse, better}))
	assert.Equal(t, 1, ranks[1], "lower boss percent wins equal fight percent")
	assert.Equal(t, 2, ranks[2])
	assert.Equal(t, 3, ranks[3], "no pulls counts as 100/100")
}

func TestGuildsWithoutKillsAreNotRanked(t *testing.T) {
	ranks := ranksOf(Calculate([]raid.Standing{
		standing(1, "Fresh", 0, t0, &raid.PullSnapshot{FightPct: 5, BossPct: 5}),
		standing(2, "Killer", 1, t0, nil),
	}))
	assert.Equal(t, map[int64]int{2: 1}, ranks)
}

func TestNameTiebreakIsLexicographic(t *testing.T) {
	best := &raid.PullSnapshot{FightPct: 50, BossPct: 50}
	placements := Calculate([]raid.Standing{
		standing(1, "echo", 3, t0, best),
		standing(2, "Liquid", 3, t0, best),
		standing(3, "Echo", 3, t0, best),
	})
	require.Len(t, placements, 3)
	var order []int64
	for _, p := range placements {
		order = append(order, p.GuildID)
	}
	assert.Equal(t, []int64{3, 2, 1}, order, "upper case sorts before lower case")
}

func TestCompareIsTotalAndDeterministic(t *testing.T) {
	var standings []raid.Standing
	for i := int64(1); i <= 12; i++ {
		// identical progress for everyone; only identity differs
		name := []string{"Echo", "echo", "Liquid"}[i%3]
		standings = append(standings, standing(i, name, 3, t0, &raid.PullSnapshot{FightPct: 50, BossPct: 50}))
	}
	for i := range standings {
		for j := range standings {
			c := Compare(standings[i], standings[j])
			if i == j {
				assert.Zero(t, c)
			} else {
				assert.NotZero(t, c)
				assert.Equal(t, c < 0, Compare(standings[j], standings[i]) > 0)
			}
		}
	}

	want := Calculate(standings)
	rng := rand.New(rand.NewSource(7))
	for n := 0; n < 20; n++ {
		shuffled := append([]raid.Standing(nil), standings...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, Calculate(shuffled))
	}
}

type fakeStore struct {
	mu        sync.Mutex
	standings map[stats.Key][]raid.Standing
	saved     map[stats.Key]map[int64]int
	calls     int
}

func (f *fakeStore) Standings(_ context.Context, raidID int, d raid.Difficulty) ([]raid.Standing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.standings[stats.Key{RaidID: raidID, Difficulty: d}], nil
}

func (f *fakeStore) SetRanks(_ context.Context, raidID int, d raid.Difficulty, ranks map[int64]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saved == nil {
		f.saved = make(map[stats.Key]map[int64]int)
	}
	f.saved[stats.Key{RaidID: raidID, Difficulty: d}] = ranks
	f.calls++
	return nil
}

func (f *fakeStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestRunnerCoalescesRequests(t *testing.T) {
	key := stats.Key{RaidID: 38, Difficulty: raid.Mythic}
	store := &fakeStore{standings: map[stats.Key][]raid.Standing{
		key: {standing(1, "Echo", 8, t0, nil), standing(2, "Liquid", 8, t0.Add(time.Hour), nil)},
	}}
	r := NewRunner(store, 20*time.Millisecond, nil)
	r.Start(context.Background())

	for i := 0; i < 10; i++ {
		r.Request(key)
	}
	assert.Equal(t, []stats.Key{key}, r.Pending())

	assert.Eventually(t, func() bool { return store.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.callCount(), "a burst of requests yields one pass")
	assert.Equal(t, map[int64]int{1: 1, 2: 2}, store.saved[key])
	assert.Empty(t, r.Pending())
}

func TestRunnerStopFlushes(t *testing.T) {
	key := stats.Key{RaidID: 38, Difficulty: raid.Heroic}
	store := &fakeStore{}
	r := NewRunner(store, time.Hour, nil)

	r.Request(key)
	r.Stop(context.Background())
	assert.Equal(t, 1, store.callCount())
}
