package raid

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 1, 8, 18, 0, 0, 0, time.UTC)

func attempt(report string, id int, bossPct float64, dur time.Duration, at time.Time) Fight {
	return Fight{
		ReportCode:  report,
		FightID:     id,
		EncounterID: 104,
		Difficulty:  Mythic,
		BossPct:     bossPct,
		FightPct:    bossPct,
		Duration:    dur,
		Start:       at,
		End:         at.Add(dur),
	}
}

func TestDedupCollapsesReuploads(t *testing.T) {
	// Three players upload the same pull; the numbers drift slightly
	fights := []Fight{
		attempt("aaa", 5, 12.0, 305000*time.Millisecond, t0),
		attempt("bbb", 9, 12.004, 305050*time.Millisecond, t0.Add(2*time.Second)),
		attempt("ccc", 3, 12.01, 304980*time.Millisecond, t0.Add(3*time.Second)),
	}

	kept := Dedup(fights, DefaultTolerance())

	require.Len(t, kept, 1)
	assert.Equal(t, "aaa", kept[0].ReportCode, "earliest attempt is canonical")
}

func TestDedupIsOrderIndependent(t *testing.T) {
	fights := []Fight{
		attempt("aaa", 1, 40.0, 200*time.Second, t0),
		attempt("bbb", 1, 40.005, 200*time.Second+50*time.Millisecond, t0.Add(time.Second)),
		attempt("aaa", 2, 31.2, 250*time.Second, t0.Add(5*time.Minute)),
		attempt("ccc", 7, 31.2, 250*time.Second+500*time.Millisecond, t0.Add(5*time.Minute)),
		attempt("aaa", 3, 12.0, 305*time.Second, t0.Add(10*time.Minute)),
	}
	want := Dedup(fights, DefaultTolerance())
	require.Len(t, want, 4, "duration outside tolerance keeps the fourth pull")

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Fight(nil), fights...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Dedup(shuffled, DefaultTolerance())
		assert.Equal(t, keys(want), keys(got))
	}
}

func TestDedupSeparatesEncountersAndDifficulties(t *testing.T) {
	a := attempt("aaa", 1, 50, 100*time.Second, t0)
	b := a
	b.ReportCode, b.Difficulty = "bbb", Heroic
	c := a
	c.ReportCode, c.EncounterID = "ccc", 105

	assert.Len(t, Dedup([]Fight{a, b, c}, DefaultTolerance()), 3)
}

func TestDedupKeepsKillApartFromWipe(t *testing.T) {
	wipe := attempt("aaa", 1, 0.005, 400*time.Second, t0)
	kill := attempt("bbb", 1, 0, 400*time.Second, t0.Add(time.Second))
	kill.Kill = true
	kill.FightPct = 0

	assert.Len(t, Dedup([]Fight{wipe, kill}, DefaultTolerance()), 2)
}

func TestDedupDropsIdenticalRows(t *testing.T) {
	a := attempt("aaa", 1, 50, 100*time.Second, t0)
	assert.Len(t, Dedup([]Fight{a, a}, Tolerance{}), 1)
}

func TestDedupDoesNotModifyInput(t *testing.T) {
	fights := []Fight{
		attempt("zzz", 1, 50, 100*time.Second, t0.Add(time.Hour)),
		attempt("aaa", 1, 50, 100*time.Second, t0),
	}
	Dedup(fights, DefaultTolerance())
	assert.Equal(t, "zzz", fights[0].ReportCode)
}

func keys(fights []Fight) []string {
	out := make([]string, len(fights))
	for i, f := range fights {
		out[i] = f.Key()
	}
	return out
}
