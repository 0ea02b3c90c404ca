package sym

import "testing"

func TestEveryGlyphHasName(t *testing.T) {
	for _, g := range []string{Pulse, PulseOpen, PulseClose, DB, IX, AM, Rank, Schedule} {
		if Names[g] == "" {
			t.Errorf("glyph %q has no name", g)
		}
	}
	if len(Names) != 8 {
		t.Errorf("expected 8 names, got %d", len(Names))
	}
}
