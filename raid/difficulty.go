package raid

import (
	"strings"

	"github.com/teranos/raidpulse/errors"
)

// Difficulty is the raid difficulty tier as numbered by the log API.
type Difficulty int

const (
	Normal Difficulty = 3
	Heroic Difficulty = 4
	Mythic Difficulty = 5
)

func (d Difficulty) String() string {
	switch d {
	case Normal:
		return "normal"
	case Heroic:
		return "heroic"
	case Mythic:
		return "mythic"
	default:
		return "unknown"
	}
}

// Valid reports whether d is one of the tracked tiers.
func (d Difficulty) Valid() bool {
	return d == Normal || d == Heroic || d == Mythic
}

// ParseDifficulty accepts a tier name or its API number.
func ParseDifficulty(s string) (Difficulty, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "n", "3":
		return Normal, nil
	case "heroic", "hc", "h", "4":
		return Heroic, nil
	case "mythic", "m", "5":
		return Mythic, nil
	}
	return 0, errors.NewInvalidRequestError("unknown difficulty %q", s)
}
