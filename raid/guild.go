package raid

import (
	"fmt"
	"strings"
	"time"
)

// Guild is a tracked guild, identified by name, realm and region.
type Guild struct {
	ID                 int64
	Name               string
	Realm              string
	Region             string
	Unresolvable       bool
	UnresolvableReason string
	InitialFetchDone   bool
	LastFetchedAt      *time.Time
	LastReportAt       *time.Time
	CreatedAt          time.Time
}

func (g Guild) String() string {
	return fmt.Sprintf("%s-%s (%s)", g.Name, g.Realm, strings.ToUpper(g.Region))
}

// RealmSlug converts a display realm name into the slug the log API expects:
// "Tarren Mill" -> "tarren-mill", "Mal'Ganis" -> "malganis".
func RealmSlug(realm string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(realm)) {
		switch {
		case r == '\'' || r == '’':
			continue
		case r == ' ' || r == '-' || r == '_':
			if !lastDash && b.Len() > 0 {
				b.WriteRune('-')
				lastDash = true
			}
		default:
			b.WriteRune(r)
			lastDash = false
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// NormalizeRegion lower-cases and trims a region code.
func NormalizeRegion(region string) string {
	return strings.ToLower(strings.TrimSpace(region))
}
