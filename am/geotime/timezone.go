// Package geotime resolves the timezones raid schedules are reported in.
package geotime

import (
	"strings"
	"time"

	"github.com/teranos/raidpulse/errors"
)

// Abbreviations players commonly write instead of IANA names.
var timezoneByAbbreviation = map[string]string{
	"cet":  "Europe/Berlin",
	"cest": "Europe/Berlin",
	"eet":  "Europe/Helsinki",
	"eest": "Europe/Helsinki",
	"bst":  "Europe/London",
	"gmt":  "Europe/London",
	"pst":  "America/Los_Angeles",
	"pdt":  "America/Los_Angeles",
	"est":  "America/New_York",
	"edt":  "America/New_York",
	"cst":  "America/Chicago",
	"cdt":  "America/Chicago",
	"aest": "Australia/Sydney",
	"kst":  "Asia/Seoul",
}

// Server regions and the timezone their realms are conventionally listed in.
var timezoneByRegion = map[string]string{
	"eu": "Europe/Paris",
	"us": "America/New_York",
	"kr": "Asia/Seoul",
	"tw": "Asia/Taipei",
	"cn": "Asia/Shanghai",
}

// NormalizeTimezone resolves an IANA name (any case) or a known abbreviation to
// a canonical IANA name.
func NormalizeTimezone(input string) (string, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return "", errors.New("timezone cannot be empty")
	}
	if tz, ok := timezoneByAbbreviation[strings.ToLower(trimmed)]; ok {
		return tz, nil
	}
	if _, err := time.LoadLocation(trimmed); err == nil {
		return trimmed, nil
	}
	if canonical := canonicalize(trimmed); canonical != trimmed {
		if _, err := time.LoadLocation(canonical); err == nil {
			return canonical, nil
		}
	}
	return "", errors.Newf("unknown timezone %q", input)
}

// Location loads the *time.Location for a timezone accepted by NormalizeTimezone.
func Location(input string) (*time.Location, error) {
	name, err := NormalizeTimezone(input)
	if err != nil {
		return nil, err
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, errors.Wrapf(err, "load timezone %s", name)
	}
	return loc, nil
}

// RegionTimezone returns the conventional timezone of a server region, or
// fallback when the region is unknown.
func RegionTimezone(region, fallback string) string {
	if tz, ok := timezoneByRegion[strings.ToLower(strings.TrimSpace(region))]; ok {
		return tz
	}
	return fallback
}

// canonicalize title-cases each path segment word: "europe/helsinki" -> "Europe/Helsinki".
func canonicalize(name string) string {
	segments := strings.Split(name, "/")
	for i, seg := range segments {
		words := strings.Split(seg, "_")
		for j, w := range words {
			if w == "" {
				continue
			}
			words[j] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
		}
		segments[i] = strings.Join(words, "_")
	}
	return strings.Join(segments, "/")
}
