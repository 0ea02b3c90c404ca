// Package sym defines the glyphs raidpulse uses as markers in logs and CLI output.
package sym

const (
	Pulse      = "꩜" // processor loop and async work
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database and storage
	IX         = "⨳" // ingestion from the log API
	AM         = "≡" // configuration
	Rank       = "⌬" // ranking passes
	Schedule   = "✦" // schedule inference and refresh sweep
)

// Names maps each glyph to the label shown when a terminal cannot render it.
var Names = map[string]string{
	Pulse:      "pulse",
	PulseOpen:  "pulse-open",
	PulseClose: "pulse-close",
	DB:         "db",
	IX:         "ix",
	AM:         "am",
	Rank:       "rank",
	Schedule:   "schedule",
}
