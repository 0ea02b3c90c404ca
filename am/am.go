package am

import "time"

// Config represents the raidpulse configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Logs     LogsConfig     `mapstructure:"logs"`
	Pulse    PulseConfig    `mapstructure:"pulse"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Dedup    DedupConfig    `mapstructure:"dedup"`
	Ranking  RankingConfig  `mapstructure:"ranking"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Raids    []RaidConfig   `mapstructure:"raids"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// LogsConfig configures access to the external log-hosting API
type LogsConfig struct {
	APIURL            string        `mapstructure:"api_url"`
	TokenURL          string        `mapstructure:"token_url"`
	ClientID          string        `mapstructure:"client_id"`
	ClientSecret      string        `mapstructure:"client_secret"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"` // Request pacing, independent of the point budget
	Burst             int           `mapstructure:"burst"`
	PageSize          int           `mapstructure:"page_size"` // Reports per listing page
}

// PulseConfig configures the processor loop, retries, and the refresh sweep
type PulseConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxRetries   int           `mapstructure:"max_retries"`   // Automatic retries for transient failures
	RetryBackoff time.Duration `mapstructure:"retry_backoff"` // Doubled per retry

	RefreshCron        string `mapstructure:"refresh_cron"` // Empty disables the sweep
	FullRescanPriority int    `mapstructure:"full_rescan_priority"`
	UpdatePriority     int    `mapstructure:"update_priority"`
	RescanPriority     int    `mapstructure:"rescan_priority"`

	// Rate limit budget
	HourlyPoints float64       `mapstructure:"hourly_points"` // Assumed budget until the API reports its own
	SafetyRatio  float64       `mapstructure:"safety_ratio"`  // Stop admitting calls at this share of the budget
	ResetSlack   time.Duration `mapstructure:"reset_slack"`   // Extra wait past the reported reset
}

// IngestConfig tunes the fetch pipeline
type IngestConfig struct {
	MaxPages          int           `mapstructure:"max_pages"`      // Safety cap on report listing pages
	UpdateReports     int           `mapstructure:"update_reports"` // Most recent reports inspected on update
	LiveWindow        time.Duration `mapstructure:"live_window"`    // Reports ending this close to now count as live
	MissingFightRatio float64       `mapstructure:"missing_fight_ratio"`
}

// DedupConfig sets the tolerances under which two attempts are the same attempt
type DedupConfig struct {
	PercentTolerance  float64       `mapstructure:"percent_tolerance"`
	DurationTolerance time.Duration `mapstructure:"duration_tolerance"`
}

// RankingConfig configures the ranking recompute runner
type RankingConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

// ScheduleConfig configures raid schedule inference
type ScheduleConfig struct {
	Timezone          string  `mapstructure:"timezone"`
	RelativeThreshold float64 `mapstructure:"relative_threshold"`
	MinOccurrences    int     `mapstructure:"min_occurrences"`
}

// RaidConfig is one tracked raid zone
type RaidConfig struct {
	ID           int                     `mapstructure:"id"`
	Name         string                  `mapstructure:"name"`
	Difficulties []string                `mapstructure:"difficulties"` // normal, heroic, mythic
	Bosses       []BossConfig            `mapstructure:"bosses"`       // In raid order
	Windows      map[string]WindowConfig `mapstructure:"windows"`      // Keyed by region (eu, us, ...)
}

// BossConfig is one tracked encounter
type BossConfig struct {
	ID   int    `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// WindowConfig is the current-content date range of a raid in one region.
// Dates are YYYY-MM-DD; an empty End leaves the window open.
type WindowConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
