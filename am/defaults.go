package am

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "raidpulse.db")

	// Log API
	v.SetDefault("logs.api_url", "https://www.warcraftlogs.com/api/v2/client")
	v.SetDefault("logs.token_url", "https://www.warcraftlogs.com/oauth/token")
	v.SetDefault("logs.client_id", "")
	v.SetDefault("logs.client_secret", "")
	v.SetDefault("logs.timeout", 30*time.Second)
	v.SetDefault("logs.requests_per_second", 2.0)
	v.SetDefault("logs.burst", 4)
	v.SetDefault("logs.page_size", 25)

	// Pulse
	v.SetDefault("pulse.poll_interval", 2*time.Second)
	v.SetDefault("pulse.max_retries", 3)
	v.SetDefault("pulse.retry_backoff", time.Minute)
	v.SetDefault("pulse.refresh_cron", "*/15 * * * *")
	v.SetDefault("pulse.full_rescan_priority", 10)
	v.SetDefault("pulse.update_priority", 50)
	v.SetDefault("pulse.rescan_priority", 80)
	v.SetDefault("pulse.hourly_points", 3600.0)
	v.SetDefault("pulse.safety_ratio", 0.95)
	v.SetDefault("pulse.reset_slack", 5*time.Second)

	// Ingest
	v.SetDefault("ingest.max_pages", 200)
	v.SetDefault("ingest.update_reports", 10)
	v.SetDefault("ingest.live_window", 30*time.Minute)
	v.SetDefault("ingest.missing_fight_ratio", 0.9)

	// Dedup
	v.SetDefault("dedup.percent_tolerance", 0.01)
	v.SetDefault("dedup.duration_tolerance", 100*time.Millisecond)

	v.SetDefault("ranking.debounce", 30*time.Second)

	// Schedule inference
	v.SetDefault("schedule.timezone", "Europe/Helsinki")
	v.SetDefault("schedule.relative_threshold", 0.4)
	v.SetDefault("schedule.min_occurrences", 2)
}
