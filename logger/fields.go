package logger

// Standard field names for consistent structured logging across raidpulse.
// Use these constants instead of raw strings to ensure consistency.
const (
	FieldSymbol    = "symbol"
	FieldComponent = "component"

	// Identity
	FieldJobID   = "job_id"
	FieldJobKind = "job_kind"
	FieldGuildID = "guild_id"
	FieldGuild   = "guild"
	FieldRealm   = "realm"
	FieldRegion  = "region"

	// Ingestion
	FieldReportCode  = "report_code"
	FieldFightID     = "fight_id"
	FieldEncounterID = "encounter_id"
	FieldPage        = "page"
	FieldRaidID      = "raid_id"
	FieldDifficulty  = "difficulty"

	// Timing
	FieldDurationMS = "duration_ms"
	FieldResetIn    = "reset_in"

	// Errors
	FieldError     = "error"
	FieldErrorType = "error_type"

	// Counts
	FieldCount   = "count"
	FieldReports = "reports"
	FieldFights  = "fights"

	// Status
	FieldStatus = "status"
	FieldReason = "reason"
)
