package settings

// Runtime-tunable keys stored in the settings table, with their fallbacks.
const (
	// GuestCheckLimitKey overrides the number of free checks an anonymous client gets.
	GuestCheckLimitKey = "GUEST_CHECK_LIMIT"
	// GuestClientDailyLimitKey caps free checks per client address per UTC day, across tokens.
	GuestClientDailyLimitKey = "GUEST_CLIENT_DAILY_LIMIT"
	// CheckHistoryRetentionDaysKey controls how long eligibility-check history is kept (0 disables cleanup).
	CheckHistoryRetentionDaysKey = "CHECK_HISTORY_RETENTION_DAYS"
	// RefreshIntervalSecondsKey controls how often the snapshot is reloaded from the database.
	RefreshIntervalSecondsKey = "SETTINGS_REFRESH_SECONDS"
	// DefaultRefreshIntervalSeconds is the fallback reload interval.
	DefaultRefreshIntervalSeconds = 60
	// minRefreshIntervalSeconds keeps a misconfigured row from turning the loop into a busy poll.
	minRefreshIntervalSeconds = 5
)
