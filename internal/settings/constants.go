package settings

import "time"

// DB config keys and defaults for settings.
const (
	// LLMTokenLimitKey overrides the configured daily token limit per usage key.
	LLMTokenLimitKey = "LLM_TOKEN_LIMIT"
	// UsageRetentionDaysKey controls how many daily partitions the retention cleaner keeps.
	UsageRetentionDaysKey = "USAGE_RETENTION_DAYS"
	// DefaultUsageRetentionDays is the fallback retention window in days.
	DefaultUsageRetentionDays = 30
	// DefaultRefreshInterval is how often the snapshot is reloaded from the database.
	DefaultRefreshInterval = time.Minute
)
