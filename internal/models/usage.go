package models

import "time"

// TokenUsage stores the token counter of one usage key inside one UTC day partition.
type TokenUsage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Day      string `gorm:"type:varchar(10);not null;uniqueIndex:idx_token_usages_day_key,priority:1;index"` // UTC day partition (YYYY-MM-DD).
	UsageKey string `gorm:"type:varchar(255);not null;uniqueIndex:idx_token_usages_day_key,priority:2"`      // Billable principal.

	Tokens int64 `gorm:"not null;default:0"` // Tokens consumed within the day.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last increment timestamp.
}

// TableName overrides the default table name.
func (TokenUsage) TableName() string {
	return "token_usages"
}
