package models

import (
	"encoding/json"
	"time"
)

// Setting stores a runtime-adjustable key/value entry such as the daily token limit.
type Setting struct {
	Key       string          `gorm:"type:varchar(255);primaryKey"`                      // Setting key.
	Value     json.RawMessage `gorm:"type:jsonb"`                                        // JSON-encoded value.
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime;default:CURRENT_TIMESTAMP"` // Last update timestamp.
}

// TableName overrides the default table name.
func (Setting) TableName() string {
	return "settings"
}
