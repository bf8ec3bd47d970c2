package models

import (
	"time"

	"gorm.io/datatypes"
)

// JobFailure records a reconciliation job that failed so it can be inspected and re-enqueued.
type JobFailure struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	JobID string `gorm:"type:varchar(64);not null;index"` // Queue job ID.
	Kind  string `gorm:"type:text;not null;index"`        // Job kind.

	UsageKey string `gorm:"type:varchar(255);index"` // Usage key, when the job carried one.
	Day      string `gorm:"type:varchar(10)"`        // Captured day partition, when present.

	Payload  datatypes.JSON `gorm:"type:jsonb"`             // Original job payload.
	Error    string         `gorm:"type:text"`              // Failure message.
	Requeued bool           `gorm:"not null;default:false"` // Set once an operator re-enqueued the job.

	FailedAt  time.Time `gorm:"not null;index"`          // Failure timestamp.
	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}
