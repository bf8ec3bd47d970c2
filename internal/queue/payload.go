package queue

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the payload variant carried by a job.
type Kind string

// KindUsageIncrement reconciles a fast-store write into the durable counter store.
const KindUsageIncrement Kind = "usage.increment"

// Status is the lifecycle state of an enqueued job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// UsageIncrement adds Delta tokens to Key in the durable partition Day.
// Day is captured when the job is enqueued so a job that runs after midnight
// still lands in the partition the request belonged to.
type UsageIncrement struct {
	Key   string `json:"key"`
	Day   string `json:"day"`
	Delta int64  `json:"delta"`
}

// Payload is the tagged union carried by every job. Exactly one body matching
// Kind is set.
type Payload struct {
	Kind           Kind            `json:"kind"`
	UsageIncrement *UsageIncrement `json:"usage_increment,omitempty"`
}

// NewUsageIncrement builds a usage.increment payload.
func NewUsageIncrement(key, day string, delta int64) Payload {
	return Payload{
		Kind:           KindUsageIncrement,
		UsageIncrement: &UsageIncrement{Key: key, Day: day, Delta: delta},
	}
}

// Validate reports whether the payload is well formed for its kind.
func (p Payload) Validate() error {
	switch p.Kind {
	case KindUsageIncrement:
		body := p.UsageIncrement
		if body == nil {
			return fmt.Errorf("%w: %s without body", ErrInvalidPayload, p.Kind)
		}
		if strings.TrimSpace(body.Key) == "" {
			return fmt.Errorf("%w: empty usage key", ErrInvalidPayload)
		}
		if _, errParse := time.Parse("2006-01-02", body.Day); errParse != nil {
			return fmt.Errorf("%w: bad day %q", ErrInvalidPayload, body.Day)
		}
		if body.Delta < 0 {
			return fmt.Errorf("%w: negative delta %d", ErrInvalidPayload, body.Delta)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing kind", ErrInvalidPayload)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, p.Kind)
	}
}

// JobHandle is the caller-facing view of a job.
type JobHandle struct {
	ID     string `json:"job_id"`
	Status Status `json:"job_status"`
	Error  string `json:"error,omitempty"`
}

// Job is a job delivered to a consumer.
type Job struct {
	ID         string
	MessageID  string
	Payload    Payload
	Raw        string
	EnqueuedAt time.Time
}
