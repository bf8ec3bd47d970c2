package queue

import "errors"

var (
	// ErrEnqueue wraps failures to submit a job.
	ErrEnqueue = errors.New("queue: enqueue failed")
	// ErrJobNotFound is returned for unknown or expired job ids.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrInvalidPayload is returned by Payload.Validate.
	ErrInvalidPayload = errors.New("queue: invalid payload")
)
