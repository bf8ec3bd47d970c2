// Package queue is a Redis Streams job queue with per-job status tracking.
//
// Jobs are appended to a stream and consumed through a consumer group. Each job
// also owns a status hash so callers can poll its state by id. Failed jobs are
// copied to a dead-letter stream; nothing is retried automatically.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	defaultStream    = "hragent:jobs"
	defaultGroup     = "hragent-workers"
	defaultBlock     = 2 * time.Second
	defaultStatusTTL = 24 * time.Hour
	maxErrorLength   = 1024
)

// Config holds the stream layout of a queue.
type Config struct {
	Stream     string
	Group      string
	DeadLetter string
	Block      time.Duration
	StatusTTL  time.Duration
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Stream) == "" {
		c.Stream = defaultStream
	}
	if strings.TrimSpace(c.Group) == "" {
		c.Group = defaultGroup
	}
	if strings.TrimSpace(c.DeadLetter) == "" {
		c.DeadLetter = c.Stream + ":dead"
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.StatusTTL <= 0 {
		c.StatusTTL = defaultStatusTTL
	}
	return c
}

// Queue submits and consumes jobs.
type Queue struct {
	rdb goredis.UniversalClient
	cfg Config
	now func() time.Time
}

// New returns a queue on top of an existing Redis connection. The queue does
// not own rdb and never closes it.
func New(rdb goredis.UniversalClient, cfg Config) *Queue {
	return &Queue{rdb: rdb, cfg: cfg.withDefaults(), now: time.Now}
}

// Config returns the effective configuration.
func (q *Queue) Config() Config {
	return q.cfg
}

// EnsureGroup creates the consumer group, and the stream if needed.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("queue: create consumer group: %w", err)
	}
	return nil
}

// Enqueue submits a job and returns immediately with its handle.
func (q *Queue) Enqueue(ctx context.Context, payload Payload) (JobHandle, error) {
	if errValidate := payload.Validate(); errValidate != nil {
		return JobHandle{}, fmt.Errorf("%w: %w", ErrEnqueue, errValidate)
	}
	body, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return JobHandle{}, fmt.Errorf("%w: encode payload: %w", ErrEnqueue, errMarshal)
	}

	id := uuid.NewString()
	now := q.now().UTC().Format(time.RFC3339Nano)
	statusKey := q.statusKey(id)

	_, errExec := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, statusKey, map[string]any{
			"status":      string(StatusQueued),
			"kind":        string(payload.Kind),
			"enqueued_at": now,
			"updated_at":  now,
		})
		pipe.Expire(ctx, statusKey, q.cfg.StatusTTL)
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: q.cfg.Stream,
			Values: map[string]any{
				"jobId":       id,
				"kind":        string(payload.Kind),
				"payload":     string(body),
				"enqueued_at": now,
			},
		})
		return nil
	})
	if errExec != nil {
		return JobHandle{}, fmt.Errorf("%w: %w", ErrEnqueue, errExec)
	}
	return JobHandle{ID: id, Status: StatusQueued}, nil
}

// FetchStatus returns the current state of a job.
func (q *Queue) FetchStatus(ctx context.Context, id string) (JobHandle, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return JobHandle{}, ErrJobNotFound
	}
	fields, err := q.rdb.HGetAll(ctx, q.statusKey(id)).Result()
	if err != nil {
		return JobHandle{}, fmt.Errorf("queue: fetch status %s: %w", id, err)
	}
	status, ok := fields["status"]
	if !ok {
		return JobHandle{}, ErrJobNotFound
	}
	return JobHandle{ID: id, Status: Status(status), Error: fields["error"]}, nil
}

// Read claims the next job for consumer, blocking up to the configured block
// duration. It returns nil without error when no job arrived.
func (q *Queue) Read(ctx context.Context, consumer string) (*Job, error) {
	streams, err := q.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    1,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: read: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}
	return parseMessage(streams[0].Messages[0]), nil
}

// parseMessage never fails: a payload that does not decode is kept in Raw and
// left zero so validation rejects it and the job is dead-lettered.
func parseMessage(msg goredis.XMessage) *Job {
	job := &Job{MessageID: msg.ID}
	if id, ok := msg.Values["jobId"].(string); ok {
		job.ID = id
	}
	if raw, ok := msg.Values["payload"].(string); ok {
		job.Raw = raw
		var payload Payload
		if errUnmarshal := json.Unmarshal([]byte(raw), &payload); errUnmarshal == nil {
			job.Payload = payload
		}
	}
	if enqueuedAt, ok := msg.Values["enqueued_at"].(string); ok {
		if parsed, errParse := time.Parse(time.RFC3339Nano, enqueuedAt); errParse == nil {
			job.EnqueuedAt = parsed
		}
	}
	if job.ID == "" {
		job.ID = msg.ID
	}
	return job
}

// MarkRunning records that a consumer started executing job.
func (q *Queue) MarkRunning(ctx context.Context, job *Job) error {
	if job == nil {
		return nil
	}
	return q.setStatus(ctx, job.ID, map[string]any{"status": string(StatusRunning)})
}

// Complete finalizes a job: finished when jobErr is nil, otherwise failed and
// copied to the dead-letter stream. The stream entry is acknowledged either way.
func (q *Queue) Complete(ctx context.Context, job *Job, jobErr error) error {
	if job == nil {
		return nil
	}
	now := q.now().UTC().Format(time.RFC3339Nano)
	statusKey := q.statusKey(job.ID)

	_, errExec := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if jobErr == nil {
			pipe.HSet(ctx, statusKey, map[string]any{
				"status":     string(StatusFinished),
				"updated_at": now,
			})
		} else {
			message := truncate(jobErr.Error(), maxErrorLength)
			pipe.HSet(ctx, statusKey, map[string]any{
				"status":     string(StatusFailed),
				"error":      message,
				"updated_at": now,
			})
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: q.cfg.DeadLetter,
				Values: map[string]any{
					"jobId":               job.ID,
					"kind":                string(job.Payload.Kind),
					"original_message_id": job.MessageID,
					"payload":             job.Raw,
					"reason":              message,
					"moved_at":            now,
				},
			})
		}
		pipe.Expire(ctx, statusKey, q.cfg.StatusTTL)
		pipe.XAck(ctx, q.cfg.Stream, q.cfg.Group, job.MessageID)
		return nil
	})
	if errExec != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, errExec)
	}
	return nil
}

// FailedCount returns the length of the dead-letter stream.
func (q *Queue) FailedCount(ctx context.Context) (int64, error) {
	n, err := q.rdb.XLen(ctx, q.cfg.DeadLetter).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: dead-letter length: %w", err)
	}
	return n, nil
}

// Pending returns the number of delivered but unacknowledged entries.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	summary, err := q.rdb.XPending(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: pending: %w", err)
	}
	return summary.Count, nil
}

func (q *Queue) setStatus(ctx context.Context, id string, fields map[string]any) error {
	fields["updated_at"] = q.now().UTC().Format(time.RFC3339Nano)
	statusKey := q.statusKey(id)
	_, err := q.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, statusKey, fields)
		pipe.Expire(ctx, statusKey, q.cfg.StatusTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: set status %s: %w", id, err)
	}
	return nil
}

func (q *Queue) statusKey(id string) string {
	return q.cfg.Stream + ":status:" + id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
