package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hragent/usageguard/internal/queue"
	log "github.com/sirupsen/logrus"
)

// ReconcileHandler applies usage.increment jobs to the durable store.
type ReconcileHandler struct {
	store *Store
}

// NewReconcileHandler returns a worker handler backed by store.
func NewReconcileHandler(store *Store) *ReconcileHandler {
	return &ReconcileHandler{store: store}
}

// CanHandle reports whether kind is usage.increment.
func (h *ReconcileHandler) CanHandle(kind queue.Kind) bool {
	return kind == queue.KindUsageIncrement
}

// Execute adds the job's delta to the partition captured at enqueue time.
func (h *ReconcileHandler) Execute(ctx context.Context, job *queue.Job) error {
	body := job.Payload.UsageIncrement
	if body == nil {
		return fmt.Errorf("usage: job %s has no usage_increment body", job.ID)
	}
	if errIncrement := h.store.IncrementOrCreateDay(ctx, body.Day, body.Key, body.Delta); errIncrement != nil {
		return errIncrement
	}
	log.WithFields(log.Fields{
		"job_id":    job.ID,
		"usage_key": body.Key,
		"day":       body.Day,
		"delta":     body.Delta,
	}).Debug("usage: reconciled")
	return nil
}

// RecordJobFailure persists a failed job; it matches worker.FailureFunc.
func (h *ReconcileHandler) RecordJobFailure(ctx context.Context, job *queue.Job, jobErr error) {
	failure := Failure{
		JobID:   job.ID,
		Kind:    string(job.Payload.Kind),
		Payload: []byte(job.Raw),
		Err:     jobErr,
	}
	if body := job.Payload.UsageIncrement; body != nil {
		failure.UsageKey = body.Key
		failure.Day = body.Day
	}
	if !json.Valid(failure.Payload) {
		failure.Payload = nil
	}
	if errRecord := h.store.RecordFailure(ctx, failure); errRecord != nil {
		log.WithError(errRecord).WithField("job_id", job.ID).Error("usage: record job failure")
	}
}
