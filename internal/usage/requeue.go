package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hragent/usageguard/internal/models"
	"github.com/hragent/usageguard/internal/queue"
	log "github.com/sirupsen/logrus"
)

const defaultRequeueLimit = 100

// Enqueuer submits jobs to the reconciliation queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.JobHandle, error)
}

// RequeueFailures re-submits up to limit recorded failures, oldest first, and
// marks each one requeued. Rows whose payload no longer decodes are skipped
// and stay in place. It returns how many jobs were enqueued.
func (s *Store) RequeueFailures(ctx context.Context, enq Enqueuer, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultRequeueLimit
	}

	dbCtx, cancel := s.withTimeout(ctx)
	var rows []models.JobFailure
	errFind := s.db.WithContext(dbCtx).
		Where("requeued = ?", false).
		Order("failed_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	cancel()
	if errFind != nil {
		return 0, fmt.Errorf("%w: list failures: %w", ErrStoreUnavailable, errFind)
	}

	requeued := 0
	for _, row := range rows {
		entry := log.WithFields(log.Fields{"failure_id": row.ID, "job_id": row.JobID})

		var payload queue.Payload
		if errDecode := json.Unmarshal(row.Payload, &payload); errDecode != nil {
			entry.WithError(errDecode).Warn("usage: skip failure with undecodable payload")
			continue
		}
		if errValidate := payload.Validate(); errValidate != nil {
			entry.WithError(errValidate).Warn("usage: skip failure with invalid payload")
			continue
		}

		handle, errEnqueue := enq.Enqueue(ctx, payload)
		if errEnqueue != nil {
			return requeued, errEnqueue
		}

		updateCtx, updateCancel := s.withTimeout(ctx)
		errUpdate := s.db.WithContext(updateCtx).
			Model(&models.JobFailure{}).
			Where("id = ?", row.ID).
			Update("requeued", true).Error
		updateCancel()
		if errUpdate != nil {
			return requeued, fmt.Errorf("%w: mark failure %d requeued: %w", ErrStoreUnavailable, row.ID, errUpdate)
		}
		requeued++
		entry.WithField("new_job_id", handle.ID).Info("usage: failure requeued")
	}
	return requeued, nil
}
