package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/queue"
	"github.com/hragent/usageguard/internal/worker"
)

// JobQueue is the read side of the job queue.
type JobQueue interface {
	FetchStatus(ctx context.Context, id string) (queue.JobHandle, error)
	FailedCount(ctx context.Context) (int64, error)
}

// StatsSource reports worker pool counters.
type StatsSource interface {
	Stats() worker.Stats
}

// JobsHandler exposes job status and queue health.
type JobsHandler struct {
	queue JobQueue
	pool  StatsSource
}

// NewJobsHandler constructs a JobsHandler. pool may be nil when this process runs no workers.
func NewJobsHandler(q JobQueue, pool StatsSource) *JobsHandler {
	return &JobsHandler{queue: q, pool: pool}
}

// Status returns the point-in-time status of one job.
func (h *JobsHandler) Status(c *gin.Context) {
	handle, err := h.queue.FetchStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, handle)
}

// Stats returns worker counters and the dead-letter backlog.
func (h *JobsHandler) Stats(c *gin.Context) {
	deadLetters, err := h.queue.FailedCount(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	body := gin.H{"dead_letters": deadLetters}
	if h.pool != nil {
		stats := h.pool.Stats()
		body["workers"] = stats.Workers
		body["processed"] = stats.Processed
		body["failed"] = stats.Failed
	}
	c.JSON(http.StatusOK, body)
}
