package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/cache"
	"github.com/hragent/usageguard/internal/guard"
	"github.com/hragent/usageguard/internal/queue"
	"github.com/hragent/usageguard/internal/usage"
	log "github.com/sirupsen/logrus"
)

// Context keys shared with the middleware package.
const (
	ContextUserID   = "userID"
	ContextUsageKey = "usageKey"
	ContextDecision = "budgetDecision"
)

// getUsageKey extracts the usage key set by the auth middleware.
func getUsageKey(c *gin.Context) string {
	return c.GetString(ContextUsageKey)
}

// RespondError maps a service error onto an HTTP status and aborts the request.
func RespondError(c *gin.Context, err error) {
	var exceeded *guard.BudgetExceededError
	switch {
	case errors.As(err, &exceeded):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": exceeded.Message(), "reason": exceeded.Reason})
	case errors.Is(err, cache.ErrInvalidKey), errors.Is(err, usage.ErrInvalidKey):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid usage key"})
	case errors.Is(err, cache.ErrConnectivity), errors.Is(err, cache.ErrClosed), errors.Is(err, usage.ErrStoreUnavailable):
		log.WithError(err).Warn("request failed: backing store unavailable")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable"})
	case errors.Is(err, queue.ErrJobNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		log.WithError(err).Error("request failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
