package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/usage"
)

const (
	defaultHistoryDays = 7
	maxHistoryDays     = 90
)

// BudgetReader exposes current spend and the effective limit.
type BudgetReader interface {
	Usage(ctx context.Context, key string) (int64, error)
	Limit() int64
}

// HistoryReader lists durable per-day usage.
type HistoryReader interface {
	History(ctx context.Context, key string, days int) ([]usage.DayUsage, error)
}

// UsageHandler handles usage endpoints for the authenticated principal.
type UsageHandler struct {
	budget  BudgetReader
	history HistoryReader
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(budget BudgetReader, history HistoryReader) *UsageHandler {
	return &UsageHandler{budget: budget, history: history}
}

// Current returns today's spend, limit and remaining budget.
func (h *UsageHandler) Current(c *gin.Context) {
	key := getUsageKey(c)
	if key == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	used, err := h.budget.Usage(c.Request.Context(), key)
	if err != nil {
		RespondError(c, err)
		return
	}
	limit := h.budget.Limit()
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	c.JSON(http.StatusOK, gin.H{
		"usage_key": key,
		"used":      used,
		"limit":     limit,
		"remaining": remaining,
	})
}

// History returns the durable per-day usage of the last N days.
func (h *UsageHandler) History(c *gin.Context) {
	key := getUsageKey(c)
	if key == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	days := defaultHistoryDays
	if raw := c.Query("days"); raw != "" {
		parsed, errParse := strconv.Atoi(raw)
		if errParse != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = min(parsed, maxHistoryDays)
	}

	history, err := h.history.History(c.Request.Context(), key, days)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage_key": key, "days": history})
}
