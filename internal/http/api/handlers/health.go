package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger reports durable store reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionTester reports fast store reachability.
type ConnectionTester interface {
	TestConnection(ctx context.Context) bool
}

// HealthHandler serves health check endpoints.
type HealthHandler struct {
	db    Pinger
	cache ConnectionTester
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(db Pinger, cache ConnectionTester) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

// Healthz checks database and cache connectivity.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	dbOK := h.db.Ping(ctx) == nil
	cacheOK := h.cache.TestConnection(ctx)

	status := http.StatusOK
	if !dbOK || !cacheOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ok": dbOK && cacheOK, "database": dbOK, "cache": cacheOK})
}
