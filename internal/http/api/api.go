// Package api wires the HTTP routes that expose the usage guard.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/config"
	guardhttp "github.com/hragent/usageguard/internal/http"
	"github.com/hragent/usageguard/internal/http/api/handlers"
)

// PromptField is the request field whose text is charged against the budget.
const PromptField = "text"

// Budget is the guard surface used by the routes.
type Budget interface {
	handlers.BudgetReader
	guardhttp.BudgetChecker
}

// Deps holds the components the routes delegate to. Pool may be nil.
type Deps struct {
	JWT       config.JWTConfig
	RateLimit config.RateLimitConfig
	Database  handlers.Pinger
	Cache     handlers.ConnectionTester
	Budget    Budget
	History   handlers.HistoryReader
	Jobs      handlers.JobQueue
	Pool      handlers.StatsSource
}

// RegisterRoutes mounts the health check and the authenticated /v0 group.
func RegisterRoutes(r *gin.Engine, deps Deps) {
	if r == nil {
		return
	}

	healthHandler := handlers.NewHealthHandler(deps.Database, deps.Cache)
	r.GET("/healthz", healthHandler.Healthz)

	v0 := r.Group("/v0")
	v0.Use(guardhttp.UserAuthMiddleware(deps.JWT.Secret))
	v0.Use(guardhttp.RateLimitMiddleware(deps.RateLimit.RPS, deps.RateLimit.Burst))

	usageHandler := handlers.NewUsageHandler(deps.Budget, deps.History)
	v0.GET("/usage", usageHandler.Current)
	v0.GET("/usage/history", usageHandler.History)

	v0.POST("/budget/check", guardhttp.TokenBudgetMiddleware(deps.Budget, PromptField), handlers.BudgetCheck)

	jobsHandler := handlers.NewJobsHandler(deps.Jobs, deps.Pool)
	v0.GET("/jobs/stats", jobsHandler.Stats)
	v0.GET("/jobs/:id", jobsHandler.Status)
}
