package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/guard"
)

// BudgetCheck reports the decision the token budget middleware made for this request.
func BudgetCheck(c *gin.Context) {
	val, ok := c.Get(ContextDecision)
	decision, okCast := val.(guard.Decision)
	if !ok || !okCast {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "budget check did not run"})
		return
	}
	c.JSON(http.StatusOK, decision)
}
