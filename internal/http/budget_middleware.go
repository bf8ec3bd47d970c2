package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/guard"
	"github.com/hragent/usageguard/internal/http/api/handlers"
)

const maxBudgetBodyBytes = 4 << 20

// BudgetChecker is the guard surface used by TokenBudgetMiddleware.
type BudgetChecker interface {
	CheckPayload(ctx context.Context, key, payload string) (guard.Decision, error)
}

// TokenBudgetMiddleware estimates the cost of the request's prompt and records
// it against the caller's daily budget. The prompt is read from field in a JSON
// or form body, or the whole body when the field is absent. The body is
// restored for downstream handlers.
func TokenBudgetMiddleware(checker BudgetChecker, field string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetString(handlers.ContextUsageKey)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		var body []byte
		if c.Request.Body != nil {
			raw, errRead := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBudgetBodyBytes))
			if errRead != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			body = raw
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		decision, err := checker.CheckPayload(c.Request.Context(), key, extractPrompt(c.ContentType(), body, field))
		if err != nil {
			handlers.RespondError(c, err)
			return
		}
		c.Set(handlers.ContextDecision, decision)
		c.Next()
	}
}

func extractPrompt(contentType string, body []byte, field string) string {
	if field == "" {
		return string(body)
	}
	switch {
	case strings.Contains(contentType, "json"):
		var fields map[string]json.RawMessage
		if errUnmarshal := json.Unmarshal(body, &fields); errUnmarshal == nil {
			var text string
			if errField := json.Unmarshal(fields[field], &text); errField == nil {
				return text
			}
		}
	case contentType == "application/x-www-form-urlencoded":
		if values, errParse := url.ParseQuery(string(body)); errParse == nil && values.Has(field) {
			return values.Get(field)
		}
	}
	return string(body)
}
