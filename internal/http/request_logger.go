package http

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hragent/usageguard/internal/http/api/handlers"
	"github.com/hragent/usageguard/internal/util"
	log "github.com/sirupsen/logrus"
)

// ProcessTimeHeader carries the handler latency in seconds.
const ProcessTimeHeader = "X-Process-Time"

// timingWriter stamps X-Process-Time right before headers are sent.
type timingWriter struct {
	gin.ResponseWriter
	start   time.Time
	stamped bool
}

func (w *timingWriter) stamp() {
	if w.stamped || w.ResponseWriter.Written() {
		return
	}
	w.stamped = true
	w.Header().Set(ProcessTimeHeader, formatSeconds(time.Since(w.start)))
}

func (w *timingWriter) WriteHeader(code int) {
	w.stamp()
	w.ResponseWriter.WriteHeader(code)
}

func (w *timingWriter) WriteHeaderNow() {
	w.stamp()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *timingWriter) Write(data []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(data)
}

func (w *timingWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 6, 64)
}

// RequestLogger logs each request through logrus and reports its latency in
// the X-Process-Time response header.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		writer := &timingWriter{ResponseWriter: c.Writer, start: start}
		c.Writer = writer

		c.Next()

		if !c.Writer.Written() {
			writer.Header().Set(ProcessTimeHeader, formatSeconds(time.Since(start)))
		}

		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if query := c.Request.URL.RawQuery; query != "" {
			entry = entry.WithField("query", util.MaskSensitiveQuery(query))
		}
		if key := c.GetString(handlers.ContextUsageKey); key != "" {
			entry = entry.WithField("usage_key", key)
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("request")
		case status >= 400:
			entry.Warn("request")
		default:
			entry.Debug("request")
		}
	}
}
