package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/raphaelgruber/statdesk/internal/metrics"
)

// maxArgLogLen is the maximum length for logged query strings before truncation.
const maxArgLogLen = 200

// slowRequestThreshold is the duration above which requests are logged at WARN level.
const slowRequestThreshold = 100 * time.Millisecond

// LoggingMiddleware logs every request with timing and records request metrics.
// Slow requests (>100ms) are logged at WARN level. WebSocket streams are
// long-lived by nature and always log at DEBUG.
func LoggingMiddleware(logger *slog.Logger, collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		websocket := c.IsWebsocket()

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", duration.Milliseconds(),
		}
		if query := c.Request.URL.RawQuery; query != "" {
			attrs = append(attrs, "query", truncate(query, maxArgLogLen))
		}

		switch {
		case len(c.Errors) > 0 || status >= http.StatusInternalServerError:
			if len(c.Errors) > 0 {
				attrs = append(attrs, "error", c.Errors.String())
			}
			collector.RecordFailure(metrics.OpRequest)
			logger.Error("request failed", attrs...)
		case websocket:
			logger.Debug("stream closed", attrs...)
		case duration > slowRequestThreshold:
			collector.RecordTiming(metrics.OpRequest, duration)
			logger.Warn("slow request", attrs...)
		default:
			collector.RecordTiming(metrics.OpRequest, duration)
			logger.Debug("request completed", attrs...)
		}
	}
}

// AuthMiddleware requires a bearer token. An empty expected token accepts any
// non-empty bearer, which is enough for local development.
func AuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if expected != "" && token != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Next()
	}
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
