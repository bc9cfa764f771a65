package api

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Shahir-47/grab-pic/internal/observability"
)

// LoggingMiddleware emits one structured log line per request and feeds
// the request duration histogram. The route template keeps metric
// cardinality bounded.
func LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()

		observability.HTTPRequestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(status)).
			Observe(elapsed.Seconds())

		slog.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"client_ip", c.ClientIP(),
			"duration_ms", elapsed.Milliseconds())
	}
}
