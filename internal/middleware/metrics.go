package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ddc-api/keyportal/internal/telemetry"
)

// MetricsMiddleware records http_requests_total{method, path, status} and
// http_request_duration_seconds{method, path} for every request.
//
// The path label is the matched Gin route template (e.g. /api/v1/keys/:tier)
// rather than the raw URL; unmatched requests use "<no-route>" so unknown paths
// do not inflate label cardinality.
//
// Routes listed in longPoll are counted but kept out of the duration histogram:
// their latency is the caller's chosen wait, not server work.
//
//	router.Use(gin.Recovery())
//	router.Use(RequestIDMiddleware())
//	router.Use(MetricsMiddleware("/api/v1/keys/:tier/wait"))
func MetricsMiddleware(longPoll ...string) gin.HandlerFunc {
	skipDuration := make(map[string]struct{}, len(longPoll))
	for _, p := range longPoll {
		skipDuration[p] = struct{}{}
	}

	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		if _, skip := skipDuration[path]; !skip {
			telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		}
	}
}
