// Package middleware provides Gin HTTP middleware for request identification,
// metrics, security headers, rate limiting, and scheduler authentication.
//
// Ordering is enforced in internal/api/router.go:
//
//	Recovery → RequestID → Metrics → Security → RateLimit → SchedulerAuth → Handler
//
// Security headers run before auth so they appear on error responses too, and
// rate limiting runs before the bcrypt comparison in SchedulerAuth so a
// brute-force attempt burns its budget before any expensive work.
package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/streakkeeper/streakkeeper/internal/telemetry"
)

// Metrics records request count and latency for every routed request.
//
// The path label uses c.FullPath(), the matched route template, rather than
// the raw URL; requests that match no route are labeled "<no-route>" so
// scanners cannot inflate label cardinality.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}

		method := c.Request.Method
		status := fmt.Sprintf("%d", c.Writer.Status())

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
