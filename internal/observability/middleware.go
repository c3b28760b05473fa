package observability

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// unmatchedRoute labels every request that hits no admin route; raw paths
// never become label values.
const unmatchedRoute = "unmatched"

// RequestLogger logs one line per admin request. Reads that succeed log at
// debug so scrapes of /metrics stay quiet; mutating requests log at info and
// carry the peer id they target, and rejected bearer tokens log at warn.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := routeOf(c)
		access := accessOf(c.Request.Method)

		var event *zerolog.Event
		switch {
		case status >= 500:
			event = logger.Error()
		case status == http.StatusUnauthorized:
			event = logger.Warn().Bool("auth_rejected", true)
		case status >= 400:
			event = logger.Warn()
		case access == "ops":
			event = logger.Info()
		default:
			event = logger.Debug()
		}
		if id := c.Param("id"); id != "" {
			event = event.Str("target_peer", id)
		}

		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Str("access", access).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Int("bytes", c.Writer.Size()).
			Msg("admin request")
	}
}

// RequestMetricsMiddleware records request counts and latency per route and
// counts requests the bearer guard turned away.
func RequestMetricsMiddleware(node string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := routeOf(c)
		status := c.Writer.Status()
		RecordHTTPRequest(node, c.Request.Method, route, status, time.Since(start))
		if status == http.StatusUnauthorized {
			RecordAuthRejection(node, route)
		}
	}
}

func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return unmatchedRoute
}

// accessOf splits the admin surface into read-only queries and operations
// that change node state.
func accessOf(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return "read"
	default:
		return "ops"
	}
}
