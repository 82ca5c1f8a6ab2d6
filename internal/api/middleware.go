package api

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/agentdesk/internal/metrics"
)

// KeyHeader carries the shared secret of internal callers.
const KeyHeader = "X-Agents-Key"

// requireKey rejects requests without the shared secret.
func requireKey(key string) gin.HandlerFunc {
	want := []byte(key)
	return func(c *gin.Context) {
		got := []byte(c.GetHeader(KeyHeader))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			respondError(c, http.StatusUnauthorized, "Unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

// instrument records request counts and latency per route template.
func instrument(p *metrics.Prom) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		p.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		p.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func respondError(c *gin.Context, code int, detail string) {
	c.JSON(code, gin.H{"detail": detail})
}
