package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Middleware creates a Gin middleware for metrics collection
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Handler exposes the registry in Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// Timer measures an extension invocation
type Timer struct {
	start     time.Time
	metrics   *Metrics
	extension string
	operation string
}

// NewTimer creates a new timer
func NewTimer(metrics *Metrics, extension, operation string) *Timer {
	return &Timer{
		start:     time.Now(),
		metrics:   metrics,
		extension: extension,
		operation: operation,
	}
}

// Stop records the elapsed time with outcome
func (t *Timer) Stop(outcome string) time.Duration {
	d := time.Since(t.start)
	t.metrics.RecordInvocation(t.extension, t.operation, outcome, d)
	return d
}
