package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Middleware creates a Gin middleware for metrics collection. The route
// template is used as the path label to keep cardinality bounded.
func Middleware(metrics *Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Timer measures a callback's duration.
type Timer struct {
	start    time.Time
	metrics  *Metrics
	callback string
}

// NewTimer starts a timer for the named callback.
func NewTimer(metrics *Metrics, callback string) *Timer {
	return &Timer{
		start:    time.Now(),
		metrics:  metrics,
		callback: callback,
	}
}

// Stop records the elapsed time under status and returns it.
func (t *Timer) Stop(status string) time.Duration {
	d := time.Since(t.start)
	t.metrics.RecordCallback(t.callback, status, d)
	return d
}
