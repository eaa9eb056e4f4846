package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
)

// MetricsSummary is the JSON view of the running totals.
type MetricsSummary struct {
	Timestamp         time.Time `json:"timestamp"`
	TotalExecutions   int64     `json:"total_executions"`
	FailedExecutions  int64     `json:"failed_executions"`
	ErrorRate         float64   `json:"error_rate"`
	AverageDurationMs float64   `json:"average_duration_ms"`
	TotalCallbacks    int64     `json:"total_callbacks"`
	ActiveSessions    int64     `json:"active_sessions"`
	UptimeSeconds     float64   `json:"uptime_seconds"`
}

// Summarize derives rates and averages from a metrics snapshot.
func Summarize(s monitoring.Snapshot) MetricsSummary {
	summary := MetricsSummary{
		Timestamp:        time.Now(),
		TotalExecutions:  s.TotalExecutions,
		FailedExecutions: s.FailedExecutions,
		TotalCallbacks:   s.TotalCallbacks,
		ActiveSessions:   s.ActiveSessions,
		UptimeSeconds:    s.Uptime.Seconds(),
	}
	if s.TotalExecutions > 0 {
		summary.ErrorRate = float64(s.FailedExecutions) / float64(s.TotalExecutions)
		summary.AverageDurationMs = float64(s.TotalDuration.Milliseconds()) / float64(s.TotalExecutions)
	}
	return summary
}

// MetricsHandler serves the Prometheus exposition format from gatherer.
func MetricsHandler(gatherer prometheus.Gatherer) gin.HandlerFunc {
	h := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// MetricsJSON serves the running totals as JSON.
func (h *Handlers) MetricsJSON(c *gin.Context) {
	c.JSON(http.StatusOK, Summarize(h.metrics.Stats()))
}
