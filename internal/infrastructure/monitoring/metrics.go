package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can take one unconditionally.
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Execution metrics
	Executions        *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	PeakMemory        prometheus.Histogram

	// Callback metrics
	CallbackCalls    *prometheus.CounterVec
	CallbackDuration *prometheus.HistogramVec

	// Network metrics
	NetOperations  *prometheus.CounterVec
	NetConnections prometheus.Gauge
	FetchRequests  *prometheus.CounterVec

	// Redaction metrics
	Redactions *prometheus.CounterVec

	// Snapshot metrics
	Snapshots     *prometheus.CounterVec
	SnapshotBytes prometheus.Histogram

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsSaved    prometheus.Counter
	SessionsRestored prometheus.Counter
	SessionsEvicted  prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	startTime time.Time

	snapshot Snapshot
	mu       sync.RWMutex
}

// Snapshot holds running totals for the JSON stats endpoint.
type Snapshot struct {
	TotalExecutions  int64         `json:"total_executions"`
	FailedExecutions int64         `json:"failed_executions"`
	TotalCallbacks   int64         `json:"total_callbacks"`
	TotalDuration    time.Duration `json:"total_duration"`
	ActiveSessions   int64         `json:"active_sessions"`
	Uptime           time.Duration `json:"uptime"`
}

var (
	latencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
	sizeBuckets    = []float64{1 << 10, 1 << 14, 1 << 17, 1 << 20, 1 << 23, 1 << 26, 1 << 28}
)

// NewMetrics registers every metric on reg. Use a fresh prometheus.Registry
// per test to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"method", "path"},
		),

		Executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_executions_total",
				Help: "Total number of guest executions",
			},
			[]string{"status"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_execution_duration_seconds",
				Help:    "Guest execution wall time in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"status"},
		),
		PeakMemory: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enclave_execution_peak_memory_bytes",
				Help:    "Peak memory growth observed during an execution",
				Buckets: sizeBuckets,
			},
		),

		CallbackCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_callback_invocations_total",
				Help: "Total number of callback requests by outcome",
			},
			[]string{"callback", "status"},
		),
		CallbackDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_callback_duration_seconds",
				Help:    "Callback duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"callback"},
		),

		NetOperations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_net_operations_total",
				Help: "Total number of guest network operations",
			},
			[]string{"op", "status"},
		),
		NetConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_net_connections",
				Help: "Number of open guest connections",
			},
		),
		FetchRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_fetch_requests_total",
				Help: "Total number of outbound fetch requests",
			},
			[]string{"method", "status"},
		),

		Redactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_redactions_total",
				Help: "Total number of scrubbed payloads by source",
			},
			[]string{"source"},
		),

		Snapshots: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_snapshots_total",
				Help: "Total number of snapshot operations",
			},
			[]string{"op", "status"},
		),
		SnapshotBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "enclave_snapshot_size_bytes",
				Help:    "Encoded snapshot size in bytes",
				Buckets: sizeBuckets,
			},
		),

		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_sessions_active",
				Help: "Number of live sessions",
			},
		),
		SessionsSaved: f.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_sessions_saved_total",
				Help: "Total number of sessions persisted",
			},
		),
		SessionsRestored: f.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_sessions_restored_total",
				Help: "Total number of sessions loaded from storage",
			},
		),
		SessionsEvicted: f.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_sessions_evicted_total",
				Help: "Total number of idle sessions evicted",
			},
		),

		WSConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),
		WSMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),
	}

	f.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "enclave_uptime_seconds",
			Help: "Process uptime in seconds",
		},
		func() float64 { return time.Since(m.startTime).Seconds() },
	)

	return m
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordExecution records a finished guest execution.
func (m *Metrics) RecordExecution(status string, duration time.Duration, callbacks uint32, peakMemory *uint64) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(status).Inc()
	m.ExecutionDuration.WithLabelValues(status).Observe(duration.Seconds())
	if peakMemory != nil {
		m.PeakMemory.Observe(float64(*peakMemory))
	}

	m.mu.Lock()
	m.snapshot.TotalExecutions++
	if status != "success" {
		m.snapshot.FailedExecutions++
	}
	m.snapshot.TotalCallbacks += int64(callbacks)
	m.snapshot.TotalDuration += duration
	m.mu.Unlock()
}

// RecordCallback records a callback request outcome.
func (m *Metrics) RecordCallback(name, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallbackCalls.WithLabelValues(name, status).Inc()
	if duration > 0 {
		m.CallbackDuration.WithLabelValues(name).Observe(duration.Seconds())
	}
}

// RecordNetOp records a guest network operation.
func (m *Metrics) RecordNetOp(op, status string) {
	if m == nil {
		return
	}
	m.NetOperations.WithLabelValues(op, status).Inc()
}

// SetNetConnections sets the open connection gauge.
func (m *Metrics) SetNetConnections(n int) {
	if m == nil {
		return
	}
	m.NetConnections.Set(float64(n))
}

// RecordFetch records an outbound fetch.
func (m *Metrics) RecordFetch(method, status string) {
	if m == nil {
		return
	}
	m.FetchRequests.WithLabelValues(method, status).Inc()
}

// RecordRedaction records a payload that had secret material scrubbed.
func (m *Metrics) RecordRedaction(source string) {
	if m == nil {
		return
	}
	m.Redactions.WithLabelValues(source).Inc()
}

// RecordSnapshot records a snapshot capture or restore.
func (m *Metrics) RecordSnapshot(op, status string, size int) {
	if m == nil {
		return
	}
	m.Snapshots.WithLabelValues(op, status).Inc()
	if size > 0 {
		m.SnapshotBytes.Observe(float64(size))
	}
}

// SetSessionsActive sets the number of live sessions.
func (m *Metrics) SetSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
	m.mu.Lock()
	m.snapshot.ActiveSessions = int64(count)
	m.mu.Unlock()
}

// IncSessionsSaved increments the sessions saved counter.
func (m *Metrics) IncSessionsSaved() {
	if m == nil {
		return
	}
	m.SessionsSaved.Inc()
}

// IncSessionsRestored increments the sessions restored counter.
func (m *Metrics) IncSessionsRestored() {
	if m == nil {
		return
	}
	m.SessionsRestored.Inc()
}

// IncSessionsEvicted increments the idle eviction counter.
func (m *Metrics) IncSessionsEvicted() {
	if m == nil {
		return
	}
	m.SessionsEvicted.Inc()
}

// RecordWSMessage records a WebSocket message.
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket connections.
func (m *Metrics) IncWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket connections.
func (m *Metrics) DecWSConnections() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}

// Stats returns a copy of the running totals.
func (m *Metrics) Stats() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.snapshot
	s.Uptime = time.Since(m.startTime)
	return s
}
