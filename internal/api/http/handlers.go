package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/enclave/internal/domain/session"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
)

// Handlers serves the REST API over a session manager.
type Handlers struct {
	manager *session.Manager
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	logger  *zap.Logger
	started time.Time
}

// NewHandlers creates the REST handlers. metrics, tracer and logger may be
// nil.
func NewHandlers(manager *session.Manager, metrics *monitoring.Metrics, tracer *tracing.Tracer, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		manager: manager,
		metrics: metrics,
		tracer:  tracer,
		logger:  logger,
		started: time.Now(),
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRouter) {
	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/callbacks", h.ListCallbacks)
	r.GET("/metrics/json", h.MetricsJSON)

	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.DELETE("/sessions/:id", h.DeleteSession)
	r.POST("/sessions/:id/execute", h.Execute)
	r.POST("/sessions/:id/reset", h.ResetSession)
	r.POST("/sessions/:id/clear", h.ClearSession)
	r.GET("/sessions/:id/snapshot", h.Snapshot)
	r.POST("/sessions/:id/restore", h.Restore)
	r.POST("/sessions/:id/save", h.SaveSession)

	r.GET("/stored", h.ListStored)
	r.POST("/stored/:name/load", h.LoadStored)
	r.DELETE("/stored/:name", h.DeleteStored)
}

// Root describes the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "enclave",
		"version": sandbox.Version,
	})
}

// Health reports liveness and a few gauges.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"version":        sandbox.Version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"sessions":       h.manager.Len(),
	})
}

// ListCallbacks describes the callbacks guest code may call.
func (h *Handlers) ListCallbacks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"callbacks": h.manager.Registry().Sandbox().Callbacks(),
	})
}

// span starts a span for op tagged with the session id, if any. The span
// is nil when tracing is disabled.
func (h *Handlers) span(c *gin.Context, op string) *tracing.Span {
	span, ctx := h.tracer.StartSpan(c.Request.Context(), op)
	c.Request = c.Request.WithContext(ctx)
	if sid := c.Param("id"); sid != "" {
		span.SetTag("session.id", sid)
	}
	return span
}
