package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/enclave/internal/api/http"
	"github.com/GriffinCanCode/enclave/internal/api/middleware"
	"github.com/GriffinCanCode/enclave/internal/api/ws"
	"github.com/GriffinCanCode/enclave/internal/callback"
	"github.com/GriffinCanCode/enclave/internal/domain/session"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/config"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/enclave/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/enclave/internal/sandbox"
	"github.com/GriffinCanCode/enclave/internal/shared/utils"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router   *gin.Engine
	manager  *session.Manager
	store    session.Store
	tracer   *tracing.Tracer
	logger   *zap.Logger
	config   *config.Config
	metrics  *monitoring.Metrics
	registry *prometheus.Registry
}

// NewServer wires the sandbox, session stores and HTTP routes from cfg.
// callbacks are exposed to guest code alongside the configured ones.
func NewServer(cfg *config.Config, logger *zap.Logger, callbacks ...callback.Callback) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing enclave server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("store", cfg.Sessions.Store),
		zap.Bool("network", cfg.Network.Enabled),
		zap.Bool("fetch", cfg.Fetch.Enabled))

	// Metrics first; everything below records into them.
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(registry)

	tracer := tracing.New("enclave", logger)

	builder, err := sandbox.FromConfig(cfg, logger)
	if err != nil {
		tracer.Close()
		return nil, err
	}
	sb, err := builder.
		WithCallbacks(callbacks...).
		WithMetrics(metrics).
		Build()
	if err != nil {
		tracer.Close()
		return nil, err
	}

	store, err := session.NewStore(cfg.Sessions.Store, cfg.Sessions.Location(), logger)
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	manager := session.NewManager(
		session.NewRegistry(sb, store, logger, metrics),
		session.ManagerConfig{
			MaxSessions: cfg.Sessions.MaxSessions,
			IdleTimeout: cfg.Sessions.IdleTimeout.Std(),
		},
		logger, metrics)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins...)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}
	router.Use(middleware.BodyLimit(utils.MaxJSONSize))

	handlers := apihttp.NewHandlers(manager, metrics, tracer, logger)
	handlers.Register(router)
	router.GET("/metrics", apihttp.MetricsHandler(registry))

	stream := ws.NewHandler(manager, cfg.Server.AllowedOrigins, metrics, logger)
	router.GET("/sessions/:id/stream", stream.HandleConnection)

	logger.Info("Server initialized successfully",
		zap.Int("callbacks", len(sb.Callbacks())))

	return &Server{
		router:   router,
		manager:  manager,
		store:    store,
		tracer:   tracer,
		logger:   logger,
		config:   cfg,
		metrics:  metrics,
		registry: registry,
	}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Manager returns the live session manager.
func (s *Server) Manager() *session.Manager {
	return s.manager
}

// Run serves on the configured address until ctx is done, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.manager.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := s.config.Server.ShutdownTimeout.Std()
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("Shutting down HTTP server", zap.Duration("timeout", timeout))
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close releases sessions, the store and the tracer.
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")
	s.manager.Close()
	s.tracer.Close()
	if err := s.store.Close(); err != nil {
		s.logger.Error("Failed to close session store", zap.Error(err))
		return fmt.Errorf("failed to close session store: %w", err)
	}
	_ = s.logger.Sync()
	return nil
}
