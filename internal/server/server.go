package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/streambox/backend/internal/api/http"
	"github.com/GriffinCanCode/streambox/backend/internal/api/middleware"
	"github.com/GriffinCanCode/streambox/backend/internal/domain/installer"
	"github.com/GriffinCanCode/streambox/backend/internal/domain/integrity"
	"github.com/GriffinCanCode/streambox/backend/internal/domain/manager"
	"github.com/GriffinCanCode/streambox/backend/internal/domain/registry"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/blob"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/config"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/prefs"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/scheduler"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/transport"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/bridge"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/executor"
	"github.com/GriffinCanCode/streambox/backend/internal/runtime/sandbox"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/paths"
	"github.com/GriffinCanCode/streambox/backend/internal/ws"
)

const (
	// UpdateTask names the periodic update check
	UpdateTask = "update-check"

	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Server wraps the HTTP server and dependencies
type Server struct {
	config    *config.Config
	logger    *zap.Logger
	metrics   *monitoring.Metrics
	tracer    *tracing.Tracer
	store     *registry.Store
	blobs     *blob.Store
	prefs     *prefs.Store
	pool      *executor.Pool
	manager   *manager.Manager
	scheduler *scheduler.Scheduler
	router    *gin.Engine
	http      *http.Server

	// closers run in reverse order on Close
	closers []func() error
}

// NewServer opens storage under cfg.Storage.DataDir and wires every component
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Server, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{config: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, s.Close())
		}
	}()

	logger.Info("Initializing server",
		zap.String("port", cfg.Server.Port),
		zap.String("data_dir", cfg.Storage.DataDir))

	layout := paths.New(cfg.Storage.DataDir)
	osfs := afero.NewOsFs()
	if err := osfs.MkdirAll(layout.Payloads(), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s.metrics = monitoring.NewMetrics()
	s.tracer = tracing.New("streambox", logger, tracing.DefaultSlowThreshold)
	s.closers = append(s.closers, func() error { s.tracer.Close(); return nil })

	s.store, err = registry.Open(ctx, layout.Database(), logger.Named("registry"))
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.store.Close)

	s.blobs, err = blob.New(afero.NewBasePathFs(osfs, layout.Payloads()))
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.blobs.Close)

	s.prefs, err = prefs.Open(layout.Prefs())
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.prefs.Close)

	breakers := transport.NewBreakers()
	b := bridge.New(transport.New(transport.Options{
		Name:              "bridge",
		Timeout:           cfg.Bridge.Timeout,
		RequestsPerSecond: cfg.Bridge.RequestsPerSecond,
		Burst:             cfg.Bridge.Burst,
		MaxBodyBytes:      cfg.Bridge.MaxBodyBytes,
		UserAgent:         cfg.Bridge.UserAgent,
		Breakers:          breakers,
		Logger:            logger,
	}), bridge.Options{
		Timeout:           cfg.Bridge.Timeout,
		RequestsPerSecond: cfg.Bridge.RequestsPerSecond,
		Burst:             cfg.Bridge.Burst,
		Console:           cfg.Sandbox.EnableConsole,
		Logger:            logger.Named("bridge"),
		Metrics:           s.metrics,
	})

	s.pool = executor.New(s.store, s.blobs, executor.Options{
		Sandbox: sandbox.Config{
			Budget:       cfg.Sandbox.Budget,
			MaxCallStack: cfg.Sandbox.MaxCallStack,
		},
		MaxLive: cfg.Sandbox.MaxLive,
		Binders: executor.FromBridge(b),
		Logger:  logger.Named("pool"),
		Metrics: s.metrics,
	})
	s.closers = append(s.closers, s.pool.Close)

	chain, err := integrity.DefaultChain(cfg.Installer.TrustedKeys)
	if err != nil {
		return nil, fmt.Errorf("load trusted keys: %w", err)
	}
	var bundled afero.Fs
	if cfg.Storage.BundledDir != "" {
		bundled = afero.NewReadOnlyFs(afero.NewBasePathFs(osfs, cfg.Storage.BundledDir))
	}
	inst := installer.New(transport.New(transport.Options{
		Name:              "installer",
		Timeout:           cfg.Installer.Timeout,
		RequestsPerSecond: cfg.Installer.RequestsPerSecond,
		Burst:             cfg.Installer.Burst,
		MaxBodyBytes:      cfg.Installer.MaxPayloadBytes,
		Breakers:          breakers,
		Logger:            logger,
	}), s.store, s.blobs, installer.Options{
		MaxPayloadBytes: cfg.Installer.MaxPayloadBytes,
		Verifiers:       chain,
		Bundled:         bundled,
		Logger:          logger.Named("installer"),
		Metrics:         s.metrics,
	})

	s.manager = manager.NewManager(manager.Deps{
		Store:     s.store,
		Installer: inst,
		Pool:      s.pool,
		Blobs:     s.blobs,
		Prefs:     s.prefs,
		Quotas:    b,
		Logger:    logger.Named("manager"),
	}).
		WithMetrics(s.metrics).
		WithTracer(s.tracer).
		WithUpdateConcurrency(cfg.Updates.Concurrency)

	s.scheduler, err = scheduler.New(logger.Named("scheduler"), shutdownTimeout)
	if err != nil {
		return nil, err
	}

	s.router = s.buildRouter()
	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	logger.Info("Server initialized successfully")
	return s, nil
}

func (s *Server) buildRouter() *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(s.logger.Named("http")))
	router.Use(middleware.Recovery(s.logger))
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig().WithOrigins(s.config.Server.AllowedOrigins)))
	if s.config.RateLimit.Enabled {
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", s.config.RateLimit.RequestsPerSecond),
			zap.Int("burst", s.config.RateLimit.Burst))
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: s.config.RateLimit.RequestsPerSecond,
			Burst:             s.config.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(s.manager, s.pool, s.logger.Named("api"), s.metrics)
	handlers.Register(router)

	wsHandler := ws.NewHandler(s.manager, s.config.Server.AllowedOrigins, s.logger.Named("ws"), s.metrics)
	router.GET("/ws/extensions", wsHandler.HandleConnection)

	return router
}

// Start reconciles storage, installs bundled extensions and schedules
// update checks. Failures of bundled installs are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	removed, err := s.manager.SweepOrphans(ctx)
	if err != nil {
		s.logger.Warn("Orphan sweep failed", zap.Error(err))
	} else if len(removed) > 0 {
		s.logger.Info("Removed orphaned payloads", zap.Int("count", len(removed)))
	}

	installed, err := s.manager.InstallBundled(ctx)
	if err != nil {
		s.logger.Warn("Some bundled extensions failed to install", zap.Error(err))
	}
	if len(installed) > 0 {
		s.logger.Info("Bundled extensions installed", zap.Int("count", len(installed)))
	}

	s.scheduler.Start(ctx)
	if !s.config.Updates.Enabled {
		return nil
	}
	return s.scheduler.Every(UpdateTask, s.config.Updates.Interval, func(ctx context.Context) error {
		_, err := s.manager.CheckForUpdates(ctx)
		return err
	})
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Manager returns the extension manager
func (s *Server) Manager() *manager.Manager {
	return s.manager
}

// Run serves HTTP until Shutdown is called
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests, then releases every component
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	return multierr.Append(err, s.Close())
}

// Close releases components in reverse construction order
func (s *Server) Close() error {
	if s.scheduler != nil {
		s.scheduler.Stop(context.Background())
	}
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i]())
	}
	s.closers = nil
	return err
}
