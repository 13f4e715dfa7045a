// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package updateserver is the BundleNudge HTTP server.
//
// It answers device update checks through the rollout engine, ingests
// device telemetry, and exposes an admin API for channels and releases. The
// catalog and the monthly active device counters live in one BadgerDB.
package updateserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/bundlenudge/bundlenudge/pkg/extensions"
	"github.com/bundlenudge/bundlenudge/pkg/logging"
	"github.com/bundlenudge/bundlenudge/services/catalog"
	"github.com/bundlenudge/bundlenudge/services/observability"
	"github.com/bundlenudge/bundlenudge/services/rollout"
	kv "github.com/bundlenudge/bundlenudge/services/storage/badger"
)

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDB uses db instead of opening one under Config.DataDir. The caller
// keeps ownership and must close it.
func WithDB(db *kv.DB) Option {
	return func(s *Server) { s.db = db }
}

// WithSink overrides the telemetry sink.
func WithSink(sink Sink) Option {
	return func(s *Server) { s.sink = sink }
}

// WithAuthProvider authenticates admin API callers with provider instead
// of Config.AdminToken.
func WithAuthProvider(provider extensions.AuthProvider) Option {
	return func(s *Server) { s.auth = provider }
}

// WithBucketer pins rollout bucketing. Used by tests.
func WithBucketer(b rollout.Bucketer) Option {
	return func(s *Server) { s.bucketer = b }
}

// Server is the update server.
//
// # Description
//
// Server owns the catalog store, the active-release cache, the rollout
// engine, the MAU gate, the telemetry sink, and the gin router. Build one
// with New, serve with Run, and release resources with Close.
//
// # Thread Safety
//
// Router is safe for concurrent requests. Run and Close must be called once.
type Server struct {
	cfg    Config
	logger *slog.Logger

	db       *kv.DB
	ownsDB   bool
	store    *catalog.Store
	cache    *catalog.CachedResolver
	engine   *rollout.Engine
	bucketer rollout.Bucketer
	gate     *BadgerMAUGate
	sink     Sink
	auth     extensions.AuthProvider
	limiter  *IPRateLimiter
	watcher  *catalog.SeedWatcher
	router   *gin.Engine
}

// New builds a Server from cfg.
//
// # Description
//
// Opens the database (unless WithDB was given), applies the seed file when
// configured, wires the cached catalog into the rollout engine, chooses the
// telemetry sink (InfluxDB when configured, otherwise the log), and builds
// the router.
//
// # Outputs
//
//   - *Server: Ready to Run. Caller must call Close.
//   - error: Invalid config, storage failure, or an unreadable seed file.
func New(ctx context.Context, cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDefault(s.logger)
	if s.auth == nil {
		s.auth = extensions.DefaultOptions(cfg.AdminToken).AuthProvider
	}

	if s.db == nil {
		dbCfg := kv.DefaultConfig()
		dbCfg.Path = filepath.Join(cfg.DataDir, "db")
		dbCfg.Logger = s.logger.With(slog.String("component", "badger"))
		db, err := kv.Open(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("open server database: %w", err)
		}
		s.db = db
		s.ownsDB = true
	}

	s.store = catalog.NewStore(s.db)
	s.cache = catalog.NewCachedResolver(s.store, cfg.CacheTTL)
	s.store.OnChange(s.cache.Invalidate)
	s.engine = rollout.New(rollout.Options{
		Catalog:  s.cache,
		Bucketer: s.bucketer,
		Logger:   s.logger,
	})
	s.gate = NewBadgerMAUGate(s.db, cfg.MAULimit)

	if s.sink == nil {
		if cfg.Influx.Enabled() {
			s.sink = NewInfluxSink(cfg.Influx)
			s.logger.Info("telemetry sink: influxdb", slog.String("url", cfg.Influx.URL))
		} else {
			s.sink = NewLogSink(s.logger)
		}
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		s.limiter = NewIPRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	if cfg.SeedFile != "" {
		if err := s.applySeed(ctx); err != nil {
			s.Close()
			return nil, err
		}
		if cfg.WatchSeed {
			w, err := catalog.NewSeedWatcher(cfg.SeedFile, s.store, s.logger, s.onSeedReload)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("watch seed file: %w", err)
			}
			s.watcher = w
		}
	}

	s.router = s.buildRouter()
	return s, nil
}

func (s *Server) applySeed(ctx context.Context) error {
	seed, err := catalog.LoadSeed(s.cfg.SeedFile)
	if err != nil {
		catalogReloadsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("load seed file: %w", err)
	}
	stats, err := catalog.ApplySeed(ctx, s.store, seed, s.logger)
	s.onSeedReload(stats, err)
	if err != nil {
		return fmt.Errorf("apply seed file: %w", err)
	}
	return nil
}

func (s *Server) onSeedReload(_ catalog.SeedStats, err error) {
	if err != nil {
		catalogReloadsTotal.WithLabelValues("error").Inc()
		return
	}
	catalogReloadsTotal.WithLabelValues("ok").Inc()
}

func (s *Server) buildRouter() *gin.Engine {
	if s.cfg.GinMode != "" {
		gin.SetMode(s.cfg.GinMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(s.cfg.Telemetry.ServiceName),
		RequestID(),
		AccessLog(s.logger),
	)

	router.GET("/health", HealthCheck)
	router.GET("/metrics", gin.WrapH(metricsHandler()))

	v1 := router.Group("/v1")
	if s.limiter != nil {
		v1.Use(RateLimit(s.limiter))
	}
	{
		v1.POST("/updates/check", HandleCheck(s.engine, s.gate, s.logger))
		v1.POST("/telemetry", HandleTelemetry(s.sink, s.logger))
	}

	if s.auth == nil {
		s.logger.Warn("admin token not set, admin API disabled")
		return router
	}
	h := &adminHandlers{store: s.store, logger: s.logger}
	admin := v1.Group("", AdminAuth(s.auth, s.logger))
	{
		admin.GET("/apps", h.listApps)
		admin.POST("/apps", h.createApp)

		admin.GET("/apps/:appId/channels", h.listChannels)
		admin.POST("/apps/:appId/channels", h.createChannel)
		admin.GET("/apps/:appId/channels/:name", h.getChannel)
		admin.PATCH("/apps/:appId/channels/:name", h.renameChannel)
		admin.DELETE("/apps/:appId/channels/:name", h.deleteChannel)
		admin.PUT("/apps/:appId/channels/:name/active-release", h.setActiveRelease)

		admin.GET("/apps/:appId/releases", h.listReleases)
		admin.POST("/apps/:appId/releases", h.createRelease)
		admin.GET("/releases/:id", h.getRelease)
		admin.PATCH("/releases/:id", h.updateRelease)
		admin.DELETE("/releases/:id", h.deleteRelease)
	}
	return router
}

// metricsHandler serves the OTel Prometheus exporter when it is enabled,
// and the default registry otherwise. Both include the promauto collectors.
func metricsHandler() http.Handler {
	if h := observability.MetricsHandler(); h != nil {
		return h
	}
	return promhttp.Handler()
}

// Router returns the configured gin engine.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Store returns the catalog store.
func (s *Server) Store() *catalog.Store {
	return s.store
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start seed watcher: %w", err)
		}
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("update server listening", slog.Int("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down update server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close stops the seed watcher, flushes the sink, and closes the database
// when the server opened it.
func (s *Server) Close() error {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	var errs []error
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.ownsDB && s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
