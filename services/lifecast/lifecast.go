// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package lifecast provides the Game of Life streaming server as a
// reusable service.
//
// # Description
//
// Every websocket client that connects gets its own randomly seeded 50x50
// Conway grid. The server pushes one rendered HTML fragment per tick and
// accepts htmx trigger messages to reset, pause, resume or change speed.
//
// # Usage
//
//	svc, err := lifecast.New(lifecast.Config{Addr: "127.0.0.1:7936"})
//	if err != nil {
//	    return err
//	}
//	return svc.Run(ctx)
package lifecast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/AleutianAI/lifecast/services/lifecast/handlers"
	"github.com/AleutianAI/lifecast/services/lifecast/observability"
	"github.com/AleutianAI/lifecast/services/lifecast/routes"
	"github.com/AleutianAI/lifecast/services/lifecast/transport"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is the lifecast server lifecycle.
//
// # Thread Safety
//
// Run and Serve block and must be called at most once per instance.
type Service interface {
	// Run binds Config.Addr and serves until ctx is cancelled.
	//
	// # Outputs
	//
	//   - error: ErrListen (wrapped) when the address cannot be bound, or
	//     a serve or shutdown failure. Nil after a clean shutdown.
	Run(ctx context.Context) error

	// Serve is Run on a listener the caller already bound.
	Serve(ctx context.Context, ln net.Listener) error

	// Router returns the configured Gin engine.
	Router() *gin.Engine

	// ActiveSessions returns the number of connected clients.
	ActiveSessions() int64
}

// ErrListen is returned by Run when the listening socket cannot be created.
var ErrListen = errors.New("lifecast: listen failed")

// =============================================================================
// Configuration
// =============================================================================

// Config holds server configuration.
//
// # Examples
//
//	// All defaults: 127.0.0.1:7936, websocket at "/", metrics off
//	cfg := Config{}
//
//	cfg := Config{
//	    Addr:          "0.0.0.0:8080",
//	    Path:          "/life",
//	    EnableMetrics: true,
//	    OTelEndpoint:  "localhost:4317",
//	}
type Config struct {
	// Addr is the listen address. Default: "127.0.0.1:7936"
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// Path is where clients open the websocket. Default: "/"
	Path string `yaml:"path" validate:"required,startswith=/"`

	// EnableMetrics exposes Prometheus metrics on /metrics.
	EnableMetrics bool `yaml:"enable_metrics"`

	// OTelEndpoint is an OTLP gRPC collector address. Empty disables OTLP.
	OTelEndpoint string `yaml:"otel_endpoint,omitempty" validate:"omitempty,hostname_port"`

	// TraceStdout writes spans as JSON to TraceWriter (default os.Stdout)
	// when no OTelEndpoint is set.
	TraceStdout bool `yaml:"trace_stdout"`

	// GinMode is one of "debug", "release", "test". Default: "release"
	GinMode string `yaml:"gin_mode" validate:"oneof=debug release test"`

	// ShutdownTimeout bounds graceful shutdown. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// Transport tunes each websocket connection.
	Transport transport.Config `yaml:"-"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `yaml:"-" validate:"-"`

	// TraceWriter overrides os.Stdout for TraceStdout.
	TraceWriter io.Writer `yaml:"-" validate:"-"`
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	return applyConfigDefaults(Config{EnableMetrics: true})
}

// Resolved returns c with defaults filled in, as New would use it.
func (c Config) Resolved() Config {
	return applyConfigDefaults(c)
}

// Validate checks cfg after defaults are applied.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

var configValidate = validator.New()

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:7936"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TraceStdout && cfg.TraceWriter == nil {
		cfg.TraceWriter = os.Stdout
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// All fields are read-only after New returns. Session bookkeeping lives
// in the tracker and metrics, simulation state lives in each handler.
type service struct {
	config        Config
	logger        *slog.Logger
	router        *gin.Engine
	registry      *prometheus.Registry
	metrics       *observability.Metrics
	tracker       *handlers.Tracker
	tracerCleanup func(context.Context)
	cleanupOnce   sync.Once
}

// New creates a lifecast Service.
//
// # Description
//
//  1. Applies defaults and validates the configuration
//  2. Initializes tracing when an exporter is configured
//  3. Creates a private Prometheus registry and the session metrics
//  4. Builds the Gin router with otelgin middleware and all routes
//
// # Outputs
//
//   - Service: ready to Run.
//   - error: invalid configuration or tracer setup failure.
func New(cfg Config) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &service{
		config:  cfg,
		logger:  cfg.Logger,
		tracker: &handlers.Tracker{},
	}

	cleanup, err := observability.InitTracer(context.Background(), observability.TracingConfig{
		OTLPEndpoint: cfg.OTelEndpoint,
		Writer:       s.traceWriter(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = prometheus.NewRegistry()
	if cfg.EnableMetrics {
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	s.metrics = observability.NewMetrics(s.registry)

	s.initRouter()
	return s, nil
}

func (s *service) traceWriter() io.Writer {
	if !s.config.TraceStdout {
		return nil
	}
	return s.config.TraceWriter
}

func (s *service) initRouter() {
	gin.SetMode(s.config.GinMode)
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(observability.ServiceName))

	opts := routes.Options{SessionPath: s.config.Path}
	if s.config.EnableMetrics {
		opts.Gatherer = s.registry
	}
	routes.SetupRoutes(s.router, handlers.SessionDeps{
		Metrics:   s.metrics,
		Tracker:   s.tracker,
		Logger:    s.logger,
		Transport: s.config.Transport,
	}, opts)
}

// Run binds the configured address and serves on it.
func (s *service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("%w on %s: %w", ErrListen, s.config.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
//
// # Description
//
// Request contexts derive from ctx, so cancelling it also stops every
// session loop at its next sleep. After cancellation the HTTP server is
// shut down and live sessions are awaited, both within ShutdownTimeout.
// The tracer is flushed last.
func (s *service) Serve(ctx context.Context, ln net.Listener) error {
	defer s.cleanup()

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return gctx },
	}

	s.logger.Info("lifecast listening",
		"addr", ln.Addr().String(),
		"path", s.config.Path,
		"metrics", s.config.EnableMetrics)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		s.logger.Info("shutting down", "active_sessions", s.tracker.Active())
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		if err := s.tracker.Wait(shutdownCtx); err != nil {
			return fmt.Errorf("waiting for %d sessions: %w", s.tracker.Active(), err)
		}
		return nil
	})

	err := g.Wait()
	if err != nil {
		s.logger.Error("lifecast stopped with error", "error", err)
		return err
	}
	s.logger.Info("lifecast stopped")
	return nil
}

// Router returns the underlying Gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// ActiveSessions returns the number of connected clients.
func (s *service) ActiveSessions() int64 {
	return s.tracker.Active()
}

func (s *service) cleanup() {
	s.cleanupOnce.Do(func() {
		if s.tracerCleanup != nil {
			s.tracerCleanup(context.Background())
		}
	})
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
