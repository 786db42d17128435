// Package server provides the HTTP admin and data surface for gateguard.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeward/gateguard/internal/apikey"
	"github.com/edgeward/gateguard/internal/circuitbreaker"
	"github.com/edgeward/gateguard/internal/observability"
)

// ginModeOnce ensures gin.SetMode is only called once to avoid race conditions.
var ginModeOnce sync.Once

// Config holds configuration for the HTTP server.
type Config struct {
	Address        string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxHeaderBytes int

	// AdminKeys are static bearer tokens admitted to the management
	// endpoints. When empty the management surface is open.
	AdminKeys []string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
}

// Server is the HTTP server. It exposes key lifecycle and breaker
// administration under /api/v1 and proxies downstream calls through the
// breaker registry.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     *Config
	logger     observability.Logger

	gate     *apikey.Gate
	registry *circuitbreaker.Registry
	proxy    *http.Client

	mu      sync.Mutex
	running bool
}

// New creates the HTTP server and registers all routes.
func New(
	config *Config,
	gate *apikey.Gate,
	registry *circuitbreaker.Registry,
	logger observability.Logger,
) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine:   gin.New(),
		config:   config,
		logger:   logger,
		gate:     gate,
		registry: registry,
		proxy:    &http.Client{},
	}

	s.engine.Use(s.recoveryMiddleware(), s.loggingMiddleware())
	s.registerRoutes()

	return s
}

// registerRoutes wires the full route table.
func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/metrics", s.metricsHandler())

	admin := s.engine.Group("/api/v1", s.adminAuthMiddleware())
	{
		admin.POST("/keys", s.handleGenerateKey)
		admin.GET("/keys", s.handleListKeys)
		admin.POST("/keys/:id/rotate", s.handleRotateKey)
		admin.DELETE("/keys/:id", s.handleRevokeKey)
		admin.GET("/keys/:id/metrics", s.handleKeyMetrics)

		admin.GET("/breakers", s.handleBreakerHealth)
		admin.POST("/breakers/open", s.handleForceOpenAll)
		admin.POST("/breakers/close", s.handleForceCloseAll)
		admin.POST("/breakers/:name/open", s.handleForceOpen)
		admin.POST("/breakers/:name/close", s.handleForceClose)
	}

	data := s.engine.Group("/api/v1/proxy", s.keyAuthMiddleware())
	{
		data.POST("/:dependency", s.handleProxy)
	}
}

// metricsHandler serves the default registry together with the gate's own.
func (s *Server) metricsHandler() gin.HandlerFunc {
	gatherers := prometheus.Gatherers{prometheus.DefaultGatherer}
	if s.gate != nil {
		gatherers = append(gatherers, s.gate.Metrics().Registry())
	}

	h := promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{})
	return gin.WrapH(h)
}

// Engine returns the underlying gin engine, for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.engine,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting HTTP server",
		observability.String("address", addr),
		observability.Duration("readTimeout", s.config.ReadTimeout),
		observability.Duration("writeTimeout", s.config.WriteTimeout),
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.logger.Info("stopping HTTP server")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("HTTP server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
