// Package api exposes the job queue over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jobvault/jobvault/pkg/config"
	"github.com/jobvault/jobvault/pkg/health"
	"github.com/jobvault/jobvault/pkg/observability/logger"
	"github.com/jobvault/jobvault/pkg/queue"
	"github.com/jobvault/jobvault/pkg/storage/s3"
)

// Server serves the queue API plus health and metrics endpoints.
type Server struct {
	engine   *gin.Engine
	http     *http.Server
	provider *queue.Provider
	payloads *s3.PayloadStore
	registry *health.Registry
	log      logger.Logger
	config   config.HTTPConfig
}

// NewServer wires routes and middleware. payloads may be nil when object
// storage is disabled; the upload endpoints then answer 404.
func NewServer(cfg config.HTTPConfig, provider *queue.Provider, payloads *s3.PayloadStore, registry *health.Registry, log logger.Logger) (*Server, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if registry == nil {
		registry = health.NewRegistry()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestIDMiddleware())
	engine.Use(requestLoggerMiddleware(log))
	if cfg.MaxRequestSize > 0 {
		engine.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, cfg.MaxRequestSize)
			c.Next()
		})
	}

	s := &Server{
		engine:   engine,
		provider: provider,
		payloads: payloads,
		registry: registry,
		log:      log,
		config:   cfg,
	}
	s.routes(cfg.RateLimit)
	return s, nil
}

func (s *Server) routes(rl config.HTTPRateLimit) {
	s.engine.GET("/healthz", s.handleLiveness)
	s.engine.GET("/readyz", s.handleReadiness)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.engine.Group("/v1")
	if rl.Enabled {
		v1.Use(rateLimitMiddleware(rl))
	}

	v1.POST("/jobs", s.handleEnqueue)
	v1.GET("/jobs/:id", s.handleGetJob)
	v1.POST("/jobs/:id/heartbeat", s.handleHeartbeat)
	v1.POST("/jobs/:id/complete", s.handleComplete)
	v1.POST("/jobs/:id/fail", s.handleFail)
	v1.DELETE("/jobs", s.handleClean)
	v1.POST("/workers/reserve", s.handleReserve)
	v1.GET("/stats", s.handleStats)

	if s.payloads != nil {
		uploads := v1.Group("/uploads")
		uploads.POST("", s.handleSignedUpload)
		uploads.GET("/:key/url", s.handleSignedRead)
		uploads.POST("/resumable", s.handleInitResumable)
		uploads.POST("/resumable/parts", s.handleResumablePart)
		uploads.POST("/resumable/complete", s.handleCompleteResumable)
		uploads.POST("/resumable/abort", s.handleAbortResumable)
	}
}

// Handler exposes the configured engine, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Port),
		Handler:      s.engine,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) handleLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReadiness(c *gin.Context) {
	result := s.registry.Check(c.Request.Context())
	status := http.StatusOK
	if !result.IsHealthy() {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, result)
}
