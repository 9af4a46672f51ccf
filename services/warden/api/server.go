// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api is the HTTP surface of the warden daemon.
//
// It exposes the operational interface (status, escalate, act, review,
// feedback), the CI webhook ingress, a websocket status stream and the
// Prometheus scrape endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/warden/services/warden/action"
	"github.com/AleutianAI/warden/services/warden/daemon"
	"github.com/AleutianAI/warden/services/warden/executor"
	"github.com/AleutianAI/warden/services/warden/telemetry"
	"github.com/AleutianAI/warden/services/warden/trust"
)

// Service is the part of the daemon the API drives.
type Service interface {
	Status(ctx context.Context) (daemon.Status, error)
	ActorStatus(ctx context.Context, actorID string) (daemon.ActorStatus, error)
	Escalate(ctx context.Context, actorID string) (trust.Transition, error)
	Act(ctx context.Context, actorID string, a action.Action) (executor.Result, error)
	Review(ctx context.Context, actorID, note string) (trust.Transition, error)
	Feedback(ctx context.Context, actorID string, accepted bool, correlationKey string) error
	HandleWebhook(ctx context.Context, eventType, deliveryID string, body []byte, signature string) error
}

var _ Service = (*daemon.Daemon)(nil)

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address. Default: 127.0.0.1:7420
	Addr string `yaml:"addr"`

	// ServiceName labels spans from otelgin. Default: warden
	ServiceName string `yaml:"service_name"`

	// StreamInterval is the period between status frames on the websocket
	// stream. Default: 2s
	StreamInterval time.Duration `yaml:"stream_interval"`

	// MaxBodyBytes caps request bodies, webhooks included. Default: 1 MiB
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// ShutdownTimeout bounds graceful shutdown. Default: 5s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:            "127.0.0.1:7420",
		ServiceName:     "warden",
		StreamInterval:  2 * time.Second,
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 5 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.ServiceName == "" {
		c.ServiceName = def.ServiceName
	}
	if c.StreamInterval <= 0 {
		c.StreamInterval = def.StreamInterval
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
}

// Server serves the API.
//
// # Thread Safety
//
// Safe for concurrent use once constructed.
type Server struct {
	cfg    Config
	svc    Service
	router *gin.Engine
	logger *slog.Logger
}

// New builds the router.
//
// # Inputs
//
//   - svc: The daemon, or any Service.
//   - cfg: Zero fields take defaults.
func New(svc Service, cfg Config) *Server {
	cfg.applyDefaults()
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: slog.Default().With("component", "api"),
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), s.limitBody)
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/metrics", s.handleMetrics)

	v1 := s.router.Group("/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/status/stream", s.handleStatusStream)

		actors := v1.Group("/actors/:id")
		{
			actors.GET("", s.handleActor)
			actors.POST("/escalate", s.handleEscalate)
			actors.POST("/actions", s.handleAct)
			actors.POST("/review", s.handleReview)
			actors.POST("/feedback", s.handleFeedback)
		}

		v1.POST("/webhooks/ci", s.handleCIWebhook)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
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

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("api shutdown incomplete", "error", err)
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleMetrics resolves the exporter per request because telemetry may be
// initialized after the router is built.
func (s *Server) handleMetrics(c *gin.Context) {
	h := telemetry.MetricsHandler()
	if h == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "prometheus exporter not enabled", Code: "METRICS_DISABLED"})
		return
	}
	h.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) limitBody(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes)
	}
	c.Next()
}
