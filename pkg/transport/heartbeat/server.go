// Copyright 2026 © The Kernos Authors
// SPDX-License-Identifier: Apache-2.0

// Package heartbeat exposes kernel liveness as a gRPC health service.
//
// The service named ServiceName, and the server-wide "" service, are
// SERVING while every registered check is healthy or degraded and
// NOT_SERVING otherwise.
package heartbeat

import (
	"context"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name of the kernel.
const ServiceName = "kernos.Kernel"

// DefaultInterval is how often checks run.
const DefaultInterval = time.Second

// Server serves the health service.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	checks   *Checks
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithInterval sets how often checks run.
func WithInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New returns a server reporting the result of checks. Both services
// start NOT_SERVING.
func New(checks *Checks, opts ...Option) *Server {
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		checks:   checks,
		interval: DefaultInterval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

func (s *Server) set(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("heartbeat.serve", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

// Run refreshes the serving status until ctx is done, then reports
// NOT_SERVING.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			s.set(healthpb.HealthCheckResponse_NOT_SERVING)
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Refresh runs the checks once and updates the serving status.
func (s *Server) Refresh(ctx context.Context) {
	results, overall := s.checks.CheckAll(ctx)
	for _, r := range results {
		if r.Status != StatusHealthy {
			s.logger.Debug("heartbeat.check", "component", r.Component, "status", string(r.Status),
				"message", r.Message, "error", r.Err)
		}
	}
	if overall == StatusUnhealthy {
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
}

// Stop stops serving. Watchers are told the kernel is going away.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
