// Package grpc serves the gRPC health service for the realtime server.
package grpc

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"realtime-service/internal/observability"
)

// ServiceName is the health service name reported alongside the overall status.
const ServiceName = "realtime.Presence"

// Pinger is satisfied by *sqlx.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer reports SERVING while the database answers pings.
type HealthServer struct {
	server   *grpclib.Server
	health   *health.Server
	db       Pinger
	interval time.Duration
	logger   *slog.Logger
}

func NewHealthServer(db Pinger, interval time.Duration, logger *slog.Logger) *HealthServer {
	srv := grpclib.NewServer(
		grpclib.StatsHandler(otelgrpc.NewServerHandler()),
		grpclib.ChainUnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	return &HealthServer{
		server:   srv,
		health:   hs,
		db:       db,
		interval: interval,
		logger:   logger.With(slog.String("component", "grpc_health")),
	}
}

// Serve blocks until the listener fails or Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	s.logger.Info("grpc health server listening", slog.String("addr", lis.Addr().String()))
	return s.server.Serve(lis)
}

// Watch pings the database every interval until ctx is done.
func (s *HealthServer) Watch(ctx context.Context) {
	s.check(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

func (s *HealthServer) check(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("database ping failed", slog.Any("error", err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
