package grpcx

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer builds a gRPC server carrying the standard health service.
// The returned health server starts in NOT_SERVING; drive it with WatchReadiness.
func NewServer(logger *slog.Logger, extra ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			UnaryServerRequestIDInterceptor(),
			UnaryServerLoggingInterceptor(logger),
		),
	}
	opts = append(opts, extra...)
	srv := grpc.NewServer(opts...)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// WatchReadiness polls check every interval and mirrors the result onto the
// health server for service until ctx is done.
func WatchReadiness(ctx context.Context, hs *health.Server, service string, interval time.Duration, check func(context.Context) bool) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	set := func() {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if check(ctx) {
			st = healthpb.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(service, st)
		if service != "" {
			hs.SetServingStatus("", st)
		}
	}
	set()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			set()
		}
	}
}
