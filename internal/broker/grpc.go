// ABOUTME: gRPC server exposing the standard health service for cluster probes
// ABOUTME: Reports NOT_SERVING until the broker is running and again once shutdown begins

package broker

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

// HealthService is the service name reported alongside the overall status.
const HealthService = "mirror.broker.v1.Broker"

var healthServices = []string{"", HealthService}

func newGRPCServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    20 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(logUnary(logger)),
	)

	hs := health.NewServer()
	setHealth(hs, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	return server, hs
}

// logUnary logs each unary call at debug level with its status code.
func logUnary(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"duration", time.Since(start),
		)
		return resp, err
	}
}

func setHealth(hs *health.Server, st healthpb.HealthCheckResponse_ServingStatus) {
	for _, svc := range healthServices {
		hs.SetServingStatus(svc, st)
	}
}

func (b *Broker) markServing() {
	setHealth(b.health, healthpb.HealthCheckResponse_SERVING)
}

// shutdownGRPCServer drains in-flight RPCs, forcing a stop if ctx ends first.
func (b *Broker) shutdownGRPCServer(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.grpcServer.GracefulStop()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		b.grpcServer.Stop()
		<-done
	}
}
