package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// WaitForHealth blocks until the gRPC health check for service reports
// SERVING or the context ends. Progress is logged at debug level when a
// logger is supplied.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logger *zerolog.Logger) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	backoff := 200 * time.Millisecond
	for {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		if err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING {
			if logger != nil {
				logger.Debug().Str("service", service).Msg("gRPC health check is SERVING")
			}
			return nil
		}
		if logger != nil {
			event := logger.Debug().Str("service", service)
			if err != nil {
				event.Err(err).Msg("waiting for gRPC health")
			} else {
				event.Str("status", response.GetStatus().String()).Msg("waiting for gRPC health")
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(backoff):
		}

		if backoff < time.Second {
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}
	}
}

// HealthServer wraps the standard health service with the named services a
// server reports on.
type HealthServer struct {
	*health.Server
	services []string
}

// RegisterHealth attaches a health service to server and marks the overall
// status plus each named service SERVING.
func RegisterHealth(server *gogrpc.Server, services ...string) *HealthServer {
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	for _, service := range services {
		healthServer.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_SERVING)
	}
	return &HealthServer{Server: healthServer, services: services}
}

// Drain marks every registered service NOT_SERVING so clients stop routing
// new calls before the server stops.
func (h *HealthServer) Drain() {
	if h == nil || h.Server == nil {
		return
	}
	h.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	for _, service := range h.services {
		h.SetServingStatus(service, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}
	h.Shutdown()
}
