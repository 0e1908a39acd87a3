// Package health serves the standard gRPC health protocol for the service.
// The status follows the store: SERVING while it pings, NOT_SERVING
// otherwise.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the name reported for the execution service. The empty name
// reports the overall server status and mirrors it.
const Service = "broker-bridge.Execution"

const pingTimeout = 2 * time.Second

// Pinger is the dependency whose liveness decides the status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server runs a gRPC server exposing grpc.health.v1.Health.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	pinger   Pinger
	logger   *zap.Logger
	Interval time.Duration

	serving atomic.Bool
}

func NewServer(pinger Pinger, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		pinger:   pinger,
		logger:   logger,
		Interval: 10 * time.Second,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Refresh pings once and publishes the resulting status.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if s.pinger != nil {
		if err := s.pinger.Ping(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			if s.serving.Load() {
				s.logger.Warn("health: store ping failed", zap.Error(err))
			}
		}
	}
	serving := status == healthpb.HealthCheckResponse_SERVING
	if was := s.serving.Swap(serving); serving && !was {
		s.logger.Info("health: serving")
	}
	s.set(status)
	return status
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Serve refreshes on Interval and serves lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("grpc health: %w", err)
	}
	return nil
}

// Probe asks the health server at addr for the execution service status.
// It backs the container health check.
func Probe(ctx context.Context, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: Service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
