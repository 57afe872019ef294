package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"fieldops.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer publishes store readiness over the standard gRPC health protocol.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
	log       *zap.Logger
}

func NewHealthServer(r readinessChecker, log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &HealthServer{srv: health.NewServer(), readiness: r, log: log}
}

// Register attaches the health service to g.
func (s *HealthServer) Register(g *grpc.Server) {
	healthpb.RegisterHealthServer(g, s.srv)
}

// Refresh runs the readiness check once and updates the served status for
// both the empty service name and serviceName.
func (s *HealthServer) Refresh(ctx context.Context) error {
	status := healthpb.HealthCheckResponse_SERVING
	err := s.readiness.Check(ctx)
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.log.Warn("readiness check failed", zap.Error(err))
	}
	obs.SetReady(err == nil)
	s.srv.SetServingStatus("", status)
	s.srv.SetServingStatus(serviceName, status)
	return err
}

// Run refreshes every interval until ctx is done, then marks the service as shutting down.
func (s *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		checkCtx, cancel := context.WithTimeout(ctx, interval)
		_ = s.Refresh(checkCtx)
		cancel()
		select {
		case <-ctx.Done():
			s.srv.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
