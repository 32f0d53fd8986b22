package httpapi

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer publishes readiness through the standard gRPC health service,
// both for the server as a whole ("") and for serviceName.
type HealthServer struct {
	srv       *health.Server
	readiness ReadinessChecker
	log       *slog.Logger
}

func NewHealthServer(r ReadinessChecker, log *slog.Logger) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if log == nil {
		log = slog.Default()
	}
	h := &HealthServer{srv: health.NewServer(), readiness: r, log: log}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh runs the readiness check once and reports whether it passed.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		h.log.WarnContext(ctx, "grpc_health_not_serving", "error", err)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Watch refreshes every interval until ctx ends, then marks everything as
// not serving so watchers see the shutdown.
func (h *HealthServer) Watch(ctx context.Context, every time.Duration) {
	h.Refresh(ctx)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", st)
	h.srv.SetServingStatus(serviceName, st)
}
