package api

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// EngineService is the service name reported by the gRPC health server.
const EngineService = "strategy.Engine"

// HealthServer exposes engine readiness over the standard gRPC health
// protocol.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	ready  func() bool
	log    *zap.Logger
}

// NewHealthServer builds the server. ready is polled; the overall and the
// engine service status follow it.
func NewHealthServer(ready func() bool, log *zap.Logger) *HealthServer {
	if log == nil {
		log = zap.NewNop()
	}
	h := &HealthServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		ready:  ready,
		log:    log.With(zap.String("component", "grpc-health")),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	h.set(false)
	return h
}

func (h *HealthServer) set(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(EngineService, status)
}

// Serve listens on addr until ctx ends.
func (h *HealthServer) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx ends.
func (h *HealthServer) ServeListener(ctx context.Context, lis net.Listener) error {
	go h.watch(ctx)
	go func() {
		<-ctx.Done()
		h.health.Shutdown()
		h.srv.GracefulStop()
	}()
	h.log.Info("grpc health listening", zap.String("addr", lis.Addr().String()))
	return h.srv.Serve(lis)
}

func (h *HealthServer) watch(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	last := false
	for {
		if now := h.ready(); now != last {
			h.set(now)
			last = now
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
