// Package healthsrv exposes the gateway's serving state over the standard
// gRPC health protocol for load balancers and orchestrators.
package healthsrv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"cryptodesk/internal/logger"
	"cryptodesk/internal/metrics"
)

// Service is the service name reported alongside the overall ("") status.
const Service = "cryptodesk.Gateway"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// New returns a server that reports NOT_SERVING until told otherwise.
func New(log *slog.Logger) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    logger.Or(log).With("component", "grpc_health"),
	}
	grpc_health_v1.RegisterHealthServer(s.grpc, s.health)
	s.SetServing(false)
	return s
}

// SetServing updates both the overall and the named service status.
func (s *Server) SetServing(ok bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if ok {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
}

// Follow mirrors h: the current state now and every flip afterwards. It
// replaces any OnChange callback already set on h.
func (s *Server) Follow(h *metrics.HealthStatus) {
	h.OnChange = func(serving bool) {
		s.log.Info("serving state changed", "serving", serving)
		s.SetServing(serving)
	}
	s.SetServing(h.Serving())
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc health listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then drains in-flight calls
// for up to five seconds.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()
	s.log.Info("grpc health listening", "addr", lis.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		s.grpc.Stop()
	}
	return nil
}
