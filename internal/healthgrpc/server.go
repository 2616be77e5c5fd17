// Package healthgrpc exposes the node's liveness as a standard gRPC health
// check service, for process supervisors (systemd, k8s) to probe without
// coupling to this core's own wire protocol.
package healthgrpc

import (
	"fmt"
	"net"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server is a minimal gRPC server exposing only the standard health-check
// service plus Prometheus interceptor metrics; this core has no RPC API of
// its own, so nothing else is registered.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *zap.Logger
	port       int
}

// NewServer constructs a health-only gRPC server listening on port.
func NewServer(port int, logger *zap.Logger) *Server {
	grpcServer := grpc.NewServer(
		grpc.StreamInterceptor(grpc_prometheus.StreamServerInterceptor),
		grpc.UnaryInterceptor(grpc_prometheus.UnaryServerInterceptor),
	)

	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpc_prometheus.Register(grpcServer)

	return &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger,
		port:       port,
	}
}

// Start listens and serves until Stop is called. Call from a goroutine.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.logger.Info("starting health gRPC server", zap.String("address", listener.Addr().String()))
	return s.grpcServer.Serve(listener)
}

// SetNotServing marks the node as failing health checks without tearing the
// server down, for use during graceful shutdown drain.
func (s *Server) SetNotServing() {
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

// Stop gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
