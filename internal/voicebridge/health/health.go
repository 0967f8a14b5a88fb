package health

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the service reported to health probes
const ServiceName = "voicebridge"

// Server exposes grpc.health.v1.Health for orchestration probes
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	listener net.Listener
}

// New creates a health server reporting NOT_SERVING until SetServing(true)
func New() *Server {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	g := grpc.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	return &Server{grpc: g, health: hs}
}

// Start listens on addr and serves in the background
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go func() {
		if err := s.grpc.Serve(listener); err != nil {
			slog.Error("[Health] gRPC server error", "error", err)
		}
	}()
	slog.Info("[Health] gRPC health server listening", "address", listener.Addr().String())
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing switches the reported status of the service and the server as a whole
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Stop marks everything NOT_SERVING and stops the server
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
