package grpc

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/teachflow/teachflow-live/pkg/log"
)

// ServiceName is reported by the health service alongside the overall status.
const ServiceName = "teachflow.chat.v1.Chat"

// Server is the chat-service gRPC listener. It exposes the standard health
// service so orchestrators can probe the instance.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

func NewServer(addr string, logger zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := grpc.NewServer(
		grpc.UnaryInterceptor(log.UnaryServerInterceptor(logger)),
		grpc.StreamInterceptor(log.StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &Server{grpc: s, health: hs, lis: lis}, nil
}

func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Serve marks the service serving and blocks until the server stops.
func (s *Server) Serve() error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	l := log.L()
	l.Info().Str("address", s.lis.Addr().String()).Msg("chat grpc server listening")
	if err := s.grpc.Serve(s.lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// Stop reports NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
