package grpc

import (
	"context"
	"net"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Registrar attaches a collaborator's service to the server.
type Registrar func(s *grpc.Server)

type GRPCServer struct {
	address      string
	logger       logging.Logger
	interceptors []grpc.UnaryServerInterceptor
	registrars   []Registrar
	health       *health.Server
	listen       func(network, address string) (net.Listener, error)
}

// HealthCheckMethods are the health service methods that never need a token.
var HealthCheckMethods = []string{
	healthpb.Health_Check_FullMethodName,
}

func NewGRPCServer(a string, l logging.Logger, interceptors []grpc.UnaryServerInterceptor, registrars ...Registrar) *GRPCServer {
	return &GRPCServer{
		address:      a,
		logger:       l.With("module", "grpc_server"),
		interceptors: interceptors,
		registrars:   registrars,
		health:       health.NewServer(),
		listen:       net.Listen,
	}
}

// Health exposes the health server so callers can flip serving status.
func (s *GRPCServer) Health() *health.Server {
	return s.health
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := s.listen("tcp", s.address)
	if err != nil {
		return err
	}

	// creates gRPC-server
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(s.interceptors...))

	// registers services
	healthpb.RegisterHealthServer(srv, s.health)
	for _, register := range s.registrars {
		register(srv)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
