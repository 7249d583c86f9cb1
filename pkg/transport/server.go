package transport

import (
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

// Server exposes a Handler on a TCP listener. Register must be called
// before Serve.
type Server struct {
	logger   *zap.Logger
	server   *grpc.Server
	listener net.Listener
}

// NewServer creates a gRPC server for the membership service.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger: logger,
		server: grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(logger))),
	}
}

// Register installs the handler for delivered messages.
func (s *Server) Register(h Handler) {
	s.server.RegisterService(&serviceDesc, h)
}

// Listen binds addr. A hostname in addr is dropped so the node listens on
// every interface with the same port.
func (s *Server) Listen(addr string) error {
	bindAddr := addr
	if host, port, err := net.SplitHostPort(addr); err == nil && host != "" && net.ParseIP(host) == nil {
		bindAddr = ":" + port
	}
	lis, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bindAddr, err)
	}
	s.listener = lis
	return nil
}

// Addr is the bound address, once Listen succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve blocks handling requests until Stop is called.
func (s *Server) Serve() error {
	if s.listener == nil {
		return fmt.Errorf("server is not listening")
	}
	s.logger.Info("Membership transport listening", zap.String("address", s.listener.Addr().String()))
	if err := s.server.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("membership transport stopped: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.server.GracefulStop()
}
