// Package healthsrv exposes broker connectivity through the standard gRPC
// health service, for process supervisors and orchestrator probes.
package healthsrv

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rmacdonaldsmith/mqagents/pkg/publisher"
)

// ErrAlreadyStarted is returned when Start is called twice
var ErrAlreadyStarted = errors.New("health server already started")

// Server reports SERVING while the broker session is connected
type Server struct {
	addr    string
	service string
	logger  *zap.Logger

	grpcServer *grpc.Server
	health     *health.Server

	mu       sync.RWMutex
	listener net.Listener
	started  bool
	stopped  bool
}

// Ensure Server implements publisher.StatusListener
var _ publisher.StatusListener = (*Server)(nil)

// NewServer creates a health server for service listening on addr
func NewServer(addr, service string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		addr:       addr,
		service:    service,
		logger:     logger.Named("health"),
		grpcServer: gs,
		health:     hs,
	}
}

// Start listens and serves in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = lis
	s.started = true

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Health server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("Health server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

// Addr returns the listening address, or the configured one before Start
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
// Safe to call more than once.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}

// ConnectionStateChanged maps lifecycle states onto health status
func (s *Server) ConnectionStateChanged(state publisher.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == publisher.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
	s.logger.Debug("Health status updated", zap.Stringer("state", state), zap.Stringer("status", status))
}
