// ============================================================================
// Health Server - gRPC health checking for the orchestrator
// ============================================================================
//
// Package: internal/server
// File: health.go
// Function: exposes the standard grpc.health.v1 service; serving status
//           follows the coordinator status
//
// Services:
//   ""                              SERVING while the process is up
//   orchestrator.v1.Coordinator     NOT_SERVING after a failed run
//   orchestrator.v1.Coordinator.Run SERVING while a run is active
//
// The status is refreshed from progress events (HandleEvent) and on demand
// (Refresh), so probes see job start and completion without polling.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/ChuLiYu/track-orchestrator/internal/progress"
	"github.com/ChuLiYu/track-orchestrator/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// CoordinatorService reports whether the coordinator can take work.
	CoordinatorService = "orchestrator.v1.Coordinator"
	// RunService reports whether a run is in progress.
	RunService = "orchestrator.v1.Coordinator.Run"
)

// ErrServerStopped is returned by Serve after Stop.
var ErrServerStopped = errors.New("server: stopped")

// StatusSource is the part of the coordinator the health server reads.
type StatusSource interface {
	Status() types.Status
}

// Server hosts the gRPC health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	source StatusSource
	logger *slog.Logger

	mu      sync.Mutex
	stopped bool
}

// NewServer creates a health server backed by source.
func NewServer(source StatusSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		source: source,
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.Refresh()
	return s
}

// Refresh recomputes the serving status from the coordinator status.
func (s *Server) Refresh() {
	s.apply(s.source.Status())
}

func (s *Server) apply(status types.Status) {
	coordinator := healthpb.HealthCheckResponse_SERVING
	if status.State == types.StateFailed {
		coordinator = healthpb.HealthCheckResponse_NOT_SERVING
	}
	run := healthpb.HealthCheckResponse_NOT_SERVING
	if status.Active {
		run = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(CoordinatorService, coordinator)
	s.health.SetServingStatus(RunService, run)
}

// HandleEvent is a progress.Listener refreshing the status on job
// boundaries.
func (s *Server) HandleEvent(e progress.Event) {
	switch e.Type {
	case progress.EventJobStarted:
		s.health.SetServingStatus(CoordinatorService, healthpb.HealthCheckResponse_SERVING)
		s.health.SetServingStatus(RunService, healthpb.HealthCheckResponse_SERVING)
	case progress.EventJobCompleted:
		if e.Result != nil {
			s.apply(types.Status{State: e.Result.State})
		}
	}
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServerStopped
	}
	s.mu.Unlock()

	s.logger.Info("Health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve health: %w", err)
	}
	return nil
}

// ListenAndServe listens on port and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the gRPC server.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.health.Shutdown()
	s.grpc.GracefulStop()
}
