// Package health exposes the worker pool state through the standard gRPC
// health checking protocol.
//
// Two services are reported:
//
//	""              SERVING while the pool is running
//	"actorq.worker" SERVING while the pool is running and not paused
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// WorkerService is the service name that tracks message consumption.
const WorkerService = "actorq.worker"

// Source reports the state being published. *worker.Pool implements it.
type Source interface {
	Running() bool
	Paused() bool
}

// Checker mirrors a Source into a grpc health server.
type Checker struct {
	src    Source
	srv    *health.Server
	logger *slog.Logger

	mu   sync.Mutex
	last [2]healthpb.HealthCheckResponse_ServingStatus
}

// NewChecker creates a checker and publishes the current state.
func NewChecker(src Source, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Checker{src: src, srv: health.NewServer(), logger: logger}
	c.Refresh()
	return c
}

// Register attaches the health service to s.
func (c *Checker) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, c.srv)
}

// Refresh publishes the current state of the source.
func (c *Checker) Refresh() {
	overall := healthpb.HealthCheckResponse_NOT_SERVING
	worker := healthpb.HealthCheckResponse_NOT_SERVING
	if c.src.Running() {
		overall = healthpb.HealthCheckResponse_SERVING
		if !c.src.Paused() {
			worker = healthpb.HealthCheckResponse_SERVING
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last != [2]healthpb.HealthCheckResponse_ServingStatus{overall, worker} {
		c.logger.Debug("Health status changed", "overall", overall.String(), "worker", worker.String())
	}
	c.last = [2]healthpb.HealthCheckResponse_ServingStatus{overall, worker}

	c.srv.SetServingStatus("", overall)
	c.srv.SetServingStatus(WorkerService, worker)
}

// Serving reports the last published status of service ("" or WorkerService).
func (c *Checker) Serving(service string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := 0
	if service == WorkerService {
		i = 1
	}
	return c.last[i] == healthpb.HealthCheckResponse_SERVING
}

// Serve runs a gRPC server carrying only the health service on port until
// ctx is done.
func (c *Checker) Serve(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}
	return c.serve(ctx, lis)
}

func (c *Checker) serve(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	c.Register(s)

	go func() {
		<-ctx.Done()
		s.GracefulStop()
	}()

	c.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
