package grpc

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"rental-chat/internal/observability"
)

// Checker probes one dependency.
type Checker func(ctx context.Context) error

// HealthServer exposes the standard gRPC health service and keeps each
// registered dependency's serving status current.
type HealthServer struct {
	server *grpc.Server
	health *health.Server

	mu     sync.Mutex
	checks map[string]Checker
}

func NewHealthServer() *HealthServer {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	return &HealthServer{server: srv, health: hs, checks: make(map[string]Checker)}
}

// AddCheck registers a dependency under service name.
func (s *HealthServer) AddCheck(service string, check Checker) {
	s.mu.Lock()
	s.checks[service] = check
	s.mu.Unlock()
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_UNKNOWN)
}

// Probe runs every check once. The overall status ("") is SERVING only when all pass.
func (s *HealthServer) Probe(ctx context.Context) bool {
	s.mu.Lock()
	checks := make(map[string]Checker, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.mu.Unlock()

	healthy := true
	for name, check := range checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			log.Printf("health check failed service=%s: %v", name, err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
			healthy = false
		}
		s.health.SetServingStatus(name, status)
	}

	overall := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)
	return healthy
}

// Watch probes every interval until ctx ends.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		s.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *HealthServer) Serve(lis net.Listener) error {
	return s.server.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight calls.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
