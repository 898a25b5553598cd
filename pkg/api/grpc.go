package api

import (
	"net"
	"sync"
	"time"

	"github.com/cuemby/backplane/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name of the backplane
const ServiceName = "backplane"

// DefaultProbeInterval is how often the gRPC health status is refreshed
const DefaultProbeInterval = 10 * time.Second

// GRPCServer exposes the standard gRPC health service so load balancers
// and orchestrators can probe a backplane node. Its status follows the
// storage probe of the HealthServer.
type GRPCServer struct {
	grpc   *grpc.Server
	health *health.Server
	probe  *HealthServer
	every  time.Duration
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewGRPCServer creates the gRPC health server
func NewGRPCServer(probe *HealthServer, every time.Duration) *GRPCServer {
	if every <= 0 {
		every = DefaultProbeInterval
	}
	logger := log.WithComponent("grpc")
	s := &GRPCServer{
		grpc:   grpc.NewServer(grpc.UnaryInterceptor(InstrumentInterceptor(logger))),
		health: health.NewServer(),
		probe:  probe,
		every:  every,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.refresh()
	return s
}

// Start serves on addr until Stop
func (s *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go s.watch()
	s.logger.Info().Str("addr", addr).Msg("gRPC health service listening")
	return s.grpc.Serve(lis)
}

// Stop marks the service as not serving and stops the server
func (s *GRPCServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}

func (s *GRPCServer) watch() {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refresh()
		case <-s.stopCh:
			return
		}
	}
}

func (s *GRPCServer) refresh() {
	st := healthpb.HealthCheckResponse_SERVING
	if s.probe == nil || !s.probe.Check() {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
