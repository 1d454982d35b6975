package grpcserver

import (
	"context"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rzbill/regflow/internal/services/pipeline"
	"github.com/rzbill/regflow/pkg/log"
)

// ServiceName is the health service name reported for the pipeline. The
// empty name reports the same status.
const ServiceName = "regflow.Pipeline"

// DefaultPollInterval is how often the store health is re-checked.
const DefaultPollInterval = 5 * time.Second

// Server owns the gRPC server instance.
type Server struct {
	svc    *pipeline.Service
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	logger log.Logger

	PollInterval time.Duration
}

// New constructs a gRPC server and registers the health service.
func New(svc *pipeline.Service, logger log.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	s := &Server{
		svc:          svc,
		grpc:         grpc.NewServer(opts...),
		health:       health.NewServer(),
		logger:       logger.WithComponent("grpc"),
		PollInterval: DefaultPollInterval,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Refresh checks the store once and publishes the result.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := s.svc.Health(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		s.logger.Warn("store unhealthy", log.Err(err))
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

func (s *Server) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, l)
}

// Serve serves on l until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.lis = l
	s.Refresh(ctx)
	mctx, stop := context.WithCancel(ctx)
	defer stop()
	go s.monitor(mctx)

	s.logger.Info("grpc server listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}
