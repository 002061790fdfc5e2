package observability

import (
	"context"
	"net"

	"github.com/signalsfoundry/tickregions/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// SchedulerService is the health service name reported for the tick scheduler.
const SchedulerService = "tickregions.TickScheduler"

// HealthServer serves the standard gRPC health protocol. The scheduler
// service reports SERVING only while the tick loop runs.
type HealthServer struct {
	log    logging.Logger
	health *health.Server
	server *grpc.Server
}

// NewHealthServer builds a health server instrumented with the otelgrpc
// stats handler. Both the overall and the scheduler service start as
// NOT_SERVING.
func NewHealthServer(log logging.Logger) *HealthServer {
	if log == nil {
		log = logging.Noop()
	}
	hs := health.NewServer()
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthpb.RegisterHealthServer(srv, hs)

	h := &HealthServer{log: log, health: hs, server: srv}
	h.SetServing(false)
	return h
}

// SetServing flips both the overall and the scheduler status.
func (h *HealthServer) SetServing(serving bool) {
	if h == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(SchedulerService, status)
	h.log.Debug(context.Background(), "health status changed",
		logging.String("service", SchedulerService),
		logging.String("status", status.String()),
	)
}

// Serve blocks serving health checks on lis until Stop is called.
func (h *HealthServer) Serve(lis net.Listener) error {
	h.log.Info(context.Background(), "serving gRPC health", logging.String("addr", lis.Addr().String()))
	return h.server.Serve(lis)
}

// Stop marks every service NOT_SERVING and gracefully stops the server.
func (h *HealthServer) Stop() {
	if h == nil {
		return
	}
	h.health.Shutdown()
	h.server.GracefulStop()
}
