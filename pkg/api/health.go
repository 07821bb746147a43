package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/vc3-project/vc3-master/pkg/log"
	"github.com/vc3-project/vc3-master/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer serves the HTTP health endpoints and the Prometheus
// scrape handler
type HealthServer struct {
	mux    *http.ServeMux
	server *http.Server
	logger zerolog.Logger
}

// NewHealthServer creates the HTTP health server
func NewHealthServer() *HealthServer {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", getOnly(metrics.HealthHandler()))
	mux.HandleFunc("/ready", getOnly(metrics.ReadyHandler()))
	mux.HandleFunc("/live", getOnly(metrics.LivenessHandler()))
	mux.Handle("/metrics", metrics.Handler())

	return &HealthServer{
		mux:    mux,
		logger: log.WithComponent("api"),
	}
}

func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

// Handler returns the HTTP handler for embedding in other servers
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// Serve accepts connections on ln until Shutdown is called
func (hs *HealthServer) Serve(ln net.Listener) error {
	hs.server = &http.Server{
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	hs.logger.Info().Str("addr", ln.Addr().String()).Msg("Health server listening")
	if err := hs.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server, waiting for in-flight requests
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}

// GRPCHealth exposes the standard grpc.health.v1 service. The empty
// service name reports readiness; every registered component is also
// reported under its own name.
type GRPCHealth struct {
	server *grpc.Server
	health *health.Server
	logger zerolog.Logger
}

// NewGRPCHealth creates the gRPC health service
func NewGRPCHealth() *GRPCHealth {
	g := &GRPCHealth{
		server: grpc.NewServer(),
		health: health.NewServer(),
		logger: log.WithComponent("api"),
	}
	healthpb.RegisterHealthServer(g.server, g.health)
	g.Sync()
	return g
}

// Sync copies the component registry into the health service
func (g *GRPCHealth) Sync() {
	for _, c := range metrics.Components() {
		g.health.SetServingStatus(c.Name, servingStatus(c.Healthy))
	}
	g.health.SetServingStatus("", servingStatus(metrics.GetReadiness().Status == "ready"))
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Check answers a health query in-process
func (g *GRPCHealth) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := g.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}

// Serve accepts gRPC connections on ln until Stop is called
func (g *GRPCHealth) Serve(ln net.Listener) error {
	g.logger.Info().Str("addr", ln.Addr().String()).Msg("gRPC health service listening")
	return g.server.Serve(ln)
}

// Stop marks every service NOT_SERVING and stops the server
func (g *GRPCHealth) Stop() {
	g.health.Shutdown()
	g.server.GracefulStop()
}
