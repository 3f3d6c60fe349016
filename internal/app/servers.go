package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	grpcsvc "github.com/vladislavdragonenkov/marketplace/internal/service/grpc"
)

const (
	opsReadHeaderTimeout = 5 * time.Second
	opsShutdownTimeout   = 5 * time.Second
)

// newGRPCServer собирает gRPC-сервер заказов: метрики, JWT, reflection и grpc.health.v1.
func newGRPCServer(orderService grpcsvc.OrderServiceServer, auth *grpcsvc.Authenticator, logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := registerGRPCMetrics(logger)
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		auth.UnaryInterceptor(),
	))
	grpcsvc.RegisterOrderServiceServer(server, orderService)
	grpcMetrics.InitializeMetrics(server)

	// reflection нужна grpcurl и нагрузочным тестам
	reflection.Register(server)

	probes := health.NewServer()
	probes.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	probes.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(server, probes)
	return server, probes
}

// registerGRPCMetrics регистрирует метрики gRPC-сервера или берёт уже зарегистрированные.
func registerGRPCMetrics(logger *log.Entry) *promgrpc.ServerMetrics {
	grpcMetrics := promgrpc.NewServerMetrics()
	err := prometheus.Register(grpcMetrics)
	if err == nil {
		return grpcMetrics
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(*promgrpc.ServerMetrics); ok {
			return existing
		}
	}
	logger.WithError(err).Warn("grpc metrics are not registered")
	return grpcMetrics
}

// serveGRPC обслуживает lis до отмены ctx. При отмене сначала переводит
// grpc.health.v1 в NOT_SERVING, затем останавливает сервер.
func serveGRPC(ctx context.Context, server *grpc.Server, probes *health.Server, lis net.Listener, logger *log.Entry) error {
	served := make(chan error, 1)
	go func() { served <- server.Serve(lis) }()
	logger.WithField("addr", lis.Addr().String()).Info("grpc order service is listening")

	select {
	case err := <-served:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve grpc: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down grpc order service")
	probes.Shutdown()
	stopGRPC(server, logger)
	return ctx.Err()
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		server.GracefulStop()
	}()

	timer := time.NewTimer(gracefulStopTimeout)
	defer timer.Stop()
	select {
	case <-stopped:
	case <-timer.C:
		logger.Warn("grpc graceful stop timed out, closing connections")
		server.Stop()
	}
}

// opsMux — HTTP для эксплуатации: /metrics и health-пробы.
func opsMux(probes *healthcheck.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", probes)
	mux.HandleFunc("GET /livez", healthcheck.LivenessHandler)
	mux.HandleFunc("GET /readyz", probes.ReadinessHandler)
	return mux
}

// serveOps возвращает worker, который держит HTTP на addr до отмены контекста.
// Если порт занят, worker пишет предупреждение и завершается: заказы принимаются и без /metrics.
func serveOps(addr string, handler http.Handler, logger *log.Entry) func(context.Context) {
	logger = logger.WithField("addr", addr)
	return func(ctx context.Context) {
		srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: opsReadHeaderTimeout}

		failed := make(chan error, 1)
		go func() { failed <- srv.ListenAndServe() }()
		logger.Info("ops http: /metrics /healthz /livez /readyz")

		select {
		case err := <-failed:
			if !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Warn("ops http server failed")
			}
			return
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("ops http shutdown")
		}
	}
}
