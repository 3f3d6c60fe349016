package app

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
	grpcsvc "github.com/vladislavdragonenkov/marketplace/internal/service/grpc"
	"github.com/vladislavdragonenkov/marketplace/internal/service/idempotency"
	"github.com/vladislavdragonenkov/marketplace/internal/service/orders"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	gracefulStopTimeout = 5 * time.Second
	workerStopTimeout   = 5 * time.Second
)

// Run поднимает gRPC-сервер заказов, HTTP метрик и фоновые worker'ы
// и блокируется до отмены ctx или ошибки сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if deps.closeFn == nil {
			return
		}
		if err := deps.closeFn(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	seededIDs, err := seedCatalog(ctx, deps.catalog, cfg.CatalogSeedPath, logger)
	if err != nil {
		return err
	}

	orderMetrics := metrics.NewOrderMetrics()
	outboxMetrics := metrics.NewOutboxMetrics()
	idemMetrics := metrics.NewIdempotencyMetrics()

	engine := orders.NewEngine(deps.store,
		orders.WithLogger(logger.WithField("layer", "engine")),
		orders.WithMetrics(orderMetrics),
	)

	bus, _ := connectEventBus(cfg, logger)
	defer bus.Close(logger)

	workers := newWorkerGroup(ctx, logger)
	defer workers.Stop()

	if bus != nil {
		worker := outbox.NewWorker(
			deps.outboxRepo,
			bus.events,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(bus.dlq),
			outbox.WithMetrics(outboxMetrics),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		workers.Go("outbox", worker.Run)
	} else {
		logger.Warn("kafka is not configured, order events stay in outbox")
	}

	cleanup := idempotency.NewCleanupWorker(
		deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithMetrics(idemMetrics),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	workers.Go("idempotency-cleanup", cleanup.Run)

	auth := grpcsvc.NewAuthenticator([]byte(cfg.JWTSecret), logger.WithField("component", "grpc-auth"))
	orderService := grpcsvc.NewOrderService(engine, deps.idempotencyRepo, idemMetrics, logger.WithField("layer", "grpc"))

	grpcServer, probes := newGRPCServer(orderService, auth, logger)

	healthHandler := healthcheck.NewHandler(grpcsvc.ServiceName, version.GetVersion())
	healthHandler.Register(healthcheck.ComponentOrderStore, deps.storageChecker)
	healthHandler.RegisterOptional(healthcheck.ComponentOrderOutbox, healthcheck.NewOutboxBacklogChecker(deps.outboxRepo, cfg.OutboxMaxPendingAge))
	healthHandler.RegisterOptional(healthcheck.ComponentCatalog, healthcheck.NewCatalogChecker(deps.store, seededIDs))
	healthHandler.RegisterOptional(healthcheck.ComponentKafka, healthcheck.NewKafkaChecker(bus.Producer(), cfg.KafkaTopic))
	workers.Go("ops-http", serveOps(cfg.MetricsAddr, opsMux(healthHandler), logger.WithField("component", "ops-http")))

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc %s: %w", cfg.GRPCAddr, err)
	}
	return serveGRPC(ctx, grpcServer, probes, lis, logger)
}
