package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/memory"
	"github.com/vladislavdragonenkov/marketplace/internal/storage/postgres"
)

const storageCheckTimeout = 2 * time.Second

// runtimeStore — хранилище вместе с outbox, который читает worker.
type runtimeStore interface {
	domain.Store
	Outbox() domain.OutboxRepository
	healthcheck.Pinger
}

// runtimeDependencies содержит хранилища, выбранные по StorageDriver.
type runtimeDependencies struct {
	store           runtimeStore
	catalog         domain.ProductCatalog
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	if logger == nil {
		logger = log.WithField("component", "app")
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	switch driver {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		logger.Warn("using in-memory storage, data is lost on restart")
		return &runtimeDependencies{
			store:           store,
			catalog:         store,
			outboxRepo:      store.Outbox(),
			timelineRepo:    store.Timeline(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker:  healthcheck.NewOrderStoreChecker(StorageDriverMemory, store, storageCheckTimeout),
			closeFn:         store.Close,
		}, nil
	case StorageDriverPostgres:
		return initPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
}

func initPostgresDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	dsn := strings.TrimSpace(cfg.PostgresDSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required for postgres storage driver")
	}

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if cfg.PostgresAutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	// Без автомиграции схему готовит cmd/migrate; сервис не стартует на отстающей схеме.
	if err := store.RequireSchema(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("check schema: %w", err)
	}
	logger.WithField("auto_migrate", cfg.PostgresAutoMigrate).Info("postgres schema is up to date")

	logger.Info("postgres storage initialized")
	return &runtimeDependencies{
		store:           store,
		catalog:         store,
		outboxRepo:      store.Outbox(),
		timelineRepo:    store.Timeline(),
		idempotencyRepo: store.Idempotency(),
		storageChecker:  healthcheck.NewOrderStoreChecker(StorageDriverPostgres, store, storageCheckTimeout),
		closeFn:         store.Close,
	}, nil
}
