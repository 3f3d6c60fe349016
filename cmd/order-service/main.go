package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/app"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	envGRPCAddr                    = "MARKETPLACE_GRPC_ADDR"
	envMetricsAddr                 = "MARKETPLACE_METRICS_ADDR"
	envStorageDriver               = "MARKETPLACE_STORAGE_DRIVER"
	envPostgresDSN                 = "MARKETPLACE_POSTGRES_DSN"
	envPostgresAutoMigrate         = "MARKETPLACE_POSTGRES_AUTO_MIGRATE"
	envCatalogSeedFile             = "MARKETPLACE_CATALOG_SEED_FILE"
	envJWTSecret                   = "MARKETPLACE_JWT_SECRET"
	envKafkaBrokers                = "MARKETPLACE_KAFKA_BROKERS"
	envKafkaTopic                  = "MARKETPLACE_KAFKA_TOPIC"
	envOutboxPollInterval          = "MARKETPLACE_OUTBOX_POLL_INTERVAL"
	envOutboxBatchSize             = "MARKETPLACE_OUTBOX_BATCH_SIZE"
	envOutboxMaxAttempts           = "MARKETPLACE_OUTBOX_MAX_ATTEMPTS"
	envOutboxRetryDelay            = "MARKETPLACE_OUTBOX_RETRY_DELAY"
	envOutboxMaxPendingAge         = "MARKETPLACE_OUTBOX_MAX_PENDING_AGE"
	envIdempotencyCleanupInterval  = "MARKETPLACE_IDEMPOTENCY_CLEANUP_INTERVAL"
	envIdempotencyCleanupBatchSize = "MARKETPLACE_IDEMPOTENCY_CLEANUP_BATCH_SIZE"
	envLogLevel                    = "MARKETPLACE_LOG_LEVEL"
)

type envLookup func(string) (string, bool)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(level string) error {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	parsed, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		log.SetLevel(log.InfoLevel)
		return err
	}
	log.SetLevel(parsed)
	return nil
}

// envReader читает переменные окружения поверх значений по умолчанию.
// Некорректное значение не применяется и попадает в warnings.
type envReader struct {
	lookup   envLookup
	warnings []string
}

func (r *envReader) value(key string) (string, bool) {
	v, ok := r.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) text(key string, target *string) {
	if v, ok := r.value(key); ok {
		*target = v
	}
}

// readEnv применяет key к target, если значение разобралось и прошло check.
func readEnv[T any](r *envReader, key string, target *T, parse func(string) (T, error), check func(T) error) {
	raw, ok := r.value(key)
	if !ok {
		return
	}
	parsed, err := parse(raw)
	if err == nil && check != nil {
		err = check(parsed)
	}
	if err != nil {
		r.warnings = append(r.warnings, fmt.Sprintf("%s=%q: %v, using default", key, raw, err))
		return
	}
	*target = parsed
}

func atLeast[T int | time.Duration](lowest T) func(T) error {
	return func(v T) error {
		if v < lowest {
			return fmt.Errorf("must be >= %v", lowest)
		}
		return nil
	}
}

func storageDriver(raw string) (string, error) {
	switch driver := strings.ToLower(raw); driver {
	case app.StorageDriverMemory, app.StorageDriverPostgres:
		return driver, nil
	default:
		return "", errors.New("must be memory or postgres")
	}
}

// readConfigFromEnv собирает конфигурацию сервиса из MARKETPLACE_* переменных.
func readConfigFromEnv(lookup envLookup) (app.Config, []string) {
	cfg := app.DefaultConfig()
	r := &envReader{lookup: lookup}

	r.text(envGRPCAddr, &cfg.GRPCAddr)
	r.text(envMetricsAddr, &cfg.MetricsAddr)
	r.text(envPostgresDSN, &cfg.PostgresDSN)
	r.text(envCatalogSeedFile, &cfg.CatalogSeedPath)
	r.text(envJWTSecret, &cfg.JWTSecret)
	r.text(envKafkaBrokers, &cfg.KafkaBrokers)
	r.text(envKafkaTopic, &cfg.KafkaTopic)
	r.text(envLogLevel, &cfg.LogLevel)

	readEnv(r, envStorageDriver, &cfg.StorageDriver, storageDriver, nil)
	readEnv(r, envPostgresAutoMigrate, &cfg.PostgresAutoMigrate, parseBool, nil)

	readEnv(r, envOutboxBatchSize, &cfg.OutboxBatchSize, strconv.Atoi, atLeast(1))
	readEnv(r, envOutboxMaxAttempts, &cfg.OutboxMaxAttempts, strconv.Atoi, atLeast(1))
	readEnv(r, envIdempotencyCleanupBatchSize, &cfg.IdempotencyCleanupBatchSize, strconv.Atoi, atLeast(1))

	readEnv(r, envOutboxPollInterval, &cfg.OutboxPollInterval, time.ParseDuration, atLeast(time.Millisecond))
	readEnv(r, envOutboxRetryDelay, &cfg.OutboxRetryDelay, time.ParseDuration, atLeast(time.Duration(0)))
	readEnv(r, envOutboxMaxPendingAge, &cfg.OutboxMaxPendingAge, time.ParseDuration, atLeast(time.Second))
	readEnv(r, envIdempotencyCleanupInterval, &cfg.IdempotencyCleanupInterval, time.ParseDuration, atLeast(time.Second))

	return cfg, r.warnings
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid bool value %q", raw)
	}
}

func main() {
	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	if err := setupLogger(cfg.LogLevel); err != nil {
		log.WithError(err).Warn("invalid log level, using info")
	}
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Current().Fields()).WithFields(log.Fields{
		"grpc_addr":      cfg.GRPCAddr,
		"metrics_addr":   cfg.MetricsAddr,
		"storage_driver": cfg.StorageDriver,
	}).Info("запускаем OrderService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("OrderService остановлен")
}
