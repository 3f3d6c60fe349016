package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса заказов.
type Config struct {
	GRPCAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool

	// CatalogSeedPath — JSON-файл с товарами, загружаемый при старте; пусто — без загрузки.
	CatalogSeedPath string

	// JWTSecret — общий HS256-секрет для проверки bearer-токенов. Обязателен.
	JWTSecret string

	// KafkaBrokers — список брокеров через запятую; пусто — публикация выключена.
	KafkaBrokers string
	KafkaTopic   string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	// OutboxMaxPendingAge — возраст самого старого события, после которого /healthz отдаёт degraded.
	OutboxMaxPendingAge time.Duration

	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	LogLevel string
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:                    ":50051",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		KafkaTopic:                  "marketplace.order.events",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		OutboxMaxPendingAge:         5 * time.Minute,
		IdempotencyCleanupInterval:  time.Hour,
		IdempotencyCleanupBatchSize: 500,
		LogLevel:                    "info",
	}
}

// ErrJWTSecretRequired — сервис не стартует без секрета для проверки токенов.
var ErrJWTSecretRequired = errors.New("jwt secret is required")

// Validate возвращает все найденные проблемы разом, чтобы оператор исправил их за один запуск.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, ErrJWTSecretRequired)
	}
	switch driver := strings.ToLower(strings.TrimSpace(c.StorageDriver)); driver {
	case "", StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for the postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if c.OutboxPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("outbox poll interval must be > 0, got %s", c.OutboxPollInterval))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("outbox batch size and max attempts must be > 0, got %d/%d", c.OutboxBatchSize, c.OutboxMaxAttempts))
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("outbox retry delay must be >= 0, got %s", c.OutboxRetryDelay))
	}
	if c.IdempotencyCleanupInterval <= 0 || c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency cleanup interval and batch size must be > 0"))
	}
	return errors.Join(errs...)
}

// KafkaBrokerList разбирает KafkaBrokers; пустой список выключает публикацию.
func (c Config) KafkaBrokerList() []string {
	var out []string
	for _, broker := range strings.Split(c.KafkaBrokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			out = append(out, broker)
		}
	}
	return out
}
