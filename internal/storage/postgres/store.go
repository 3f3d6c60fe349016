package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	connectTimeout = 5 * time.Second
	opTimeout      = 5 * time.Second
)

// querier — общий интерфейс *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store оборачивает SQL-подключение к PostgreSQL.
type Store struct {
	db *sql.DB
}

// PoolConfig — размеры и время жизни соединений пула database/sql.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig рассчитан на один инстанс сервиса заказов.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    25,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

type openOptions struct {
	pool    PoolConfig
	appName string
}

// Option настраивает Open.
type Option func(*openOptions)

// WithPool заменяет настройки пула по умолчанию.
func WithPool(pool PoolConfig) Option {
	return func(o *openOptions) { o.pool = pool }
}

// WithApplicationName задаёт application_name, видимый в pg_stat_activity.
func WithApplicationName(name string) Option {
	return func(o *openOptions) { o.appName = name }
}

// Open разбирает DSN, открывает пул через драйвер pgx и проверяет доступность базы.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	o := openOptions{pool: DefaultPoolConfig(), appName: version.ClientID()}
	for _, opt := range opts {
		opt(&o)
	}

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if _, set := connConfig.RuntimeParams["application_name"]; !set && o.appName != "" {
		connConfig.RuntimeParams["application_name"] = o.appName
	}

	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(o.pool.MaxOpenConns)
	db.SetMaxIdleConns(o.pool.MaxIdleConns)
	db.SetConnMaxLifetime(o.pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(o.pool.ConnMaxIdleTime)

	store := &Store{db: db}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s:%d: %w", connConfig.Host, connConfig.Port, err)
	}
	return store, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Do выполняет fn в одной SQL-транзакции. Товары и заказы, прочитанные внутри,
// блокируются (SELECT ... FOR UPDATE) до commit или rollback.
// Ошибка fn возвращается без изменений.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &pgTx{store: s, q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Orders возвращает репозиторий заказов вне транзакции.
func (s *Store) Orders() domain.OrderRepository {
	return &orderRepository{store: s, q: s.db}
}

// Products возвращает каталог товаров вне транзакции.
func (s *Store) Products() domain.ProductDirectory {
	return &productRepository{store: s, q: s.db}
}

// Timeline возвращает хранилище событий заказа.
func (s *Store) Timeline() domain.TimelineRepository {
	return &timelineRepository{q: s.db}
}

// Outbox возвращает transactional outbox для воркера публикации.
func (s *Store) Outbox() domain.OutboxRepository {
	return &outboxRepository{q: s.db}
}

// Idempotency возвращает хранилище ключей идемпотентности.
func (s *Store) Idempotency() domain.IdempotencyRepository {
	return &idempotencyRepository{db: s.db}
}

// UpsertProduct добавляет или обновляет товар каталога.
func (s *Store) UpsertProduct(ctx context.Context, product domain.Product) error {
	return (&productRepository{store: s, q: s.db}).UpsertProduct(ctx, product)
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// EnsureSchema применяет все up-миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.MigrateUp(ctx, 0)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// pgTx — репозитории поверх одной SQL-транзакции.
type pgTx struct {
	store *Store
	q     *sql.Tx
}

func (t *pgTx) Products() domain.ProductDirectory {
	return &productRepository{store: t.store, q: t.q, inTx: true}
}

func (t *pgTx) Orders() domain.OrderRepository {
	return &orderRepository{store: t.store, q: t.q, inTx: true}
}

func (t *pgTx) Outbox() domain.OutboxWriter {
	return &outboxRepository{q: t.q}
}

func (t *pgTx) Timeline() domain.TimelineWriter {
	return &timelineRepository{q: t.q}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// queryAll выполняет запрос и собирает все строки через scan.
// Пустой результат — пустой, не nil, срез.
func queryAll[T any](ctx context.Context, q querier, what string, scan func(rowScanner) (T, error), query string, args ...any) (_ []T, err error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	defer func() { err = errors.Join(err, rows.Close()) }()

	out := make([]T, 0)
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", what, err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	return pgErrorCode(err) == "23505"
}

func isCheckViolation(err error) bool {
	return pgErrorCode(err) == "23514"
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

var (
	_ domain.Store          = (*Store)(nil)
	_ domain.ProductCatalog = (*Store)(nil)
	_ domain.Tx             = (*pgTx)(nil)
)
