package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const idempotencyColumns = `key, request_hash, response_body, result_code, status, ttl_at, created_at, updated_at`

// idempotencyRepository хранит ключи запросов к заказам вне единиц работы:
// ответ фиксируется после коммита операции над заказом.
type idempotencyRepository struct {
	db *sql.DB
}

// CreateProcessing занимает ключ одной командой. Живой ключ не трогается,
// просроченный перезаписывается; RETURNING отдаёт строку только при захвате.
func (r *idempotencyRepository) CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (domain.IdempotencyRecord, error) {
	claim, err := domain.NewIdempotencyRecord(key, requestHash, ttlAt, time.Now().UTC())
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := scanIdempotency(r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, ttl_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (key) DO UPDATE
		SET request_hash = EXCLUDED.request_hash,
		    response_body = NULL,
		    result_code = NULL,
		    status = EXCLUDED.status,
		    ttl_at = EXCLUDED.ttl_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.ttl_at <= EXCLUDED.created_at
		RETURNING `+idempotencyColumns,
		claim.Key, claim.RequestHash, claim.Status, claim.TTLAt, claim.CreatedAt))
	switch {
	case err == nil:
		return record, nil
	case !errors.Is(err, domain.ErrIdempotencyKeyNotFound):
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key %s: %w", claim.Key, err)
	}

	// Ключ занят живой записью.
	existing, err := r.Get(ctx, claim.Key)
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("load held idempotency key %s: %w", claim.Key, err)
	}
	return existing, existing.Reuse(claim.RequestHash)
}

func (r *idempotencyRepository) Get(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	record, err := scanIdempotency(r.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key))
	if err != nil && !errors.Is(err, domain.ErrIdempotencyKeyNotFound) {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	return record, err
}

func (r *idempotencyRepository) MarkDone(ctx context.Context, key string, responseBody []byte, resultCode int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusDone, responseBody, resultCode)
}

func (r *idempotencyRepository) MarkFailed(ctx context.Context, key string, responseBody []byte, resultCode int) error {
	return r.finish(ctx, key, domain.IdempotencyStatusFailed, responseBody, resultCode)
}

// DeleteExpired удаляет до limit самых старых просроченных ключей (limit <= 0 — все).
// Строки, занятые параллельной очисткой, пропускаются.
func (r *idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}
	var batch sql.NullInt64
	if limit > 0 {
		batch = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key IN (
			SELECT key FROM idempotency_keys
			WHERE ttl_at <= $1
			ORDER BY ttl_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
	`, before, batch)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency keys: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted idempotency keys: %w", err)
	}
	return int(deleted), nil
}

func (r *idempotencyRepository) finish(ctx context.Context, key string, status domain.IdempotencyStatus, responseBody []byte, resultCode int) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, response_body = $3, result_code = $4, updated_at = $5
		WHERE key = $1
	`, key, status, responseBody, resultCode, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark idempotency key %s %s: %w", key, status, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("mark idempotency key %s: %w", key, err)
	} else if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// scanIdempotency читает строку idempotency_keys; отсутствие строки — ErrIdempotencyKeyNotFound.
func scanIdempotency(row *sql.Row) (domain.IdempotencyRecord, error) {
	var (
		record     domain.IdempotencyRecord
		resultCode sql.NullInt64
	)
	err := row.Scan(
		&record.Key,
		&record.RequestHash,
		&record.ResponseBody,
		&resultCode,
		&record.Status,
		&record.TTLAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("idempotency key %s has unknown status %q", record.Key, record.Status)
	}
	record.ResultCode = int(resultCode.Int64)
	return record, nil
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
