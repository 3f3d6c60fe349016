package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

const defaultOutboxPull = 100

// outboxRepository пишет события заказов в outbox_messages: внутри единицы
// работы через её транзакцию, для воркера доставки через пул.
type outboxRepository struct {
	q querier
}

func (r *outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.q.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, domain.OutboxStatusPending, time.Now().UTC()); err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("enqueue %s for order %s: %w", msg.EventType, msg.AggregateID, err)
	}
	return msg, nil
}

// PullPending читает pending-события в порядке записи по индексу idx_outbox_pending.
func (r *outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = defaultOutboxPull
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryAll(ctx, r.q, "pending order events", func(row rowScanner) (domain.OutboxMessage, error) {
		var msg domain.OutboxMessage
		err := row.Scan(&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Payload)
		return msg, err
	}, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT $2
	`, domain.OutboxStatusPending, limit)
}

func (r *outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $1),
			COUNT(*) FILTER (WHERE status = $2),
			MIN(created_at) FILTER (WHERE status = $1)
		FROM outbox_messages
	`, domain.OutboxStatusPending, domain.OutboxStatusFailed).Scan(&stats.PendingCount, &stats.FailedCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("order outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.resolve(ctx, id, domain.OutboxStatusSent)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.resolve(ctx, id, domain.OutboxStatusFailed)
}

// resolve переводит событие из pending в итоговый статус. Повторная отметка
// не меняет строку и возвращает ErrOutboxMessageResolved.
func (r *outboxRepository) resolve(ctx context.Context, id string, to domain.OutboxStatus) error {
	if err := domain.OutboxStatusPending.Resolve(to); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		updated bool
		current domain.OutboxStatus
	)
	err := r.q.QueryRowContext(ctx, `
		WITH target AS (
			SELECT id, status FROM outbox_messages WHERE id = $1
		), updated AS (
			UPDATE outbox_messages o
			SET status = $2, attempt_count = o.attempt_count + 1, updated_at = $3
			FROM target
			WHERE o.id = target.id AND o.status = $4
			RETURNING o.id
		)
		SELECT EXISTS (SELECT 1 FROM updated), target.status
		FROM target
	`, id, to, time.Now().UTC(), domain.OutboxStatusPending).Scan(&updated, &current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("mark order event %s %s: %w", id, to, domain.ErrOutboxMessageNotFound)
	case err != nil:
		return fmt.Errorf("mark order event %s %s: %w", id, to, err)
	case updated:
		return nil
	case current == domain.OutboxStatusPending:
		// Строку успел отметить параллельный воркер.
		return fmt.Errorf("mark order event %s: %w", id, domain.ErrOutboxMessageResolved)
	}
	return fmt.Errorf("mark order event %s: %w", id, current.Resolve(to))
}

var _ domain.OutboxRepository = (*outboxRepository)(nil)
