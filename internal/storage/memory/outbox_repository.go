package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// outboxRecord — событие заказа со служебными полями.
type outboxRecord struct {
	msg        domain.OutboxMessage
	status     domain.OutboxStatus
	attemptCnt int
	createdAt  time.Time
	updatedAt  time.Time
}

// txOutbox копит события до фиксации единицы работы.
type txOutbox struct {
	t *txn
}

// Enqueue сохраняет событие со статусом `pending` и возвращает его с идентификатором.
func (w txOutbox) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if err := msg.Validate(); err != nil {
		return domain.OutboxMessage{}, err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	w.t.outbox = append(w.t.outbox, &outboxRecord{
		msg:       msg,
		status:    domain.OutboxStatusPending,
		createdAt: w.t.now,
		updatedAt: w.t.now,
	})
	return msg, nil
}

// storeOutbox — outbox для воркера публикации.
type storeOutbox struct {
	s *Store
}

func (r storeOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (saved domain.OutboxMessage, err error) {
	err = r.s.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		saved, err = tx.Outbox().Enqueue(ctx, msg)
		return err
	})
	return saved, err
}

// PullPending возвращает до limit сообщений со статусом `pending`, старые первыми.
func (r storeOutbox) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	result := make([]domain.OutboxMessage, 0, limit)
	for _, rec := range r.s.state.outbox {
		if rec.status != domain.OutboxStatusPending {
			continue
		}
		result = append(result, rec.msg)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Stats возвращает размер backlog, число failed и время самого старого pending-сообщения.
func (r storeOutbox) Stats(context.Context) (domain.OutboxStats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var stats domain.OutboxStats
	for _, rec := range r.s.state.outbox {
		if rec.status == domain.OutboxStatusFailed {
			stats.FailedCount++
		}
		if rec.status != domain.OutboxStatusPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || rec.createdAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = rec.createdAt
		}
	}
	return stats, nil
}

// MarkSent обновляет статус события после успешной публикации.
func (r storeOutbox) MarkSent(_ context.Context, id string) error {
	return r.mark(id, domain.OutboxStatusSent)
}

// MarkFailed фиксирует ошибку публикации.
func (r storeOutbox) MarkFailed(_ context.Context, id string) error {
	return r.mark(id, domain.OutboxStatusFailed)
}

func (r storeOutbox) mark(id string, status domain.OutboxStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, rec := range r.s.state.outbox {
		if rec.msg.ID != id {
			continue
		}
		if err := rec.status.Resolve(status); err != nil {
			return fmt.Errorf("mark outbox message %s: %w", id, err)
		}
		rec.status = status
		rec.attemptCnt++
		rec.updatedAt = r.s.tick()
		return nil
	}
	return fmt.Errorf("mark outbox message %s: %w", id, domain.ErrOutboxMessageNotFound)
}

// PendingMessages возвращает копию всех pending-сообщений в порядке записи (используется в тестах).
func (s *Store) PendingMessages() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.OutboxMessage, 0, len(s.state.outbox))
	for _, rec := range s.state.outbox {
		if rec.status == domain.OutboxStatusPending {
			result = append(result, rec.msg)
		}
	}
	return result
}

var (
	_ domain.OutboxWriter     = txOutbox{}
	_ domain.OutboxRepository = storeOutbox{}
)
