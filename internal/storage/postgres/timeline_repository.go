package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// timelineRepository пишет историю заказа в timeline_events.
// Внутри транзакции запись откатывается вместе с изменением заказа.
type timelineRepository struct {
	q querier
}

// Append сохраняет событие; нулевое Occurred заменяется временем базы.
func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	occurred := sql.NullTime{Time: event.Occurred, Valid: !event.Occurred.IsZero()}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO timeline_events (order_id, type, reason, actor_id, occurred)
		VALUES ($1, $2, $3, $4, COALESCE($5, clock_timestamp()))
	`, event.OrderID, event.Type, event.Reason, event.ActorID, occurred)
	if err != nil {
		return fmt.Errorf("append %s for order %s: %w", event.Type, event.OrderID, err)
	}
	return nil
}

// List возвращает историю в порядке записи; id разводит события с одинаковым временем.
func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryAll(ctx, r.q, "timeline events", scanTimelineEvent, `
		SELECT order_id, type, reason, actor_id, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id
	`, orderID)
}

func scanTimelineEvent(row rowScanner) (domain.TimelineEvent, error) {
	var e domain.TimelineEvent
	if err := row.Scan(&e.OrderID, &e.Type, &e.Reason, &e.ActorID, &e.Occurred); err != nil {
		return domain.TimelineEvent{}, err
	}
	e.Occurred = e.Occurred.UTC()
	return e, nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
