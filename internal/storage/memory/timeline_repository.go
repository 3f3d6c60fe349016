package memory

import (
	"context"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// txTimeline копит события жизненного цикла до фиксации единицы работы.
type txTimeline struct {
	t *txn
}

// Append добавляет событие; пустое время заменяется временем единицы работы.
func (w txTimeline) Append(_ context.Context, event domain.TimelineEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if event.Occurred.IsZero() {
		event.Occurred = w.t.now
	}
	w.t.timeline = append(w.t.timeline, event)
	return nil
}

type storeTimeline struct {
	s *Store
}

func (r storeTimeline) Append(ctx context.Context, event domain.TimelineEvent) error {
	return r.s.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Timeline().Append(ctx, event)
	})
}

// List возвращает события заказа в хронологическом порядке.
func (r storeTimeline) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	events := r.s.state.timeline[orderID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)

	domain.SortTimeline(result)
	return result, nil
}

var (
	_ domain.TimelineWriter     = txTimeline{}
	_ domain.TimelineRepository = storeTimeline{}
)
