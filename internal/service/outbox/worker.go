package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
)

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithDLQPublisher задаёт получателя событий заказа, для которых кончились попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) { w.pollInterval = interval }
}

func WithBatchSize(size int) Option {
	return func(w *Worker) { w.batchSize = size }
}

// WithMaxAttempts задаёт число публикаций одного события до DLQ.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) { w.maxAttempts = n }
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше она удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = delay }
}

// WithClock подменяет часы для метрик backlog и отметки в DLQ.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// BatchReport итог одного прохода по outbox.
type BatchReport struct {
	Pulled       int
	Sent         int
	DeadLettered int
	// Deferred события заказа, чьё более раннее событие не удалось отметить.
	// Они остаются pending и уйдут следующим проходом в исходном порядке.
	Deferred int
}

// Worker доставляет события заказов (order.created, order.updated, order.cancelled)
// из outbox в брокер. События одного заказа публикуются в порядке записи.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	dlq       domain.OutboxPublisher
	metrics   *metrics.OutboxMetrics
	logger    *log.Entry
	now       func() time.Time

	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "order-outbox")
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = defaultMaxAttempts
	}
	if w.retryBaseDelay < 0 {
		w.retryBaseDelay = 0
	}
	return w
}

// Run опрашивает outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("order outbox delivery is disabled: no repository or publisher")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce забирает один батч pending-событий и доставляет его.
func (w *Worker) ProcessOnce(ctx context.Context) BatchReport {
	var report BatchReport
	if ctx.Err() != nil {
		return report
	}
	defer w.refreshBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("pull pending order events failed")
		return report
	}
	report.Pulled = len(events)

	// Заказы, у которых событие осталось в неопределённом состоянии.
	blocked := make(map[string]struct{})
	for _, event := range events {
		if ctx.Err() != nil {
			return report
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id":  event.ID,
			"event_type": event.EventType,
			"order_id":   event.AggregateID,
		})

		if _, ok := blocked[event.AggregateID]; ok {
			report.Deferred++
			entry.Debug("order event deferred behind an unresolved earlier event")
			continue
		}

		attempts, err := w.publishWithRetry(ctx, event)
		if err != nil && ctx.Err() != nil {
			// Остановка посреди повторов: событие остаётся pending.
			return report
		}

		if err == nil {
			// Опубликованное событие отмечаем и при остановке, иначе оно уйдёт повторно.
			if markErr := w.repo.MarkSent(context.WithoutCancel(ctx), event.ID); markErr != nil {
				entry.WithError(markErr).Warn("order event published but not marked sent")
				blocked[event.AggregateID] = struct{}{}
				continue
			}
			report.Sent++
			entry.WithField("attempts", attempts).Debug("order event published")
			continue
		}

		entry.WithError(err).WithField("attempts", attempts).Error("order event undeliverable, moving to DLQ")
		w.metrics.RecordAttempt(metrics.PublishFailed)
		if dlqErr := w.deadLetter(event, attempts, err); dlqErr != nil {
			entry.WithError(dlqErr).Warn("order event DLQ publish failed")
			w.metrics.RecordAttempt(metrics.PublishDLQFailed)
		}
		if markErr := w.repo.MarkFailed(ctx, event.ID); markErr != nil {
			entry.WithError(markErr).Warn("order event not marked failed")
			blocked[event.AggregateID] = struct{}{}
			continue
		}
		report.DeadLettered++
	}
	return report
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= w.maxAttempts; attempt++ {
		lastErr = w.publisher.Publish(event)
		if lastErr == nil {
			w.metrics.RecordAttempt(metrics.PublishSent)
			return attempt, nil
		}
		w.metrics.RecordAttempt(metrics.PublishRetryError)
		if attempt == w.maxAttempts {
			break
		}

		if delay := w.retryBackoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, errors.Join(lastErr, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return w.maxAttempts, fmt.Errorf("publish %s after %d attempts: %w", event.EventType, w.maxAttempts, lastErr)
}

// retryBackoff возвращает паузу перед попыткой attempt+1: base, 2*base, 4*base, не больше maxRetryDelay.
func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return min(delay, maxRetryDelay)
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if w.metrics == nil || ctx.Err() != nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("order outbox backlog stats failed")
		return
	}
	w.metrics.SetBacklog(stats.PendingCount, stats.OldestPendingAt, w.now())
}

// DeadLetter — тело события заказа в DLQ; его разбирает cmd/dlq-reprocess.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	Attempts       int             `json:"attempts"`
	DLQPublishedAt time.Time       `json:"dlq_published_at"`
}

func (w *Worker) deadLetter(event domain.OutboxMessage, attempts int, publishErr error) error {
	if w.dlq == nil {
		return nil
	}

	body, err := json.Marshal(DeadLetter{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		Payload:        json.RawMessage(event.Payload),
		PublishError:   publishErr.Error(),
		Attempts:       attempts,
		DLQPublishedAt: w.now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}

	letter := event
	letter.Payload = body
	if err := w.dlq.Publish(letter); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	return nil
}
