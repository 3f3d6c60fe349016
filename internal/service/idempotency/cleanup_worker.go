package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

const (
	defaultCleanupInterval   = 10 * time.Minute
	defaultCleanupBatchSize  = 500
	defaultCleanupMaxBatches = 20
)

// SweepResult описывает один проход очистки ключей заказов.
type SweepResult struct {
	Deleted int
	Batches int
	// Truncated означает, что проход упёрся в лимит батчей и хвост остался до следующего тика.
	Truncated bool
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

func WithMetrics(m *metrics.IdempotencyMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) { w.interval = interval }
}

// WithBatchSize задаёт лимит одного DELETE.
func WithBatchSize(size int) CleanupOption {
	return func(w *CleanupWorker) { w.batchSize = size }
}

// WithMaxBatches ограничивает число DELETE за проход, чтобы очистка не держала базу.
func WithMaxBatches(n int) CleanupOption {
	return func(w *CleanupWorker) { w.maxBatches = n }
}

// WithClock подменяет часы.
func WithClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) { w.now = now }
}

// CleanupWorker удаляет просроченные ключи идемпотентности запросов к заказам.
// Просроченный ключ уже может быть занят новым запросом, поэтому очистка
// только освобождает место и не влияет на ответы.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	metrics    *metrics.IdempotencyMetrics
	logger     *log.Entry
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{repo: repo}
	for _, option := range options {
		option(w)
	}

	if w.logger == nil {
		w.logger = log.WithField("component", "idempotency-cleanup")
	}
	if w.interval <= 0 {
		w.interval = defaultCleanupInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultCleanupBatchSize
	}
	if w.maxBatches <= 0 {
		w.maxBatches = defaultCleanupMaxBatches
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	return w
}

// Run выполняет проход сразу и затем по таймеру до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup is disabled: no key repository")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	result, err := w.Sweep(ctx, w.now())
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.metrics.RecordCleanupRun(metrics.ResultError, result.Deleted)
		w.logger.WithError(err).WithField("deleted", result.Deleted).Warn("idempotency cleanup failed")
		return
	}

	w.metrics.RecordCleanupRun(metrics.ResultOK, result.Deleted)
	entry := w.logger.WithFields(log.Fields{"deleted": result.Deleted, "batches": result.Batches})
	if result.Truncated {
		entry.Warn("idempotency cleanup hit batch limit, backlog remains")
	} else if result.Deleted > 0 {
		entry.Info("idempotency cleanup completed")
	}
}

// Sweep удаляет ключи с ttl не позже before батчами, но не больше maxBatches за вызов.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (SweepResult, error) {
	var result SweepResult
	if before.IsZero() {
		before = w.now()
	}

	for result.Batches < w.maxBatches {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return result, err
		}
		result.Batches++
		result.Deleted += deleted
		w.metrics.RecordDeleted(deleted)

		if deleted < w.batchSize {
			return result, nil
		}
	}

	result.Truncated = true
	return result, nil
}
