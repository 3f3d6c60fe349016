package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
)

const defaultCheckTimeout = 2 * time.Second

// Pinger — хранилище, доступность которого можно проверить.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewOrderStoreChecker проверяет хранилище заказов через Ping с таймаутом.
func NewOrderStoreChecker(driver string, pinger Pinger, timeout time.Duration) Checker {
	if timeout <= 0 {
		timeout = defaultCheckTimeout
	}
	return CheckerFunc(func(ctx context.Context) Check {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		check := Check{Status: StatusHealthy, Details: map[string]any{"driver": driver}}
		if err := pinger.Ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		}
		return check
	})
}

// OutboxBacklogChecker помечает outbox degraded, если события заказов
// слишком долго не уходят в брокер.
type OutboxBacklogChecker struct {
	repo   domain.OutboxRepository
	maxAge time.Duration
	now    func() time.Time
}

// NewOutboxBacklogChecker создаёт проверку backlog transactional outbox.
func NewOutboxBacklogChecker(repo domain.OutboxRepository, maxAge time.Duration) *OutboxBacklogChecker {
	return &OutboxBacklogChecker{repo: repo, maxAge: maxAge, now: time.Now}
}

// Check выполняет проверку.
func (c *OutboxBacklogChecker) Check(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	stats, err := c.repo.Stats(ctx)
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}

	check := Check{Status: StatusHealthy, Details: map[string]any{"pending": stats.PendingCount, "failed": stats.FailedCount}}
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		return check
	}
	age := c.now().Sub(stats.OldestPendingAt).Truncate(time.Second)
	check.Details["oldest_pending_age"] = age.String()
	if c.maxAge > 0 && age > c.maxAge {
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d order events pending, oldest %s", stats.PendingCount, age)
	}
	return check
}

// CatalogChecker проверяет, что товары из seed-файла доступны для заказа.
type CatalogChecker struct {
	uow        domain.UnitOfWork
	productIDs []string
}

// NewCatalogChecker создаёт проверку засеянного каталога.
func NewCatalogChecker(uow domain.UnitOfWork, productIDs []string) *CatalogChecker {
	return &CatalogChecker{uow: uow, productIDs: append([]string(nil), productIDs...)}
}

// Check выполняет проверку.
func (c *CatalogChecker) Check(ctx context.Context) Check {
	if len(c.productIDs) == 0 {
		return Check{Status: StatusHealthy, Message: "catalog seed is not configured"}
	}

	ctx, cancel := context.WithTimeout(ctx, defaultCheckTimeout)
	defer cancel()

	var missing, active, inStock int
	err := c.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		for _, id := range c.productIDs {
			product, err := tx.Products().FindProduct(ctx, id)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				missing++
				continue
			case err != nil:
				return err
			}
			if product.Active {
				active++
				if product.StockQuantity > 0 {
					inStock++
				}
			}
		}
		return nil
	})
	if err != nil {
		return Check{Status: StatusUnhealthy, Message: err.Error()}
	}

	check := Check{
		Status: StatusHealthy,
		Details: map[string]any{
			"seeded":   len(c.productIDs),
			"missing":  missing,
			"active":   active,
			"in_stock": inStock,
		},
	}
	switch {
	case missing > 0:
		check.Status = StatusDegraded
		check.Message = fmt.Sprintf("%d seeded products are missing", missing)
	case inStock == 0:
		check.Status = StatusDegraded
		check.Message = "no seeded product can be ordered"
	}
	return check
}

// NewKafkaChecker сообщает состояние producer'а событий заказов.
// Без producer'а события копятся в outbox, поэтому это degraded.
func NewKafkaChecker(producer *kafka.Producer, topic string) Checker {
	return CheckerFunc(func(context.Context) Check {
		if producer == nil {
			return Check{Status: StatusDegraded, Message: "kafka is not configured, order events stay in outbox"}
		}

		state := producer.State()
		check := Check{
			Status:  StatusHealthy,
			Details: map[string]any{"topic": topic, "sent": state.Sent, "failed": state.Failed},
		}
		if !state.LastSentAt.IsZero() {
			check.Details["last_sent_at"] = state.LastSentAt.UTC()
		}
		if state.LastError != "" && !state.LastErrorAt.Before(state.LastSentAt) {
			check.Status = StatusDegraded
			check.Message = "last publish failed: " + state.LastError
		}
		return check
	})
}
