package domain

import (
	"context"
	"time"
)

// ProductDirectory — контракт каталога товаров, который нужен заказам.
type ProductDirectory interface {
	// FindProduct возвращает товар (в том числе неактивный) или ErrProductNotFound.
	// Внутри транзакции строка товара блокируется до её завершения.
	FindProduct(ctx context.Context, id string) (Product, error)
	// SetStock выставляет новый остаток; actorID сохраняется только для аудита.
	// Отрицательный остаток отклоняется с ErrInsufficientStock.
	SetStock(ctx context.Context, id string, newQuantity int32, actorID string) (Product, error)
}

// ProductCatalog — административная запись товаров (заполнение каталога, тесты).
type ProductCatalog interface {
	UpsertProduct(ctx context.Context, product Product) error
}

// OrderFilter ограничивает выборку заголовков заказов.
type OrderFilter struct {
	// BuyerID оставляет только заказы покупателя; пустое значение не ограничивает выборку.
	BuyerID string
	// IDs оставляет только перечисленные заказы; nil не ограничивает выборку.
	IDs []string
	// Limit > 0 обрезает результат.
	Limit int
}

// ItemFilter — проекция позиций заказов.
type ItemFilter struct {
	// OrderIDs ограничивает позиции заказами; при nil берутся все заказы.
	OrderIDs []string
	// SellerID оставляет только позиции товаров продавца.
	SellerID string
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет заголовок и позиции нового заказа.
	Create(ctx context.Context, order Order) error
	// Get возвращает заголовок заказа без позиций или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// List возвращает заголовки, новые первыми (created_at DESC, id DESC).
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	// ListItems возвращает позиции вместе с данными товара.
	ListItems(ctx context.Context, filter ItemFilter) ([]OrderItem, error)
	// Save обновляет изменяемые поля заголовка с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
}

// OutboxWriter сохраняет события для последующей публикации.
type OutboxWriter interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
}

// OutboxRepository — transactional outbox.
type OutboxRepository interface {
	OutboxWriter
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// TimelineWriter добавляет события жизненного цикла заказа.
type TimelineWriter interface {
	Append(ctx context.Context, event TimelineEvent) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	TimelineWriter
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte, resultCode int) error
	MarkFailed(ctx context.Context, key string, responseBody []byte, resultCode int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// Tx — репозитории, участвующие в одной единице работы.
type Tx interface {
	Products() ProductDirectory
	Orders() OrderRepository
	Outbox() OutboxWriter
	Timeline() TimelineWriter
}

// UnitOfWork выполняет fn атомарно: либо видны все записи, либо ни одной.
// Ошибка fn возвращается без изменений.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store объединяет единицу работы и чтение вне транзакции.
type Store interface {
	UnitOfWork
	Orders() OrderRepository
	Products() ProductDirectory
	Timeline() TimelineRepository
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	FailedCount     int
	OldestPendingAt time.Time
}
