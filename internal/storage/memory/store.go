package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Store — in-memory хранилище заказов, товаров, outbox и timeline для локальной
// разработки и тестов. Записи выполняются единицами работы под общим
// мьютексом: изменения копятся в txn и переносятся в состояние только
// при успешном завершении fn.
type Store struct {
	mu    sync.RWMutex
	state *state
	last  time.Time
}

type state struct {
	products  map[string]domain.Product
	orders    map[string]domain.Order
	items     map[string][]domain.OrderItem
	movements []domain.StockMovement
	outbox    []*outboxRecord
	timeline  map[string][]domain.TimelineEvent
}

// NewStore создаёт пустое in-memory хранилище.
func NewStore() *Store {
	return &Store{
		state: &state{
			products: make(map[string]domain.Product),
			orders:   make(map[string]domain.Order),
			items:    make(map[string][]domain.OrderItem),
			timeline: make(map[string][]domain.TimelineEvent),
		},
	}
}

// Do выполняет fn атомарно. Ошибка fn возвращается без изменений,
// а накопленные записи отбрасываются.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTxn(s.state, s.tick())
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

// view выполняет чтение без записи под разделяемой блокировкой.
func (s *Store) view(fn func(t *txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := newTxn(s.state, time.Time{})
	return fn(t)
}

// tick возвращает строго возрастающее время, чтобы порядок created_at совпадал с порядком записи.
// Вызывается под s.mu.
func (s *Store) tick() time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

// Orders возвращает репозиторий заказов вне единицы работы.
func (s *Store) Orders() domain.OrderRepository { return storeOrders{s: s} }

// Products возвращает каталог товаров вне единицы работы.
func (s *Store) Products() domain.ProductDirectory { return storeProducts{s: s} }

// Timeline возвращает хранилище событий заказа.
func (s *Store) Timeline() domain.TimelineRepository { return storeTimeline{s: s} }

// Outbox возвращает transactional outbox для воркера публикации.
func (s *Store) Outbox() domain.OutboxRepository { return storeOutbox{s: s} }

// Ping всегда успешен: in-memory хранилище доступно, пока жив процесс.
func (s *Store) Ping(context.Context) error { return nil }

// Close ничего не освобождает.
func (s *Store) Close() error { return nil }

// txn — единица работы поверх состояния store с copy-on-write оверлеем.
type txn struct {
	base *state
	now  time.Time

	products  map[string]domain.Product
	orders    map[string]domain.Order
	items     map[string][]domain.OrderItem
	movements []domain.StockMovement
	outbox    []*outboxRecord
	timeline  []domain.TimelineEvent
}

func newTxn(base *state, now time.Time) *txn {
	return &txn{
		base:     base,
		now:      now,
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		items:    make(map[string][]domain.OrderItem),
	}
}

func (t *txn) Products() domain.ProductDirectory { return txProducts{t: t} }
func (t *txn) Orders() domain.OrderRepository    { return txOrders{t: t} }
func (t *txn) Outbox() domain.OutboxWriter       { return txOutbox{t: t} }
func (t *txn) Timeline() domain.TimelineWriter   { return txTimeline{t: t} }

func (t *txn) product(id string) (domain.Product, bool) {
	if p, ok := t.products[id]; ok {
		return p, true
	}
	p, ok := t.base.products[id]
	return p, ok
}

func (t *txn) order(id string) (domain.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.base.orders[id]
	return o, ok
}

func (t *txn) orderItems(orderID string) []domain.OrderItem {
	if items, ok := t.items[orderID]; ok {
		return items
	}
	return t.base.items[orderID]
}

// orderHeaders возвращает заголовки с учётом оверлея.
func (t *txn) orderHeaders() []domain.Order {
	result := make([]domain.Order, 0, len(t.base.orders)+len(t.orders))
	for id, order := range t.base.orders {
		if staged, ok := t.orders[id]; ok {
			order = staged
		}
		result = append(result, order)
	}
	for id, order := range t.orders {
		if _, ok := t.base.orders[id]; !ok {
			result = append(result, order)
		}
	}
	return result
}

func (t *txn) commit() {
	for id, p := range t.products {
		t.base.products[id] = p
	}
	for id, o := range t.orders {
		t.base.orders[id] = o
	}
	for id, items := range t.items {
		t.base.items[id] = items
	}
	t.base.movements = append(t.base.movements, t.movements...)
	t.base.outbox = append(t.base.outbox, t.outbox...)
	for _, event := range t.timeline {
		t.base.timeline[event.OrderID] = append(t.base.timeline[event.OrderID], event)
	}
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*txn)(nil)
)
