package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// txOrders — репозиторий заказов внутри единицы работы.
type txOrders struct {
	t *txn
}

// Create сохраняет заголовок и позиции нового заказа, если ID ещё не занят.
func (r txOrders) Create(_ context.Context, order domain.Order) error {
	if _, exists := r.t.order(order.ID); exists {
		return domain.ErrOrderVersionConflict
	}

	items := make([]domain.OrderItem, len(order.Items))
	for i, item := range order.Items {
		item.OrderID = order.ID
		item.CreatedAt = r.t.now
		item.Product = nil
		items[i] = item
	}

	order.Items = nil
	order.Version = 0
	order.CreatedAt = r.t.now
	order.UpdatedAt = r.t.now

	r.t.orders[order.ID] = order
	r.t.items[order.ID] = items
	return nil
}

// Get возвращает заголовок заказа или ErrOrderNotFound.
func (r txOrders) Get(_ context.Context, id string) (domain.Order, error) {
	order, ok := r.t.order(id)
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound.WithSubject(id)
	}
	return order, nil
}

// List возвращает заголовки, новые первыми.
func (r txOrders) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	var ids map[string]struct{}
	if filter.IDs != nil {
		ids = make(map[string]struct{}, len(filter.IDs))
		for _, id := range filter.IDs {
			ids[id] = struct{}{}
		}
	}

	result := make([]domain.Order, 0)
	for _, order := range r.t.orderHeaders() {
		if filter.BuyerID != "" && order.BuyerID != filter.BuyerID {
			continue
		}
		if ids != nil {
			if _, ok := ids[order.ID]; !ok {
				continue
			}
		}
		result = append(result, order)
	}

	sortNewestFirst(result)

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// ListItems возвращает позиции с данными товара. Позиции, чей товар удалён
// из каталога, попадают в выборку только без фильтра по продавцу.
func (r txOrders) ListItems(_ context.Context, filter domain.ItemFilter) ([]domain.OrderItem, error) {
	orderIDs := filter.OrderIDs
	if orderIDs == nil {
		headers := r.t.orderHeaders()
		sortNewestFirst(headers)
		orderIDs = make([]string, len(headers))
		for i, order := range headers {
			orderIDs[i] = order.ID
		}
	}

	result := make([]domain.OrderItem, 0)
	for _, orderID := range orderIDs {
		for _, item := range r.t.orderItems(orderID) {
			product, ok := r.t.product(item.ProductID)
			if filter.SellerID != "" && (!ok || product.SellerID != filter.SellerID) {
				continue
			}
			if ok {
				item.Product = product.Ref()
			}
			result = append(result, item)
		}
	}
	return result, nil
}

// Save обновляет изменяемые поля заголовка, проверяя версию (optimistic locking).
func (r txOrders) Save(_ context.Context, order domain.Order) error {
	current, ok := r.t.order(order.ID)
	if !ok {
		return domain.ErrOrderNotFound.WithSubject(order.ID)
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict.WithSubject(order.ID)
	}

	current.Status = order.Status
	current.ShippingAddress = order.ShippingAddress
	current.ZipCode = order.ZipCode
	current.PaymentID = order.PaymentID
	current.Notes = order.Notes
	current.Version++
	current.UpdatedAt = r.t.now

	r.t.orders[order.ID] = current
	return nil
}

// storeOrders выполняет каждую операцию отдельной единицей работы.
type storeOrders struct {
	s *Store
}

func (r storeOrders) Create(ctx context.Context, order domain.Order) error {
	return r.s.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Create(ctx, order)
	})
}

func (r storeOrders) Get(ctx context.Context, id string) (order domain.Order, err error) {
	err = r.s.view(func(t *txn) error {
		order, err = txOrders{t: t}.Get(ctx, id)
		return err
	})
	return order, err
}

func (r storeOrders) List(ctx context.Context, filter domain.OrderFilter) (orders []domain.Order, err error) {
	err = r.s.view(func(t *txn) error {
		orders, err = txOrders{t: t}.List(ctx, filter)
		return err
	})
	return orders, err
}

func (r storeOrders) ListItems(ctx context.Context, filter domain.ItemFilter) (items []domain.OrderItem, err error) {
	err = r.s.view(func(t *txn) error {
		items, err = txOrders{t: t}.ListItems(ctx, filter)
		return err
	})
	return items, err
}

func (r storeOrders) Save(ctx context.Context, order domain.Order) error {
	return r.s.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		return tx.Orders().Save(ctx, order)
	})
}

func sortNewestFirst(orders []domain.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].ID > orders[j].ID
	})
}

var (
	_ domain.OrderRepository = txOrders{}
	_ domain.OrderRepository = storeOrders{}
)
