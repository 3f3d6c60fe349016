// Package orders реализует жизненный цикл заказа маркетплейса: создание со
// списанием стока, чтение с проверкой доступа, изменение с ограничением полей,
// отмену с возвратом стока и выборку заказов продавца.
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/access"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/metrics"
)

// Имена операций для логов и метрик.
const (
	opCreate       = "create"
	opFindOne      = "find_one"
	opFindAll      = "find_all"
	opUpdate       = "update"
	opCancel       = "cancel"
	opFindBySeller = "find_by_seller"
	opTimeline     = "timeline"
)

// ItemInput — позиция корзины: товар и количество.
type ItemInput struct {
	ProductID string
	Qty       int32
}

// CreateInput — данные для создания заказа.
type CreateInput struct {
	Items           []ItemInput
	ShippingAddress string
	ZipCode         string
	Notes           string
}

// Validate проверяет форму запроса до обращения к хранилищу.
func (in CreateInput) Validate() error {
	if len(in.Items) == 0 {
		return domain.ErrItemsRequired
	}
	for _, item := range in.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return domain.ErrProductIDRequired
		}
		if item.Qty <= 0 {
			return domain.ErrItemQtyInvalid.WithSubject(item.ProductID)
		}
	}
	return nil
}

// Engine — движок жизненного цикла заказа. Все инварианты заказа проверяются здесь,
// хранилище отвечает только за атомарность единицы работы.
type Engine struct {
	store   domain.Store
	logger  *log.Entry
	metrics *metrics.OrderMetrics
	newID   func() string
}

// Option настраивает Engine.
type Option func(*Engine)

// WithLogger задаёт logger движка.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics включает метрики операций.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithIDGenerator подменяет генератор идентификаторов (для тестов).
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// NewEngine создаёт движок поверх хранилища.
func NewEngine(store domain.Store, options ...Option) *Engine {
	e := &Engine{
		store: store,
		newID: uuid.NewString,
	}
	for _, option := range options {
		option(e)
	}
	if e.logger == nil {
		e.logger = log.WithField("component", "order-engine")
	}
	return e
}

// Create создаёт заказ из корзины одной единицей работы: проверка товаров,
// снимок цен, запись заказа и списание стока фиксируются вместе или не фиксируются вовсе.
func (e *Engine) Create(ctx context.Context, p domain.Principal, in CreateInput) (order domain.Order, err error) {
	start := time.Now()
	orderID := e.newID()
	defer func() { e.finish(opCreate, start, orderID, p, err) }()

	if strings.TrimSpace(p.UserID) == "" {
		return domain.Order{}, domain.ErrBuyerRequired
	}
	if err := in.Validate(); err != nil {
		return domain.Order{}, err
	}

	var reserved int32
	err = e.store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		draft := domain.Order{
			ID:              orderID,
			BuyerID:         p.UserID,
			Status:          domain.OrderStatusPending,
			ShippingAddress: in.ShippingAddress,
			ZipCode:         in.ZipCode,
			Notes:           in.Notes,
			Items:           make([]domain.OrderItem, 0, len(in.Items)),
		}

		// Остаток по товару с учётом уже разобранных позиций корзины.
		remaining := make(map[string]int32, len(in.Items))
		for _, item := range in.Items {
			product, err := tx.Products().FindProduct(ctx, item.ProductID)
			switch {
			case errors.Is(err, domain.ErrNotFound):
				return domain.ErrProductUnavailable.WithSubject(item.ProductID)
			case err != nil:
				return err
			}
			if !product.Active {
				return domain.ErrProductUnavailable.WithSubject(item.ProductID)
			}

			stock, seen := remaining[product.ID]
			if !seen {
				stock = product.StockQuantity
			}
			if item.Qty > stock {
				return domain.ErrInsufficientStock.WithSubject(item.ProductID)
			}
			remaining[product.ID] = stock - item.Qty

			if draft.Currency == "" {
				draft.Currency = product.Currency
			} else if product.Currency != draft.Currency {
				return domain.ErrCurrencyMismatch.WithSubject(item.ProductID)
			}

			line := domain.OrderItem{
				ID:         e.newID(),
				OrderID:    orderID,
				ProductID:  product.ID,
				Qty:        item.Qty,
				PriceMinor: product.PriceMinor,
				Currency:   product.Currency,
			}
			if err := draft.AddAmountMinor(line); err != nil {
				return err
			}
			draft.Items = append(draft.Items, line)
		}

		if errs := draft.ValidateInvariants(); len(errs) > 0 {
			return errs[0]
		}

		if err := tx.Orders().Create(ctx, draft); err != nil {
			return err
		}
		for _, item := range draft.Items {
			product, err := tx.Products().FindProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if _, err := tx.Products().SetStock(ctx, item.ProductID, product.StockQuantity-item.Qty, p.UserID); err != nil {
				return err
			}
		}
		reserved = totalQty(draft.Items)

		if err := e.enqueue(ctx, tx, kafka.NewOrderEvent(kafka.EventTypeOrderCreated, draft, p.UserID)); err != nil {
			return err
		}
		return e.appendTimeline(ctx, tx, domain.TimelineEvent{
			OrderID: orderID,
			Type:    domain.TimelineOrderCreated,
			Reason:  fmt.Sprintf("%d item(s), %d %s", len(draft.Items), draft.AmountMinor, draft.Currency),
			ActorID: p.UserID,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.metrics.RecordStockReserved(reserved)
	e.logger.WithFields(log.Fields{
		"order_id": orderID,
		"user_id":  p.UserID,
	}).Info("order created")

	return e.load(ctx, e.store.Orders(), orderID)
}

// FindOne возвращает гидратированный заказ владельцу или администратору.
func (e *Engine) FindOne(ctx context.Context, p domain.Principal, orderID string) (order domain.Order, err error) {
	start := time.Now()
	defer func() { e.finish(opFindOne, start, orderID, p, err) }()

	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	header, err := e.store.Orders().Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := access.RequireOrderAccess(p, header); err != nil {
		return domain.Order{}, err
	}

	hydrated, err := e.hydrate(ctx, e.store.Orders(), []domain.Order{header})
	if err != nil {
		return domain.Order{}, err
	}
	return hydrated[0], nil
}

// FindAll возвращает все заказы администратору и только собственные остальным, новые первыми.
func (e *Engine) FindAll(ctx context.Context, p domain.Principal) (orders []domain.Order, err error) {
	start := time.Now()
	defer func() { e.finish(opFindAll, start, "", p, err) }()

	filter := domain.OrderFilter{}
	if !access.CanListAll(p) {
		if strings.TrimSpace(p.UserID) == "" {
			return []domain.Order{}, nil
		}
		filter.BuyerID = p.UserID
	}

	headers, err := e.store.Orders().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return e.hydrate(ctx, e.store.Orders(), headers)
}

// Update применяет патч к заказу. Покупатель может менять только адрес, индекс
// и заметки, администратор может менять любые поля, включая статус. Граф переходов статуса
// здесь не проверяется. Неизвестные поля от покупателя отклоняются как Forbidden,
// от администратора как InvalidArgument.
func (e *Engine) Update(ctx context.Context, p domain.Principal, orderID string, patch domain.OrderPatch) (order domain.Order, err error) {
	start := time.Now()
	defer func() { e.finish(opUpdate, start, orderID, p, err) }()

	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	err = e.store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		// Права проверяются раньше содержимого патча: чужой заказ и запрещённые
		// поля дают Forbidden при любом патче.
		if err := access.RequireOrderAccess(p, current); err != nil {
			return err
		}
		if err := access.CheckPatch(p, patch); err != nil {
			return err
		}
		if err := patch.Validate(); err != nil {
			return err
		}
		if patch.Empty() {
			return nil
		}

		previous := current.Status
		patch.Apply(&current)
		if err := tx.Orders().Save(ctx, current); err != nil {
			return err
		}

		event := kafka.NewOrderEvent(kafka.EventTypeOrderUpdated, current, p.UserID)
		event.ChangedFields = patch.Fields()
		if previous != current.Status {
			event.PreviousStatus = string(previous)
		}
		if err := e.enqueue(ctx, tx, event); err != nil {
			return err
		}

		if err := e.appendTimeline(ctx, tx, domain.TimelineEvent{
			OrderID: orderID,
			Type:    domain.TimelineOrderUpdated,
			Reason:  strings.Join(patch.Fields(), ", "),
			ActorID: p.UserID,
		}); err != nil {
			return err
		}
		if previous == current.Status {
			return nil
		}
		return e.appendTimeline(ctx, tx, domain.TimelineEvent{
			OrderID: orderID,
			Type:    domain.TimelineOrderStatusChanged,
			Reason:  fmt.Sprintf("%s -> %s", previous, current.Status),
			ActorID: p.UserID,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	return e.load(ctx, e.store.Orders(), orderID)
}

// Cancel отменяет заказ и возвращает сток всех позиций одной единицей работы.
// Статус перечитывается внутри единицы работы, поэтому повторная отмена
// не возвращает сток дважды.
func (e *Engine) Cancel(ctx context.Context, p domain.Principal, orderID string) (order domain.Order, err error) {
	start := time.Now()
	defer func() { e.finish(opCancel, start, orderID, p, err) }()

	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}

	var restored int32
	err = e.store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		current, err := tx.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if err := access.RequireOrderAccess(p, current); err != nil {
			return err
		}
		if !current.Status.Cancellable() {
			return domain.ErrOrderNotCancellable.WithSubject(string(current.Status))
		}

		items, err := tx.Orders().ListItems(ctx, domain.ItemFilter{OrderIDs: []string{orderID}})
		if err != nil {
			return err
		}
		for _, item := range items {
			product, err := tx.Products().FindProduct(ctx, item.ProductID)
			if err != nil {
				return err
			}
			if _, err := tx.Products().SetStock(ctx, item.ProductID, product.StockQuantity+item.Qty, p.UserID); err != nil {
				return err
			}
		}
		restored = totalQty(items)

		previous := current.Status
		current.Status = domain.OrderStatusCancelled
		if err := tx.Orders().Save(ctx, current); err != nil {
			return err
		}

		current.Items = items
		event := kafka.NewOrderEvent(kafka.EventTypeOrderCancelled, current, p.UserID)
		event.PreviousStatus = string(previous)
		if err := e.enqueue(ctx, tx, event); err != nil {
			return err
		}
		return e.appendTimeline(ctx, tx, domain.TimelineEvent{
			OrderID: orderID,
			Type:    domain.TimelineOrderCanceled,
			Reason:  fmt.Sprintf("cancelled from %s", previous),
			ActorID: p.UserID,
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.metrics.RecordStockRestored(restored)
	e.logger.WithFields(log.Fields{
		"order_id": orderID,
		"user_id":  p.UserID,
	}).Info("order cancelled")

	return e.load(ctx, e.store.Orders(), orderID)
}

// FindBySeller возвращает заказы, содержащие товары продавца, новые первыми.
// В каждом заказе остаются только позиции этого продавца, сумма заказа не пересчитывается.
func (e *Engine) FindBySeller(ctx context.Context, p domain.Principal, sellerID string) (orders []domain.Order, err error) {
	start := time.Now()
	defer func() { e.finish(opFindBySeller, start, "", p, err) }()

	if strings.TrimSpace(sellerID) == "" {
		return nil, domain.NewError(domain.KindInvalidArgument, "seller_id is required")
	}
	if !access.CanViewSellerOrders(p, sellerID) {
		return nil, domain.ErrSellerAccessDenied.WithSubject(sellerID)
	}

	repo := e.store.Orders()
	items, err := repo.ListItems(ctx, domain.ItemFilter{SellerID: sellerID})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []domain.Order{}, nil
	}

	seen := make(map[string]struct{}, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.OrderID]; ok {
			continue
		}
		seen[item.OrderID] = struct{}{}
		ids = append(ids, item.OrderID)
	}

	headers, err := repo.List(ctx, domain.OrderFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	return attachItems(headers, items), nil
}

// Timeline возвращает события заказа в хронологическом порядке.
func (e *Engine) Timeline(ctx context.Context, p domain.Principal, orderID string) (events []domain.TimelineEvent, err error) {
	start := time.Now()
	defer func() { e.finish(opTimeline, start, orderID, p, err) }()

	if strings.TrimSpace(orderID) == "" {
		return nil, domain.ErrOrderIDRequired
	}

	header, err := e.store.Orders().Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if err := access.RequireOrderAccess(p, header); err != nil {
		return nil, err
	}
	return e.store.Timeline().List(ctx, orderID)
}

func (e *Engine) load(ctx context.Context, repo domain.OrderRepository, orderID string) (domain.Order, error) {
	header, err := repo.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	hydrated, err := e.hydrate(ctx, repo, []domain.Order{header})
	if err != nil {
		return domain.Order{}, err
	}
	return hydrated[0], nil
}

// hydrate прикрепляет к заголовкам их позиции одним запросом.
func (e *Engine) hydrate(ctx context.Context, repo domain.OrderRepository, headers []domain.Order) ([]domain.Order, error) {
	if len(headers) == 0 {
		return []domain.Order{}, nil
	}

	ids := make([]string, len(headers))
	for i, header := range headers {
		ids[i] = header.ID
	}
	items, err := repo.ListItems(ctx, domain.ItemFilter{OrderIDs: ids})
	if err != nil {
		return nil, err
	}
	return attachItems(headers, items), nil
}

func (e *Engine) enqueue(ctx context.Context, tx domain.Tx, event *kafka.OrderEvent) error {
	msg, err := event.OutboxMessage()
	if err != nil {
		return err
	}
	if _, err := tx.Outbox().Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.EventType, err)
	}
	e.metrics.RecordOutboxEvent(msg.EventType)
	return nil
}

func (e *Engine) appendTimeline(ctx context.Context, tx domain.Tx, event domain.TimelineEvent) error {
	if err := tx.Timeline().Append(ctx, event); err != nil {
		return fmt.Errorf("append timeline %s: %w", event.Type, err)
	}
	e.metrics.RecordTimelineEvent()
	return nil
}

// finish пишет метрики и лог результата операции. Классифицированные ошибки
// считаются отказом и логируются как Warn, остальные как Error.
func (e *Engine) finish(operation string, start time.Time, orderID string, p domain.Principal, err error) {
	result := metrics.ResultOK
	if err != nil {
		entry := e.logger.WithError(err).WithFields(log.Fields{
			"operation": operation,
			"order_id":  orderID,
			"user_id":   p.UserID,
		})
		if domain.KindOf(err) != "" {
			result = metrics.ResultRejected
			entry.Warn("order operation rejected")
		} else {
			result = metrics.ResultError
			entry.Error("order operation failed")
		}
	}
	e.metrics.RecordOperation(operation, result, time.Since(start))
}

func attachItems(headers []domain.Order, items []domain.OrderItem) []domain.Order {
	byOrder := make(map[string][]domain.OrderItem, len(headers))
	for _, item := range items {
		byOrder[item.OrderID] = append(byOrder[item.OrderID], item)
	}

	result := make([]domain.Order, len(headers))
	for i, header := range headers {
		header.Items = byOrder[header.ID]
		if header.Items == nil {
			header.Items = []domain.OrderItem{}
		}
		result[i] = header
	}
	return result
}

func totalQty(items []domain.OrderItem) int32 {
	var total int32
	for _, item := range items {
		total += item.Qty
	}
	return total
}
