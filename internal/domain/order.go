package domain

import (
	"math"
	"slices"
	"time"
)

// OrderStatus описывает жизненный цикл заказа на маркетплейсе.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"    // ожидает оплаты
	OrderStatusPaid       OrderStatus = "paid"       // оплата подтверждена
	OrderStatusProcessing OrderStatus = "processing" // продавец собирает заказ
	OrderStatusShipped    OrderStatus = "shipped"    // передан в доставку
	OrderStatusDelivered  OrderStatus = "delivered"  // получен покупателем
	OrderStatusCancelled  OrderStatus = "cancelled"  // отменён, сток возвращён
	OrderStatusRefunded   OrderStatus = "refunded"   // средства возвращены
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:       {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет исходящих переходов.
func (s OrderStatus) Terminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// Cancellable сообщает, можно ли отменить заказ в этом статусе.
func (s OrderStatus) Cancellable() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusProcessing:
		return true
	default:
		return false
	}
}

// CanTransitionTo проверяет переход по графу жизненного цикла.
// Операция Update графом не ограничена, граф используется отменой и тестами.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return slices.Contains(orderTransitions[s], next)
}

// ProductRef — вложенная информация о товаре в гидратированной позиции.
type ProductRef struct {
	ID       string
	Title    string
	SellerID string
}

// OrderItem — снимок одной позиции заказа на момент покупки.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Qty       int32
	// Цена за единицу в минимальных единицах валюты.
	PriceMinor int64
	Currency   string
	CreatedAt  time.Time
	// Product заполняется хранилищем при чтении позиций.
	Product *ProductRef
}

// SubtotalMinor возвращает стоимость позиции без проверки переполнения.
func (i OrderItem) SubtotalMinor() int64 {
	return int64(i.Qty) * i.PriceMinor
}

// CheckedSubtotalMinor возвращает стоимость позиции или ErrAmountOverflow.
func (i OrderItem) CheckedSubtotalMinor() (int64, error) {
	subtotal, ok := mulMinor(int64(i.Qty), i.PriceMinor)
	if !ok {
		return 0, ErrAmountOverflow.WithSubject(i.ProductID)
	}
	return subtotal, nil
}

// AddAmountMinor прибавляет стоимость позиции к сумме заказа.
// При переполнении сумма не меняется.
func (o *Order) AddAmountMinor(item OrderItem) error {
	subtotal, err := item.CheckedSubtotalMinor()
	if err != nil {
		return err
	}
	total, ok := addMinor(o.AmountMinor, subtotal)
	if !ok {
		return ErrAmountOverflow.WithSubject(item.ProductID)
	}
	o.AmountMinor = total
	return nil
}

func mulMinor(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, true
	}
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return 0, false
	}
	c := a * b
	if c/b != a {
		return 0, false
	}
	return c, true
}

func addMinor(a, b int64) (int64, bool) {
	c := a + b
	if (b > 0 && c < a) || (b < 0 && c > a) {
		return 0, false
	}
	return c, true
}

// Order агрегирует заголовок заказа и его позиции.
type Order struct {
	ID              string
	BuyerID         string
	Status          OrderStatus
	Currency        string
	AmountMinor     int64
	Items           []OrderItem
	ShippingAddress string
	ZipCode         string
	PaymentID       string
	Notes           string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidateInvariants проверяет инварианты нового заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.BuyerID == "" {
		errs = append(errs, ErrBuyerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var (
		calc     int64
		overflow bool
	)
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		if item.Currency != o.Currency {
			errs = append(errs, ErrCurrencyMismatch)
		}
		if overflow {
			continue
		}
		subtotal, ok := mulMinor(int64(item.Qty), item.PriceMinor)
		if ok {
			calc, ok = addMinor(calc, subtotal)
		}
		if !ok {
			overflow = true
			errs = append(errs, ErrAmountOverflow.WithSubject(item.ProductID))
		}
	}
	if !overflow && calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}
