package grpcsvc

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Money — сумма в минимальных единицах валюты.
type Money struct {
	AmountMinor int64  `json:"amountMinor"`
	Currency    string `json:"currency"`
}

// Product — краткие данные товара в позиции заказа.
type Product struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	SellerID string `json:"sellerId"`
}

// OrderItem — позиция заказа со снимком цены.
type OrderItem struct {
	ID        string   `json:"id"`
	ProductID string   `json:"productId"`
	Quantity  int32    `json:"quantity"`
	UnitPrice Money    `json:"unitPrice"`
	Product   *Product `json:"product,omitempty"`
}

// Order — представление заказа для клиентов.
type Order struct {
	ID              string      `json:"id"`
	BuyerID         string      `json:"buyerId"`
	Status          string      `json:"status"`
	TotalAmount     Money       `json:"totalAmount"`
	Items           []OrderItem `json:"items"`
	ShippingAddress string      `json:"shippingAddress,omitempty"`
	ZipCode         string      `json:"zipCode,omitempty"`
	PaymentID       string      `json:"paymentId,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	Version         int64       `json:"version"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

type CartItem struct {
	ProductID string `json:"productId"`
	Quantity  int32  `json:"quantity"`
}

type CreateOrderRequest struct {
	Items           []CartItem `json:"items"`
	ShippingAddress string     `json:"shippingAddress,omitempty"`
	ZipCode         string     `json:"zipCode,omitempty"`
	Notes           string     `json:"notes,omitempty"`
}

type GetOrderRequest struct {
	OrderID string `json:"orderId"`
}

type ListOrdersRequest struct{}

// UpdateOrderRequest несёт патч как сырой JSON-объект, чтобы различать
// отсутствующие поля и поля с пустым значением.
type UpdateOrderRequest struct {
	OrderID string          `json:"orderId"`
	Patch   json.RawMessage `json:"patch"`
}

type CancelOrderRequest struct {
	OrderID string `json:"orderId"`
}

// Пустой SellerID означает заказы самого продавца.
type ListSellerOrdersRequest struct {
	SellerID string `json:"sellerId,omitempty"`
}

type GetOrderTimelineRequest struct {
	OrderID string `json:"orderId"`
}

type OrderResponse struct {
	Order *Order `json:"order"`
}

type ListOrdersResponse struct {
	Orders []*Order `json:"orders"`
}

type TimelineEvent struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	ActorID  string    `json:"actorId,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type GetOrderTimelineResponse struct {
	Events []TimelineEvent `json:"events"`
}

func toOrderMessage(order domain.Order) *Order {
	msg := &Order{
		ID:              order.ID,
		BuyerID:         order.BuyerID,
		Status:          string(order.Status),
		TotalAmount:     Money{AmountMinor: order.AmountMinor, Currency: order.Currency},
		Items:           make([]OrderItem, 0, len(order.Items)),
		ShippingAddress: order.ShippingAddress,
		ZipCode:         order.ZipCode,
		PaymentID:       order.PaymentID,
		Notes:           order.Notes,
		Version:         order.Version,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	for _, item := range order.Items {
		out := OrderItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			Quantity:  item.Qty,
			UnitPrice: Money{AmountMinor: item.PriceMinor, Currency: item.Currency},
		}
		if item.Product != nil {
			out.Product = &Product{ID: item.Product.ID, Title: item.Product.Title, SellerID: item.Product.SellerID}
		}
		msg.Items = append(msg.Items, out)
	}
	return msg
}

func toOrderList(orders []domain.Order) []*Order {
	out := make([]*Order, 0, len(orders))
	for _, order := range orders {
		out = append(out, toOrderMessage(order))
	}
	return out
}

func toTimelineMessages(events []domain.TimelineEvent) []TimelineEvent {
	out := make([]TimelineEvent, 0, len(events))
	for _, event := range events {
		out = append(out, TimelineEvent{
			Type:     event.Type,
			Reason:   event.Reason,
			ActorID:  event.ActorID,
			Occurred: event.Occurred,
		})
	}
	return out
}
