package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	EventTypeOrderCreated   EventType = "order.created"
	EventTypeOrderUpdated   EventType = "order.updated"
	EventTypeOrderCancelled EventType = "order.cancelled"
)

// AggregateOrder — тип агрегата в outbox для событий заказа.
const AggregateOrder = "order"

// Topics для Kafka
const (
	TopicOrderEvents     = "marketplace.order.events"
	TopicDeadLetterQueue = "marketplace.order.dlq" // Dead Letter Queue для failed messages
)

// OrderEventItem — позиция заказа в событии.
type OrderEventItem struct {
	ProductID  string `json:"product_id"`
	Qty        int32  `json:"qty"`
	PriceMinor int64  `json:"price_minor"`
}

// OrderEvent представляет событие заказа
type OrderEvent struct {
	EventType      EventType        `json:"event_type"`
	OrderID        string           `json:"order_id"`
	BuyerID        string           `json:"buyer_id"`
	ActorID        string           `json:"actor_id"`
	Status         string           `json:"status"`
	PreviousStatus string           `json:"previous_status,omitempty"`
	Currency       string           `json:"currency"`
	AmountMinor    int64            `json:"amount_minor"`
	Items          []OrderEventItem `json:"items,omitempty"`
	ChangedFields  []string         `json:"changed_fields,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// NewOrderEvent создает новое событие заказа
func NewOrderEvent(eventType EventType, order domain.Order, actorID string) *OrderEvent {
	event := &OrderEvent{
		EventType:   eventType,
		OrderID:     order.ID,
		BuyerID:     order.BuyerID,
		ActorID:     actorID,
		Status:      string(order.Status),
		Currency:    order.Currency,
		AmountMinor: order.AmountMinor,
		Timestamp:   time.Now().UTC(),
	}
	for _, item := range order.Items {
		event.Items = append(event.Items, OrderEventItem{
			ProductID:  item.ProductID,
			Qty:        item.Qty,
			PriceMinor: item.PriceMinor,
		})
	}
	return event
}

// OutboxMessage упаковывает событие в сообщение transactional outbox.
func (e *OrderEvent) OutboxMessage() (domain.OutboxMessage, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal order event: %w", err)
	}
	return domain.OutboxMessage{
		AggregateType: AggregateOrder,
		AggregateID:   e.OrderID,
		EventType:     string(e.EventType),
		Payload:       payload,
	}, nil
}
