package kafka

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

func TestProducer_PublishEvent(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, log.WithField("component", "kafka-producer-test"))

	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event OrderEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		if event.OrderID != "order-123" || event.EventType != EventTypeOrderCreated {
			t.Errorf("unexpected event %+v", event)
		}
		return nil
	})
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	event := NewOrderEvent(EventTypeOrderCreated, domain.Order{ID: "order-123", BuyerID: "buyer-1"}, "buyer-1")
	if err := producer.PublishEvent(TopicOrderEvents, "order-123", event); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	err := producer.PublishEvent(TopicOrderEvents, "order-123", event)
	if !errors.Is(err, sarama.ErrOutOfBrokers) || !strings.Contains(err.Error(), TopicOrderEvents) {
		t.Fatalf("expected broker error naming the topic, got %v", err)
	}
	// не сериализуемое событие не доходит до брокера
	if err := producer.PublishEvent(TopicOrderEvents, "order-123", func() {}); err == nil {
		t.Fatal("expected encode error")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestSyncProducerConfig(t *testing.T) {
	config, err := syncProducerConfig("marketplace-orders.1.2.0")
	if err != nil {
		t.Fatalf("config must be valid: %v", err)
	}
	if config.ClientID != "marketplace-orders.1.2.0" || !config.Producer.Idempotent ||
		config.Producer.RequiredAcks != sarama.WaitForAll || config.Net.MaxOpenRequests != 1 {
		t.Fatalf("producer must be idempotent with full acks: %+v", config.Producer)
	}
}

func TestProducer_StateTracksLastResult(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	producer := newProducer(mockProducer, nil)
	tick := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	producer.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	mockProducer.ExpectSendMessageAndSucceed()
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	if err := producer.PublishEvent(TopicOrderEvents, "order-1", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := producer.PublishEvent(TopicOrderEvents, "order-2", map[string]string{"k": "v"}); err == nil {
		t.Fatal("expected error, got nil")
	}

	state := producer.State()
	if state.Sent != 1 || state.Failed != 1 {
		t.Fatalf("unexpected counters %+v", state)
	}
	if state.LastError != sarama.ErrOutOfBrokers.Error() || !state.LastErrorAt.After(state.LastSentAt) {
		t.Fatalf("expected last error after last success, got %+v", state)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	if _, err := NewProducer(ProducerConfig{}); err == nil {
		t.Fatal("expected error without brokers")
	}
	var nilProducer *Producer
	if err := nilProducer.Close(); err != nil {
		t.Fatalf("closing a missing producer must be a no-op: %v", err)
	}
}

func TestNewOrderEvent(t *testing.T) {
	order := domain.Order{
		ID:          "order-123",
		BuyerID:     "buyer-1",
		Status:      domain.OrderStatusPending,
		Currency:    "USD",
		AmountMinor: 2000,
		Items: []domain.OrderItem{
			{ProductID: "p1", Qty: 2, PriceMinor: 1000},
		},
	}

	event := NewOrderEvent(EventTypeOrderCreated, order, "buyer-1")

	if event.EventType != EventTypeOrderCreated {
		t.Errorf("expected event type %s, got %s", EventTypeOrderCreated, event.EventType)
	}
	if event.OrderID != order.ID || event.BuyerID != order.BuyerID {
		t.Errorf("unexpected ids %s/%s", event.OrderID, event.BuyerID)
	}
	if event.Status != "pending" || event.AmountMinor != 2000 {
		t.Errorf("unexpected status/amount %s/%d", event.Status, event.AmountMinor)
	}
	if len(event.Items) != 1 || event.Items[0].ProductID != "p1" {
		t.Errorf("unexpected items %+v", event.Items)
	}
	if time.Since(event.Timestamp) > time.Second {
		t.Error("timestamp should be close to current time")
	}

	msg, err := event.OutboxMessage()
	if err != nil {
		t.Fatalf("outbox message failed: %v", err)
	}
	if msg.AggregateType != AggregateOrder || msg.AggregateID != "order-123" || msg.EventType != "order.created" {
		t.Fatalf("unexpected outbox message %+v", msg)
	}

	var decoded OrderEvent
	if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
		t.Fatalf("payload is not valid json: %v", err)
	}
	if decoded.Currency != "USD" {
		t.Fatalf("unexpected currency %s", decoded.Currency)
	}
}
