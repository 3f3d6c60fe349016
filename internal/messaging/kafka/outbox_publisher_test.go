package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

var publishedAt = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func orderCancelled() domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            "outbox-41",
		AggregateType: "order",
		AggregateID:   "order-9",
		EventType:     "order.cancelled",
		Payload:       []byte(`{"order_id":"order-9","reason":"buyer"}`),
	}
}

func newTestPublisherProducer(t *testing.T) (*Producer, *mocks.SyncProducer) {
	t.Helper()
	mock := mocks.NewSyncProducer(t, nil)
	t.Cleanup(func() {
		if err := mock.Close(); err != nil {
			t.Error(err)
		}
	})
	producer := newProducer(mock, log.WithField("component", "outbox-publisher-test"))
	producer.now = func() time.Time { return publishedAt }
	return producer, mock
}

func headerMap(msg *sarama.ProducerMessage) map[string]string {
	out := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestOutboxPublisher_KeysByOrderAndWrapsPayload(t *testing.T) {
	producer, mock := newTestPublisherProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			return fmt.Errorf("topic %q", msg.Topic)
		}
		if key, _ := msg.Key.Encode(); string(key) != "order-9" {
			return fmt.Errorf("key %q", key)
		}
		headers := headerMap(msg)
		if headers[HeaderEventType] != "order.cancelled" || headers[HeaderOutboxID] != "outbox-41" {
			return fmt.Errorf("headers %v", headers)
		}
		if _, ok := headers[HeaderOriginalTopic]; ok {
			return errors.New("regular publish must not carry DLQ headers")
		}

		raw, _ := msg.Value.Encode()
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		if env.ID != "outbox-41" || !env.PublishedAt.Equal(publishedAt) {
			return fmt.Errorf("envelope %+v", env)
		}
		if string(env.Payload) != `{"order_id":"order-9","reason":"buyer"}` {
			return fmt.Errorf("payload %s", env.Payload)
		}
		return nil
	})

	if err := NewOutboxPublisher(producer, "").Publish(orderCancelled()); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestDLQPublisher_MarksSourceTopic(t *testing.T) {
	producer, mock := newTestPublisherProducer(t)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "orders.dlq" {
			return fmt.Errorf("topic %q", msg.Topic)
		}
		headers := headerMap(msg)
		if headers[HeaderOriginalTopic] != "orders" {
			return fmt.Errorf("original topic %q", headers[HeaderOriginalTopic])
		}
		if headers[HeaderFailedAt] != publishedAt.Format(time.RFC3339Nano) {
			return fmt.Errorf("failed at %q", headers[HeaderFailedAt])
		}
		return nil
	})

	if err := NewDLQPublisher(producer, "orders.dlq", "orders").Publish(orderCancelled()); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestOutboxPublisher_Rejects(t *testing.T) {
	producer, mock := newTestPublisherProducer(t)
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	noPayload := orderCancelled()
	noPayload.Payload = nil
	noOrder := orderCancelled()
	noOrder.AggregateID = ""

	cases := []struct {
		name      string
		publisher domain.OutboxPublisher
		event     domain.OutboxMessage
		want      error
	}{
		{"nil producer", NewOutboxPublisher(nil, ""), orderCancelled(), errPublisherNotInitialized},
		{"missing payload", NewOutboxPublisher(producer, ""), noPayload, domain.ErrOutboxMessageInvalid},
		{"missing order id", NewOutboxPublisher(producer, ""), noOrder, domain.ErrOutboxMessageInvalid},
		{"broker down", NewOutboxPublisher(producer, ""), orderCancelled(), sarama.ErrOutOfBrokers},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.publisher.Publish(tc.event); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}

	if state := producer.State(); state.LastError == "" {
		t.Fatalf("producer state must record the broker failure: %+v", state)
	}
}
