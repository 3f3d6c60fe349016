package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// HeaderOutboxID несёт id outbox-записи, по нему потребители отбрасывают повторы.
const HeaderOutboxID = "x-outbox-id"

var errPublisherNotInitialized = errors.New("kafka outbox publisher is not initialized")

// Envelope — значение Kafka-сообщения с событием заказа.
type Envelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// OutboxTopicPublisher публикует события заказов из outbox в один topic.
// Ключ сообщения — id заказа, поэтому события заказа попадают в одну партицию.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	// sourceTopic задан только у DLQ-паблишера.
	sourceTopic string
}

// NewOutboxPublisher создаёт паблишер событий заказов; пустой topic означает TopicOrderEvents.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return &OutboxTopicPublisher{producer: producer, topic: orDefault(topic, TopicOrderEvents)}
}

// NewDLQPublisher создаёт паблишер dead letter topic. Каждое сообщение
// получает заголовки с исходным topic и временем сбоя для cmd/dlq-reprocess.
func NewDLQPublisher(producer *Producer, dlqTopic, sourceTopic string) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer:    producer,
		topic:       orDefault(dlqTopic, TopicDeadLetterQueue),
		sourceTopic: orDefault(sourceTopic, TopicOrderEvents),
	}
}

func (p *OutboxTopicPublisher) Publish(event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotInitialized
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.ID, p.topic, err)
	}

	now := p.producer.now().UTC()
	return p.producer.PublishEvent(p.topic, event.AggregateID, Envelope{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   now,
	}, p.headers(event, now)...)
}

func (p *OutboxTopicPublisher) headers(event domain.OutboxMessage, now time.Time) []sarama.RecordHeader {
	headers := []sarama.RecordHeader{
		{Key: []byte(HeaderEventType), Value: []byte(event.EventType)},
		{Key: []byte(HeaderOutboxID), Value: []byte(event.ID)},
	}
	if p.sourceTopic == "" {
		return headers
	}
	return append(headers,
		sarama.RecordHeader{Key: []byte(HeaderOriginalTopic), Value: []byte(p.sourceTopic)},
		sarama.RecordHeader{Key: []byte(HeaderFailedAt), Value: []byte(now.Format(time.RFC3339Nano))},
	)
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
