package app

import (
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

// eventBus — producer и два паблишера поверх него: события заказов и их DLQ.
// Nil-значение означает, что Kafka не настроена и события копятся в outbox.
type eventBus struct {
	producer *kafka.Producer
	events   domain.OutboxPublisher
	dlq      domain.OutboxPublisher
}

// connectEventBus подключается к брокерам из cfg. Без брокеров возвращает nil, nil;
// при ошибке подключения тоже nil, сервис продолжает работу без публикации.
func connectEventBus(cfg Config, logger *log.Entry) (*eventBus, error) {
	brokers := cfg.KafkaBrokerList()
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{
		Brokers:  brokers,
		ClientID: version.ClientID(),
		Logger:   logger.WithField("component", "kafka-producer"),
	})
	if err != nil {
		logger.WithError(err).Warn("kafka is unreachable, order events stay in outbox")
		return nil, err
	}

	dlqTopic := dlqTopicFor(cfg.KafkaTopic)
	logger.WithFields(log.Fields{"brokers": brokers, "topic": cfg.KafkaTopic, "dlq_topic": dlqTopic}).Info("kafka producer initialized")
	return &eventBus{
		producer: producer,
		events:   kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		dlq:      kafka.NewDLQPublisher(producer, dlqTopic, cfg.KafkaTopic),
	}, nil
}

// Producer возвращает producer для health check; nil, если шины нет.
func (b *eventBus) Producer() *kafka.Producer {
	if b == nil {
		return nil
	}
	return b.producer
}

func (b *eventBus) Close(logger *log.Entry) {
	if b == nil {
		return
	}
	if err := b.producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
		return
	}
	logger.Info("kafka producer closed")
}

// dlqTopicFor — основной topic с суффиксом .dlq; для topic по умолчанию свой DLQ.
func dlqTopicFor(topic string) string {
	if topic == "" || topic == kafka.TopicOrderEvents {
		return kafka.TopicDeadLetterQueue
	}
	return topic + ".dlq"
}
