package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Заголовки сообщений. Original topic и failed at ставятся только в DLQ.
const (
	HeaderOriginalTopic = "x-original-topic"
	HeaderEventType     = "x-event-type"
	HeaderFailedAt      = "x-failed-at"
)

// ProducerConfig задаёт параметры подключения producer.
type ProducerConfig struct {
	Brokers  []string
	ClientID string
	Logger   *log.Entry
}

// ProducerState — счётчики и последний результат публикации, для health check.
type ProducerState struct {
	Sent        int64
	Failed      int64
	LastSentAt  time.Time
	LastError   string
	LastErrorAt time.Time
}

// Producer синхронно публикует JSON-события заказов и помнит результат последней отправки.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
	now      func() time.Time

	mu    sync.Mutex
	state ProducerState
}

// NewProducer подключается к брокерам с идемпотентной доставкой:
// подтверждение от всех in-sync реплик и одна in-flight заявка на соединение.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}
	config, err := syncProducerConfig(cfg.ClientID)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, fmt.Errorf("connect kafka producer to %v: %w", cfg.Brokers, err)
	}
	return newProducer(producer, cfg.Logger), nil
}

func syncProducerConfig(clientID string) (*sarama.Config, error) {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Idempotent = true
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Net.MaxOpenRequests = 1
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("kafka producer config: %w", err)
	}
	return config, nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer, например созданный
// утилитой со своим sarama.Config.
func NewProducerFromSync(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	return newProducer(producer, logger)
}

func newProducer(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger, now: time.Now}
}

// PublishEvent сериализует event в JSON и отправляет в topic с ключом партиционирования key.
func (p *Producer) PublishEvent(topic string, key string, event any, headers ...sarama.RecordHeader) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", topic, err)
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: p.now(),
	})
	p.record(err)

	entry := p.logger.WithFields(log.Fields{"topic": topic, "key": key})
	if err != nil {
		entry.WithError(err).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}
	entry.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("kafka message sent")
	return nil
}

func (p *Producer) record(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if err != nil {
		p.state.Failed++
		p.state.LastError, p.state.LastErrorAt = err.Error(), now
		return
	}
	p.state.Sent++
	p.state.LastSentAt = now
}

// State возвращает снимок состояния публикаций.
func (p *Producer) State() ProducerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Close дожидается отправки буфера и закрывает соединения с брокерами.
func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("close kafka producer: %w", err)
	}
	return nil
}
