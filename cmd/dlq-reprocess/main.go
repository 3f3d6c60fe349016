package main

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/marketplace/internal/service/outbox"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	defaultReplayMax  = 100
	defaultReplayIdle = 2 * time.Second
	envKafkaBrokers   = "MARKETPLACE_KAFKA_BROKERS"
)

// options — что и куда переигрывать. Без -execute утилита ничего не публикует.
type options struct {
	brokers []string
	source  string
	target  string
	max     int
	execute bool
	idle    time.Duration
}

func (o options) mode() string {
	if o.execute {
		return "execute"
	}
	return "dry-run"
}

// replayCandidate — восстановленное событие заказа и топик, куда его вернуть.
type replayCandidate struct {
	topic string
	event domain.OutboxMessage
	cause string
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
}

type replaySummary struct {
	scanned  int
	replayed int
	skipped  int
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	os.Exit(replayCommand(os.Args[1:], os.LookupEnv, os.Stderr))
}

// replayCommand возвращает код выхода: 2 — неверные флаги, 1 — сбой replay.
func replayCommand(args []string, lookup func(string) (string, bool), stderr io.Writer) int {
	opts, err := parseOptions(args, lookup)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "invalid options: %v\n", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		_, _ = fmt.Fprintf(stderr, "dlq replay failed: %v\n", err)
		return 1
	}
	return 0
}

func parseOptions(args []string, lookup func(string) (string, bool)) (options, error) {
	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		opts    options
		brokers string
	)
	fs.StringVar(&brokers, "brokers", "", "Kafka brokers, comma-separated (fallback: "+envKafkaBrokers+")")
	fs.StringVar(&opts.source, "source-topic", kafka.TopicDeadLetterQueue, "DLQ topic to read")
	fs.StringVar(&opts.target, "target-topic", "", "replay topic; empty means the x-original-topic header")
	fs.IntVar(&opts.max, "limit", defaultReplayMax, "max number of DLQ messages to scan")
	fs.BoolVar(&opts.execute, "execute", false, "publish replayed events instead of a dry-run")
	fs.DurationVar(&opts.idle, "idle-timeout", defaultReplayIdle, "stop reading a partition after this much silence")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers, _ = lookup(envKafkaBrokers)
	}
	opts.brokers = strings.FieldsFunc(brokers, func(r rune) bool { return r == ',' || r == ' ' })
	opts.source = strings.TrimSpace(opts.source)
	opts.target = strings.TrimSpace(opts.target)

	var problems []error
	if len(opts.brokers) == 0 {
		problems = append(problems, errors.New("kafka brokers are required (-brokers or "+envKafkaBrokers+")"))
	}
	if opts.source == "" {
		problems = append(problems, errors.New("source-topic is required"))
	}
	if opts.max <= 0 {
		problems = append(problems, errors.New("limit must be > 0"))
	}
	if opts.idle <= 0 {
		problems = append(problems, errors.New("idle-timeout must be > 0"))
	}
	return opts, errors.Join(problems...)
}

func run(ctx context.Context, opts options) error {
	clientID := version.ClientIDFor("dlq-reprocess")

	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = clientID
	consumerConfig.Consumer.Return.Errors = true

	client, err := sarama.NewClient(opts.brokers, consumerConfig)
	if err != nil {
		return fmt.Errorf("connect to kafka %v: %w", opts.brokers, err)
	}
	defer func() { _ = client.Close() }()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("open dlq consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	var producer *kafka.Producer
	if opts.execute {
		if producer, err = kafka.NewProducer(kafka.ProducerConfig{Brokers: opts.brokers, ClientID: clientID}); err != nil {
			return err
		}
		defer func() { _ = producer.Close() }()
	}

	summary, err := replay(ctx, opts, client, consumer, producer)
	summary.log(opts)
	return err
}

func (s replaySummary) log(opts options) {
	log.WithFields(log.Fields{
		"mode":         opts.mode(),
		"source_topic": opts.source,
		"scanned":      s.scanned,
		"replayed":     s.replayed,
		"skipped":      s.skipped,
	}).Info("dlq replay finished")
}

// replay читает партиции DLQ от старых сообщений к новым до limit.
// В dry-run только логирует кандидатов; в execute публикует через outbox-паблишер.
func replay(ctx context.Context, opts options, client offsetClient, consumer sarama.Consumer, producer *kafka.Producer) (replaySummary, error) {
	var stats replaySummary
	if opts.execute && producer == nil {
		return stats, errors.New("producer is required in execute mode")
	}

	partitions, err := client.Partitions(opts.source)
	if err != nil {
		return stats, fmt.Errorf("get partitions for topic %s: %w", opts.source, err)
	}
	slices.Sort(partitions)

	publishers := map[string]domain.OutboxPublisher{}
	publish := func(c replayCandidate) error {
		p, ok := publishers[c.topic]
		if !ok {
			p = kafka.NewOutboxPublisher(producer, c.topic)
			publishers[c.topic] = p
		}
		return p.Publish(c.event)
	}

	for _, partition := range partitions {
		if stats.scanned >= opts.max {
			break
		}
		if err := replayPartition(ctx, opts, client, consumer, partition, &stats, publish); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func replayPartition(
	ctx context.Context,
	opts options,
	client offsetClient,
	consumer sarama.Consumer,
	partition int32,
	stats *replaySummary,
	publish func(replayCandidate) error,
) error {
	oldest, err := client.GetOffset(opts.source, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("get oldest offset for partition %d: %w", partition, err)
	}
	newest, err := client.GetOffset(opts.source, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("get newest offset for partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	pc, err := consumer.ConsumePartition(opts.source, partition, oldest)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer pc.Close()

	idle := time.NewTimer(opts.idle)
	defer idle.Stop()

	for stats.scanned < opts.max {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return fmt.Errorf("partition %d consumer error: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			idle.Reset(opts.idle)
			stats.scanned++

			candidate, err := decodeDeadLetter(msg, opts.target)
			if err != nil {
				stats.skipped++
				log.WithError(err).WithFields(log.Fields{
					"partition": msg.Partition,
					"offset":    msg.Offset,
				}).Warn("skip unsupported dlq message")
			} else {
				fields := log.Fields{
					"order_id":     candidate.event.AggregateID,
					"event_type":   candidate.event.EventType,
					"target_topic": candidate.topic,
					"cause":        candidate.cause,
				}
				if opts.execute {
					if err := publish(candidate); err != nil {
						return fmt.Errorf("publish replay message: %w", err)
					}
					log.WithFields(fields).Info("dlq event replayed")
				} else {
					log.WithFields(fields).Info("dlq replay candidate")
				}
				stats.replayed++
			}

			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

// decodeDeadLetter восстанавливает исходное outbox-событие из сообщения DLQ.
// Топик: явный target, затем заголовок x-original-topic, затем топик событий заказов.
func decodeDeadLetter(msg *sarama.ConsumerMessage, target string) (replayCandidate, error) {
	var envelope kafka.Envelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		return replayCandidate{}, fmt.Errorf("decode dlq envelope: %w", err)
	}
	if len(envelope.Payload) == 0 {
		return replayCandidate{}, errors.New("dlq envelope has no payload")
	}

	var letter outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &letter); err != nil {
		return replayCandidate{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if len(letter.Payload) == 0 || letter.EventType == "" {
		return replayCandidate{}, errors.New("dead letter does not contain the original event")
	}

	return replayCandidate{
		topic: cmp.Or(target, originalTopic(msg.Headers), kafka.TopicOrderEvents),
		event: domain.OutboxMessage{
			ID:            cmp.Or(letter.OutboxID, envelope.ID),
			AggregateType: cmp.Or(letter.AggregateType, envelope.AggregateType),
			AggregateID:   cmp.Or(letter.AggregateID, envelope.AggregateID),
			EventType:     letter.EventType,
			Payload:       letter.Payload,
		},
		cause: letter.PublishError,
	}, nil
}

func originalTopic(headers []*sarama.RecordHeader) string {
	i := slices.IndexFunc(headers, func(h *sarama.RecordHeader) bool {
		return h != nil && string(h.Key) == kafka.HeaderOriginalTopic
	})
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(string(headers[i].Value))
}
