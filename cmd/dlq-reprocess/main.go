// Утилита dlq-reprocess перечитывает ims.dlq и возвращает события в рабочий
// топик. По умолчанию работает в режиме dry-run: печатает кандидатов, ничего
// не публикуя; реальный replay включается флагом -execute.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/labrise/ims/internal/messaging/kafka"
)

const (
	defaultScanLimit   = 100
	defaultIdleTimeout = 2 * time.Second
)

type replayConfig struct {
	brokers     []string
	dlqTopic    string
	targetTopic string
	limit       int
	execute     bool
	idleTimeout time.Duration
}

// consumerDLQMessage — формат, который пишет kafka.Consumer при исчерпании
// ретраев: оригинал сообщения целиком.
type consumerDLQMessage struct {
	OriginalTopic string `json:"original_topic"`
	OriginalKey   string `json:"original_key"`
	OriginalValue string `json:"original_value"`
}

// outboxDLQMessage — формат outbox-воркера: конверт события с вложенным
// исходным payload.
type outboxDLQMessage struct {
	ID            string `json:"id"`
	AggregateType string `json:"aggregate_type"`
	AggregateID   string `json:"aggregate_id"`
	EventType     string `json:"event_type"`
	Payload       struct {
		OutboxID      string          `json:"outbox_id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
	} `json:"payload"`
}

// replayEntry — то, что уходит обратно в рабочий топик.
type replayEntry struct {
	topic string
	key   string
	value []byte
}

// brokerCluster покрывает нужную часть sarama.Client.
type brokerCluster interface {
	Partitions(topic string) ([]int32, error)
	GetOffset(topic string, partition int32, at int64) (int64, error)
}

// partitionStream — открытый поток сообщений одной партиции.
type partitionStream interface {
	Messages() <-chan *sarama.ConsumerMessage
	Close() error
}

// openPartitionFunc открывает поток партиции с заданного offset.
type openPartitionFunc func(topic string, partition int32, offset int64) (partitionStream, error)

// eventSink публикует восстановленные события.
type eventSink interface {
	SendMessage(msg *sarama.ProducerMessage) (int32, int64, error)
}

type replayReport struct {
	scanned  int
	requeued int
	skipped  int
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := readReplayConfig()
	if err != nil {
		fail("%v", err)
	}
	if err := runReplay(context.Background(), cfg); err != nil {
		fail("dlq replay failed: %v", err)
	}
}

func readReplayConfig() (replayConfig, error) {
	var brokersRaw string
	var cfg replayConfig

	flag.StringVar(&brokersRaw, "brokers", "", "Kafka brokers, comma-separated (fallback: IMS_KAFKA_BROKERS, KAFKA_BROKERS)")
	flag.StringVar(&cfg.dlqTopic, "dlq-topic", kafka.TopicDeadLetterQueue, "DLQ topic to drain")
	flag.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicOrderEvents, "topic to requeue events into")
	flag.IntVar(&cfg.limit, "limit", defaultScanLimit, "max messages to scan")
	flag.BoolVar(&cfg.execute, "execute", false, "publish requeued events; default is dry-run")
	flag.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop draining a partition after this idle period")
	flag.Parse()

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("IMS_KAFKA_BROKERS")
	}
	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = os.Getenv("KAFKA_BROKERS")
	}
	cfg.brokers = splitBrokers(brokersRaw)

	switch {
	case len(cfg.brokers) == 0:
		return replayConfig{}, fmt.Errorf("kafka brokers are required (-brokers or IMS_KAFKA_BROKERS)")
	case strings.TrimSpace(cfg.dlqTopic) == "":
		return replayConfig{}, fmt.Errorf("dlq-topic is required")
	case strings.TrimSpace(cfg.targetTopic) == "":
		return replayConfig{}, fmt.Errorf("target-topic is required")
	case cfg.limit <= 0:
		return replayConfig{}, fmt.Errorf("limit must be > 0")
	case cfg.idleTimeout <= 0:
		return replayConfig{}, fmt.Errorf("idle-timeout must be > 0")
	}
	return cfg, nil
}

func splitBrokers(raw string) []string {
	var brokers []string
	for _, chunk := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

func runReplay(ctx context.Context, cfg replayConfig) error {
	clientConfig := sarama.NewConfig()
	client, err := sarama.NewClient(cfg.brokers, clientConfig)
	if err != nil {
		return fmt.Errorf("create kafka client: %w", err)
	}
	defer func() { _ = client.Close() }()

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	open := func(topic string, partition int32, offset int64) (partitionStream, error) {
		return consumer.ConsumePartition(topic, partition, offset)
	}

	var sink eventSink
	if cfg.execute {
		producer, err := kafka.NewProducer(cfg.brokers)
		if err != nil {
			return fmt.Errorf("create kafka producer: %w", err)
		}
		defer func() { _ = producer.Close() }()
		sink = producer.Sync()
	}

	report, err := drainDLQ(ctx, cfg, client, open, sink)
	if err != nil {
		return err
	}

	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":     mode,
		"scanned":  report.scanned,
		"requeued": report.requeued,
		"skipped":  report.skipped,
	}).Info("dlq replay finished")
	return nil
}

// drainDLQ обходит партиции DLQ-топика по порядку, суммарно не больше
// cfg.limit сообщений.
func drainDLQ(ctx context.Context, cfg replayConfig, cluster brokerCluster, open openPartitionFunc, sink eventSink) (replayReport, error) {
	var report replayReport

	partitions, err := cluster.Partitions(cfg.dlqTopic)
	if err != nil {
		return report, fmt.Errorf("partitions of %s: %w", cfg.dlqTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		if report.scanned >= cfg.limit {
			break
		}
		if err := drainPartition(ctx, cfg, cluster, open, sink, partition, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func drainPartition(
	ctx context.Context,
	cfg replayConfig,
	cluster brokerCluster,
	open openPartitionFunc,
	sink eventSink,
	partition int32,
	report *replayReport,
) error {
	oldest, err := cluster.GetOffset(cfg.dlqTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := cluster.GetOffset(cfg.dlqTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return nil
	}

	pc, err := open(cfg.dlqTopic, partition, oldest)
	if err != nil {
		return fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(cfg.idleTimeout)
	defer idle.Stop()

	for report.scanned < cfg.limit {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return nil
			}
			idle.Reset(cfg.idleTimeout)
			report.scanned++

			entry, err := decodeDLQMessage(msg.Value, cfg.targetTopic)
			if err != nil {
				report.skipped++
				log.WithError(err).WithFields(log.Fields{
					"partition": partition,
					"offset":    msg.Offset,
				}).Warn("skip undecodable dlq message")
				if msg.Offset+1 >= newest {
					return nil
				}
				continue
			}

			if sink != nil {
				if _, _, err := sink.SendMessage(&sarama.ProducerMessage{
					Topic: entry.topic,
					Key:   sarama.StringEncoder(entry.key),
					Value: sarama.ByteEncoder(entry.value),
				}); err != nil {
					return fmt.Errorf("requeue to %s: %w", entry.topic, err)
				}
			} else {
				log.WithFields(log.Fields{
					"partition": partition,
					"offset":    msg.Offset,
					"target":    entry.topic,
					"key":       entry.key,
				}).Info("dlq replay candidate")
			}
			report.requeued++

			if msg.Offset+1 >= newest {
				return nil
			}
		}
	}
	return nil
}

// decodeDLQMessage восстанавливает исходное событие из любого из двух
// DLQ-форматов IMS: сообщения consumer-а и конверта outbox-воркера.
func decodeDLQMessage(value []byte, defaultTopic string) (replayEntry, error) {
	var fromConsumer consumerDLQMessage
	if err := json.Unmarshal(value, &fromConsumer); err == nil && fromConsumer.OriginalValue != "" {
		topic := strings.TrimSpace(fromConsumer.OriginalTopic)
		if topic == "" {
			topic = defaultTopic
		}
		return replayEntry{
			topic: topic,
			key:   fromConsumer.OriginalKey,
			value: []byte(fromConsumer.OriginalValue),
		}, nil
	}

	var fromOutbox outboxDLQMessage
	if err := json.Unmarshal(value, &fromOutbox); err != nil {
		return replayEntry{}, fmt.Errorf("decode dlq message: %w", err)
	}
	if len(fromOutbox.Payload.Payload) == 0 {
		return replayEntry{}, fmt.Errorf("dlq message carries no original payload")
	}

	restored := struct {
		ID            string          `json:"id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
		PublishedAt   time.Time       `json:"published_at"`
	}{
		ID:            coalesce(fromOutbox.Payload.OutboxID, fromOutbox.ID),
		AggregateType: coalesce(fromOutbox.Payload.AggregateType, fromOutbox.AggregateType),
		AggregateID:   coalesce(fromOutbox.Payload.AggregateID, fromOutbox.AggregateID),
		EventType:     coalesce(fromOutbox.Payload.EventType, fromOutbox.EventType),
		Payload:       fromOutbox.Payload.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(restored)
	if err != nil {
		return replayEntry{}, fmt.Errorf("encode restored event: %w", err)
	}

	key := restored.AggregateID
	if key == "" {
		key = restored.ID
	}
	return replayEntry{topic: defaultTopic, key: key, value: encoded}, nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
