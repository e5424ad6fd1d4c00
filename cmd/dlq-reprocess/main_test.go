package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/labrise/ims/internal/messaging/kafka"
)

func withReplayArgs(t *testing.T, args []string, fn func()) {
	t.Helper()

	oldArgs := os.Args
	oldFlags := flag.CommandLine
	defer func() {
		os.Args = oldArgs
		flag.CommandLine = oldFlags
	}()

	os.Args = append([]string{"dlq-reprocess"}, args...)
	flag.CommandLine = flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fn()
}

func TestReadReplayConfig_Defaults(t *testing.T) {
	withReplayArgs(t, []string{"-brokers", "k1:9092, k2:9092"}, func() {
		cfg, err := readReplayConfig()
		require.NoError(t, err)
		require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.brokers)
		require.Equal(t, kafka.TopicDeadLetterQueue, cfg.dlqTopic)
		require.Equal(t, kafka.TopicOrderEvents, cfg.targetTopic)
		require.Equal(t, defaultScanLimit, cfg.limit)
		require.Equal(t, defaultIdleTimeout, cfg.idleTimeout)
		require.False(t, cfg.execute)
	})
}

func TestReadReplayConfig_BrokersFromEnv(t *testing.T) {
	t.Setenv("IMS_KAFKA_BROKERS", "env-primary:9092")
	t.Setenv("KAFKA_BROKERS", "env-legacy:9092")

	withReplayArgs(t, nil, func() {
		cfg, err := readReplayConfig()
		require.NoError(t, err)
		require.Equal(t, []string{"env-primary:9092"}, cfg.brokers)
	})

	t.Setenv("IMS_KAFKA_BROKERS", "")
	withReplayArgs(t, nil, func() {
		cfg, err := readReplayConfig()
		require.NoError(t, err)
		require.Equal(t, []string{"env-legacy:9092"}, cfg.brokers)
	})
}

func TestReadReplayConfig_Validation(t *testing.T) {
	cases := map[string][]string{
		"no brokers":       {},
		"empty dlq topic":  {"-brokers", "k:9092", "-dlq-topic", " "},
		"empty target":     {"-brokers", "k:9092", "-target-topic", ""},
		"zero limit":       {"-brokers", "k:9092", "-limit", "0"},
		"negative timeout": {"-brokers", "k:9092", "-idle-timeout", "-1s"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			withReplayArgs(t, args, func() {
				_, err := readReplayConfig()
				require.Error(t, err)
			})
		})
	}
}

func TestSplitBrokers(t *testing.T) {
	require.Nil(t, splitBrokers(""))
	require.Nil(t, splitBrokers(" , ,"))
	require.Equal(t, []string{"a:9092", "b:9092"}, splitBrokers(" a:9092 ,, b:9092 "))
}

func TestDecodeDLQMessage_ConsumerFormat(t *testing.T) {
	raw, err := json.Marshal(consumerDLQMessage{
		OriginalTopic: kafka.TopicInventoryEvents,
		OriginalKey:   "PROD-7",
		OriginalValue: `{"event_type":"StockChanged"}`,
	})
	require.NoError(t, err)

	entry, err := decodeDLQMessage(raw, kafka.TopicOrderEvents)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicInventoryEvents, entry.topic)
	require.Equal(t, "PROD-7", entry.key)
	require.JSONEq(t, `{"event_type":"StockChanged"}`, string(entry.value))
}

func TestDecodeDLQMessage_ConsumerFormatWithoutTopic(t *testing.T) {
	raw := []byte(`{"original_key":"ORD-3","original_value":"{}"}`)

	entry, err := decodeDLQMessage(raw, kafka.TopicOrderEvents)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicOrderEvents, entry.topic)
	require.Equal(t, "ORD-3", entry.key)
}

func TestDecodeDLQMessage_OutboxFormat(t *testing.T) {
	raw := []byte(`{
		"id": "dlq-1",
		"aggregate_type": "order",
		"aggregate_id": "",
		"event_type": "OrderCreated",
		"payload": {
			"outbox_id": "out-42",
			"aggregate_type": "order",
			"aggregate_id": "ORD-42",
			"event_type": "OrderCreated",
			"payload": {"order_id": "ORD-42"}
		}
	}`)

	entry, err := decodeDLQMessage(raw, kafka.TopicOrderEvents)
	require.NoError(t, err)
	require.Equal(t, kafka.TopicOrderEvents, entry.topic)
	require.Equal(t, "ORD-42", entry.key)

	var restored struct {
		ID          string          `json:"id"`
		AggregateID string          `json:"aggregate_id"`
		EventType   string          `json:"event_type"`
		Payload     json.RawMessage `json:"payload"`
		PublishedAt time.Time       `json:"published_at"`
	}
	require.NoError(t, json.Unmarshal(entry.value, &restored))
	require.Equal(t, "out-42", restored.ID)
	require.Equal(t, "ORD-42", restored.AggregateID)
	require.Equal(t, "OrderCreated", restored.EventType)
	require.JSONEq(t, `{"order_id":"ORD-42"}`, string(restored.Payload))
	require.WithinDuration(t, time.Now().UTC(), restored.PublishedAt, 5*time.Second)
}

func TestDecodeDLQMessage_Rejects(t *testing.T) {
	_, err := decodeDLQMessage([]byte("not json"), kafka.TopicOrderEvents)
	require.Error(t, err)

	_, err = decodeDLQMessage([]byte(`{"id":"dlq-2","event_type":"OrderCreated"}`), kafka.TopicOrderEvents)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no original payload")
}

func TestCoalesce(t *testing.T) {
	require.Equal(t, "a", coalesce("", " ", "a", "b"))
	require.Equal(t, "", coalesce("", "  "))
}

// fakeCluster описывает один DLQ-топик с заранее заданными партициями.
type fakeCluster struct {
	partitions []int32
	oldest     map[int32]int64
	newest     map[int32]int64
}

func (c *fakeCluster) Partitions(string) ([]int32, error) {
	return c.partitions, nil
}

func (c *fakeCluster) GetOffset(_ string, partition int32, at int64) (int64, error) {
	if at == sarama.OffsetOldest {
		return c.oldest[partition], nil
	}
	return c.newest[partition], nil
}

type fakeStream struct {
	messages chan *sarama.ConsumerMessage
	closed   bool
}

func (s *fakeStream) Messages() <-chan *sarama.ConsumerMessage { return s.messages }

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type recordingSink struct {
	sent []*sarama.ProducerMessage
	err  error
}

func (s *recordingSink) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	if s.err != nil {
		return 0, 0, s.err
	}
	s.sent = append(s.sent, msg)
	return 0, int64(len(s.sent)), nil
}

func streamOf(partition int32, start int64, values ...[]byte) *fakeStream {
	stream := &fakeStream{messages: make(chan *sarama.ConsumerMessage, len(values))}
	for i, value := range values {
		stream.messages <- &sarama.ConsumerMessage{
			Partition: partition,
			Offset:    start + int64(i),
			Value:     value,
		}
	}
	return stream
}

func consumerPayload(t *testing.T, topic, key, value string) []byte {
	t.Helper()
	raw, err := json.Marshal(consumerDLQMessage{
		OriginalTopic: topic,
		OriginalKey:   key,
		OriginalValue: value,
	})
	require.NoError(t, err)
	return raw
}

func replayTestConfig() replayConfig {
	return replayConfig{
		brokers:     []string{"k:9092"},
		dlqTopic:    kafka.TopicDeadLetterQueue,
		targetTopic: kafka.TopicOrderEvents,
		limit:       defaultScanLimit,
		idleTimeout: defaultIdleTimeout,
	}
}

func TestDrainDLQ_Execute(t *testing.T) {
	cluster := &fakeCluster{
		partitions: []int32{1, 0},
		oldest:     map[int32]int64{0: 10, 1: 0},
		newest:     map[int32]int64{0: 12, 1: 1},
	}
	streams := map[int32]*fakeStream{
		0: streamOf(0, 10,
			consumerPayload(t, kafka.TopicOrderEvents, "ORD-1", `{"n":1}`),
			consumerPayload(t, kafka.TopicOrderEvents, "ORD-2", `{"n":2}`),
		),
		1: streamOf(1, 0, []byte("garbage")),
	}
	open := func(topic string, partition int32, offset int64) (partitionStream, error) {
		require.Equal(t, kafka.TopicDeadLetterQueue, topic)
		require.Equal(t, cluster.oldest[partition], offset)
		return streams[partition], nil
	}
	sink := &recordingSink{}

	report, err := drainDLQ(context.Background(), replayTestConfig(), cluster, open, sink)
	require.NoError(t, err)
	require.Equal(t, 3, report.scanned)
	require.Equal(t, 2, report.requeued)
	require.Equal(t, 1, report.skipped)

	require.Len(t, sink.sent, 2)
	require.Equal(t, kafka.TopicOrderEvents, sink.sent[0].Topic)
	key, err := sink.sent[0].Key.Encode()
	require.NoError(t, err)
	require.Equal(t, "ORD-1", string(key))
	for partition, stream := range streams {
		require.True(t, stream.closed, "partition %d stream not closed", partition)
	}
}

func TestDrainDLQ_DryRunPublishesNothing(t *testing.T) {
	cluster := &fakeCluster{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 1},
	}
	stream := streamOf(0, 0, consumerPayload(t, kafka.TopicOrderEvents, "ORD-9", `{}`))
	open := func(string, int32, int64) (partitionStream, error) { return stream, nil }

	report, err := drainDLQ(context.Background(), replayTestConfig(), cluster, open, nil)
	require.NoError(t, err)
	require.Equal(t, 1, report.scanned)
	require.Equal(t, 1, report.requeued)
	require.Equal(t, 0, report.skipped)
}

func TestDrainDLQ_HonorsLimit(t *testing.T) {
	cluster := &fakeCluster{
		partitions: []int32{0, 1},
		oldest:     map[int32]int64{0: 0, 1: 0},
		newest:     map[int32]int64{0: 3, 1: 5},
	}
	streams := map[int32]*fakeStream{
		0: streamOf(0, 0,
			consumerPayload(t, kafka.TopicOrderEvents, "ORD-1", `{}`),
			consumerPayload(t, kafka.TopicOrderEvents, "ORD-2", `{}`),
			consumerPayload(t, kafka.TopicOrderEvents, "ORD-3", `{}`),
		),
		1: streamOf(1, 0, consumerPayload(t, kafka.TopicOrderEvents, "ORD-4", `{}`)),
	}
	open := func(_ string, partition int32, _ int64) (partitionStream, error) {
		return streams[partition], nil
	}
	cfg := replayTestConfig()
	cfg.limit = 2

	report, err := drainDLQ(context.Background(), cfg, cluster, open, nil)
	require.NoError(t, err)
	require.Equal(t, 2, report.scanned)
	require.Equal(t, 2, report.requeued)
	require.False(t, streams[1].closed, "second partition must not be opened once the limit is hit")
}

func TestDrainDLQ_SkipsEmptyPartition(t *testing.T) {
	cluster := &fakeCluster{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 7},
		newest:     map[int32]int64{0: 7},
	}
	opened := false
	open := func(string, int32, int64) (partitionStream, error) {
		opened = true
		return nil, fmt.Errorf("must not be called")
	}

	report, err := drainDLQ(context.Background(), replayTestConfig(), cluster, open, nil)
	require.NoError(t, err)
	require.Zero(t, report.scanned)
	require.False(t, opened)
}

func TestDrainDLQ_StopsOnIdleTimeout(t *testing.T) {
	cluster := &fakeCluster{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 100},
	}
	// Поток обещает 100 сообщений, но отдаёт одно: drain должен выйти по
	// idle-timeout, а не зависнуть.
	stream := streamOf(0, 0, consumerPayload(t, kafka.TopicOrderEvents, "ORD-1", `{}`))
	open := func(string, int32, int64) (partitionStream, error) { return stream, nil }
	cfg := replayTestConfig()
	cfg.idleTimeout = 50 * time.Millisecond

	done := make(chan struct{})
	var report replayReport
	var err error
	go func() {
		defer close(done)
		report, err = drainDLQ(context.Background(), cfg, cluster, open, nil)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("drainDLQ did not stop on idle timeout")
	}
	require.NoError(t, err)
	require.Equal(t, 1, report.scanned)
}

func TestDrainDLQ_SinkFailureAborts(t *testing.T) {
	cluster := &fakeCluster{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 2},
	}
	stream := streamOf(0, 0,
		consumerPayload(t, kafka.TopicOrderEvents, "ORD-1", `{}`),
		consumerPayload(t, kafka.TopicOrderEvents, "ORD-2", `{}`),
	)
	open := func(string, int32, int64) (partitionStream, error) { return stream, nil }
	sink := &recordingSink{err: fmt.Errorf("broker down")}

	_, err := drainDLQ(context.Background(), replayTestConfig(), cluster, open, sink)
	require.Error(t, err)
	require.Contains(t, err.Error(), "broker down")
}

func TestDrainDLQ_ContextCancelled(t *testing.T) {
	cluster := &fakeCluster{
		partitions: []int32{0},
		oldest:     map[int32]int64{0: 0},
		newest:     map[int32]int64{0: 5},
	}
	stream := &fakeStream{messages: make(chan *sarama.ConsumerMessage)}
	open := func(string, int32, int64) (partitionStream, error) { return stream, nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := drainDLQ(ctx, replayTestConfig(), cluster, open, nil)
	require.ErrorIs(t, err, context.Canceled)
}
