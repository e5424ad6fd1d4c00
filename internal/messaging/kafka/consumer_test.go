package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type mockConsumerGroup struct {
	consumeFn func(context.Context, []string, sarama.ConsumerGroupHandler) error
	errorsCh  chan error
	closeFn   func() error
}

func (m *mockConsumerGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	if m.consumeFn != nil {
		return m.consumeFn(ctx, topics, handler)
	}
	return nil
}

func (m *mockConsumerGroup) Errors() <-chan error {
	return m.errorsCh
}

func (m *mockConsumerGroup) Close() error {
	if m.closeFn != nil {
		return m.closeFn()
	}
	if m.errorsCh != nil {
		close(m.errorsCh)
	}
	return nil
}

func (m *mockConsumerGroup) Pause(map[string][]int32)  {}
func (m *mockConsumerGroup) Resume(map[string][]int32) {}
func (m *mockConsumerGroup) PauseAll()                 {}
func (m *mockConsumerGroup) ResumeAll()                {}

type mockSession struct {
	ctx    context.Context
	marked []*sarama.ConsumerMessage
}

func (m *mockSession) Claims() map[string][]int32               { return nil }
func (m *mockSession) MemberID() string                         { return "member" }
func (m *mockSession) GenerationID() int32                      { return 1 }
func (m *mockSession) MarkOffset(string, int32, int64, string)  {}
func (m *mockSession) Commit()                                  {}
func (m *mockSession) ResetOffset(string, int32, int64, string) {}
func (m *mockSession) Context() context.Context                 { return m.ctx }
func (m *mockSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	m.marked = append(m.marked, msg)
}

type mockClaim struct {
	topic     string
	partition int32
	messages  chan *sarama.ConsumerMessage
}

func (m *mockClaim) Topic() string                            { return m.topic }
func (m *mockClaim) Partition() int32                         { return m.partition }
func (m *mockClaim) InitialOffset() int64                     { return 0 }
func (m *mockClaim) HighWaterMarkOffset() int64               { return 0 }
func (m *mockClaim) Messages() <-chan *sarama.ConsumerMessage { return m.messages }

func noopHandler(context.Context, *sarama.ConsumerMessage) error { return nil }

func testConsumer(group sarama.ConsumerGroup, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:      group,
		topics:     []string{TopicOrderEvents},
		handler:    handler,
		logger:     log.WithField("test", "consumer"),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func orderMessage(retries int) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic: TopicOrderEvents,
		Key:   []byte("ORD-1"),
		Value: []byte(`{"event_type":"order.created","order_id":"ORD-1"}`),
	}
	if retries > 0 {
		msg.Headers = []*sarama.RecordHeader{{
			Key:   []byte(HeaderRetryCount),
			Value: []byte{byte('0' + retries)},
		}}
	}
	return msg
}

func TestNewConsumer_UnreachableBrokers(t *testing.T) {
	_, err := NewConsumer([]string{"invalid-broker:9092"}, "ims-group", []string{TopicOrderEvents}, noopHandler)
	require.Error(t, err)
}

func TestConsumerOptions(t *testing.T) {
	dlq := NewProducerFromSync(mocks.NewSyncProducer(t, nil))
	c := testConsumer(nil, noopHandler,
		WithDLQ(dlq),
		WithMaxRetries(5),
		WithRetryDelay(time.Millisecond),
	)

	require.Same(t, dlq, c.dlq)
	require.Equal(t, 5, c.maxRetries)
	require.Equal(t, time.Millisecond, c.retryDelay)

	// Невалидные значения не затирают настройки.
	WithMaxRetries(0)(c)
	WithRetryDelay(-time.Second)(c)
	require.Equal(t, 5, c.maxRetries)
	require.Equal(t, time.Millisecond, c.retryDelay)
}

func TestConsumerStartStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumeCalls := 0
	errorsCh := make(chan error, 1)
	group := &mockConsumerGroup{
		errorsCh: errorsCh,
		consumeFn: func(_ context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
			consumeCalls++
			cancel()
			return nil
		},
		closeFn: func() error {
			close(errorsCh)
			return nil
		},
	}

	consumer := testConsumer(group, noopHandler)

	errorsCh <- errors.New("background error")
	require.NoError(t, consumer.Start(ctx))
	require.NoError(t, consumer.Stop())
	require.NotZero(t, consumeCalls)
}

func TestConsumerStopError(t *testing.T) {
	errorsCh := make(chan error)
	group := &mockConsumerGroup{errorsCh: errorsCh, closeFn: func() error {
		close(errorsCh)
		return errors.New("close failed")
	}}

	consumer := testConsumer(group, noopHandler)
	require.Error(t, consumer.Stop())
}

func TestConsumerSetupCleanup(t *testing.T) {
	consumer := &Consumer{}
	require.NoError(t, consumer.Setup(nil))
	require.NoError(t, consumer.Cleanup(nil))
}

func TestConsumeClaim_MarksProcessedMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := testConsumer(nil, noopHandler)

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicOrderEvents, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- orderMessage(0)
	close(claim.messages)

	require.NoError(t, consumer.ConsumeClaim(session, claim))
	require.Len(t, session.marked, 1)
}

func TestConsumeClaim_FailedMessageStaysUnmarked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failing := func(context.Context, *sarama.ConsumerMessage) error { return errors.New("failed") }
	consumer := testConsumer(nil, failing, WithMaxRetries(1))

	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicOrderEvents, messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- orderMessage(0)
	close(claim.messages)

	require.NoError(t, consumer.ConsumeClaim(session, claim))
	require.Empty(t, session.marked, "failed message must not advance the offset")
}

func TestConsumeClaim_StopsOnContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	consumer := testConsumer(nil, noopHandler, WithMaxRetries(1))
	session := &mockSession{ctx: ctx}
	claim := &mockClaim{topic: TopicOrderEvents, messages: make(chan *sarama.ConsumerMessage)}

	done := make(chan struct{})
	go func() {
		_ = consumer.ConsumeClaim(session, claim)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after context cancellation")
	}
}

func TestProcessWithRetry(t *testing.T) {
	t.Run("first attempt succeeds", func(t *testing.T) {
		consumer := testConsumer(nil, noopHandler)
		require.NoError(t, consumer.processWithRetry(context.Background(), orderMessage(0)))
	})

	t.Run("header reduces remaining attempts", func(t *testing.T) {
		attempts := 0
		failing := func(context.Context, *sarama.ConsumerMessage) error {
			attempts++
			return errors.New("temporary")
		}
		consumer := testConsumer(nil, failing, WithRetryDelay(0))

		require.Error(t, consumer.processWithRetry(context.Background(), orderMessage(1)))
		require.Equal(t, 2, attempts, "one retry was already spent before requeue")
	})

	t.Run("exhausted without dlq returns error", func(t *testing.T) {
		failing := func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }
		consumer := testConsumer(nil, failing)

		require.Error(t, consumer.processWithRetry(context.Background(), orderMessage(3)))
	})

	t.Run("exhausted message goes to dlq", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndSucceed()

		failing := func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }
		consumer := testConsumer(nil, failing, WithDLQ(NewProducerFromSync(mockProducer)))

		require.NoError(t, consumer.processWithRetry(context.Background(), orderMessage(3)))
		require.NoError(t, mockProducer.Close())
	})

	t.Run("dlq failure surfaces", func(t *testing.T) {
		mockProducer := mocks.NewSyncProducer(t, nil)
		mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

		failing := func(context.Context, *sarama.ConsumerMessage) error { return errors.New("permanent") }
		consumer := testConsumer(nil, failing, WithDLQ(NewProducerFromSync(mockProducer)))

		err := consumer.processWithRetry(context.Background(), orderMessage(3))
		require.ErrorContains(t, err, "send to DLQ")
		require.NoError(t, mockProducer.Close())
	})
}

func TestRetriesSpent(t *testing.T) {
	consumer := &Consumer{}

	require.Equal(t, 0, consumer.retriesSpent(orderMessage(0)))
	require.Equal(t, 5, consumer.retriesSpent(orderMessage(5)))

	invalid := &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{
		Key:   []byte(HeaderRetryCount),
		Value: []byte("bad"),
	}}}
	require.Equal(t, 0, consumer.retriesSpent(invalid))
}

func TestQuarantinePreservesOriginalMessage(t *testing.T) {
	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(value []byte) error {
		var record dlqRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return err
		}
		require.Equal(t, TopicOrderEvents, record.OriginalTopic)
		require.Equal(t, "ORD-1", record.OriginalKey)
		require.JSONEq(t, `{"event_type":"order.created","order_id":"ORD-1"}`, record.OriginalValue)
		require.Equal(t, "boom", record.ErrorMessage)
		require.Equal(t, 2, record.RetryCount)
		return nil
	})

	consumer := testConsumer(nil, noopHandler, WithDLQ(NewProducerFromSync(mockProducer)))
	require.NoError(t, consumer.quarantine(orderMessage(2), errors.New("boom")))
	require.NoError(t, mockProducer.Close())
}

func TestParseEvents(t *testing.T) {
	inventoryMsg := &sarama.ConsumerMessage{Value: []byte(`{"event_type":"product.added","product_id":"PROD-1","sku":"WGT-001"}`)}
	inventoryEvent, err := ParseInventoryEvent(inventoryMsg)
	require.NoError(t, err)
	require.Equal(t, "PROD-1", inventoryEvent.ProductID)

	_, err = ParseInventoryEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)

	orderMsg := &sarama.ConsumerMessage{Value: []byte(`{"event_type":"order.created","order_id":"ORD-1","customer_id":"c-1","status":"pending"}`)}
	orderEvent, err := ParseOrderEvent(orderMsg)
	require.NoError(t, err)
	require.Equal(t, "ORD-1", orderEvent.OrderID)

	_, err = ParseOrderEvent(&sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
}
