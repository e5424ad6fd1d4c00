package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// MessageHandler обрабатывает одно сообщение из Kafka.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer при создании.
type ConsumerOption func(*Consumer)

// WithDLQ включает отправку сообщений в dead letter queue после
// исчерпания повторных попыток.
func WithDLQ(producer *Producer) ConsumerOption {
	return func(c *Consumer) {
		c.dlq = producer
	}
}

// WithMaxRetries задаёт количество попыток обработки сообщения.
func WithMaxRetries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryDelay задаёт паузу между повторными попытками.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d >= 0 {
			c.retryDelay = d
		}
	}
}

// WithConsumerLogger подменяет логгер consumer-а.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает события инвентаря и заказов из Kafka. Сообщения,
// которые не удалось обработать за maxRetries попыток, уходят в DLQ,
// откуда их поднимает утилита dlq-reprocess.
type Consumer struct {
	group      sarama.ConsumerGroup
	topics     []string
	handler    MessageHandler
	logger     *log.Entry
	wg         sync.WaitGroup
	dlq        *Producer
	maxRetries int
	retryDelay time.Duration
}

// NewConsumer создаёт consumer поверх consumer group.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	c := &Consumer{
		group:      group,
		topics:     topics,
		handler:    handler,
		logger:     log.WithField("component", "kafka-consumer"),
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start запускает цикл чтения. Блокировки нет: чтение идёт в фоне до
// отмены контекста или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			// Consume возвращается при rebalance, поэтому вызывается в цикле.
			if err := c.group.Consume(ctx, c.topics, c); err != nil {
				c.logger.WithError(err).Error("error from consumer")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Error("consumer error")
		}
	}()

	c.logger.WithField("topics", c.topics).Info("kafka consumer started")
	return nil
}

// Stop закрывает consumer group и дожидается фоновых горутин.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close kafka consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает сообщения одной партиции.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message := <-claim.Messages():
			if message == nil {
				return nil
			}

			entry := c.logger.WithFields(log.Fields{
				"topic":     message.Topic,
				"partition": message.Partition,
				"offset":    message.Offset,
			})
			entry.Debug("received message")

			if err := c.processWithRetry(session.Context(), message); err != nil {
				// Offset не сдвигаем: сообщение либо уже в DLQ, либо
				// будет прочитано повторно.
				entry.WithError(err).Error("message processing failed after all retries")
				continue
			}

			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// processWithRetry гоняет handler до успеха или исчерпания попыток.
// Счётчик стартует с заголовка HeaderRetryCount, чтобы переигранные
// через dlq-reprocess сообщения не ходили по кругу бесконечно.
func (c *Consumer) processWithRetry(ctx context.Context, message *sarama.ConsumerMessage) error {
	var lastErr error
	for attempt := c.retriesSpent(message); attempt < c.maxRetries; attempt++ {
		if lastErr = c.handler(ctx, message); lastErr == nil {
			return nil
		}
		c.logger.WithFields(log.Fields{
			"topic":       message.Topic,
			"retry_count": attempt + 1,
			"max_retries": c.maxRetries,
		}).Warn("message processing failed, will retry")
		if c.retryDelay > 0 {
			time.Sleep(c.retryDelay)
		}
	}

	// Заголовок уже на лимите: одна финальная попытка перед DLQ.
	if lastErr == nil {
		if lastErr = c.handler(ctx, message); lastErr == nil {
			return nil
		}
	}

	if c.dlq == nil {
		return lastErr
	}
	if dlqErr := c.quarantine(message, lastErr); dlqErr != nil {
		c.logger.WithError(dlqErr).Error("failed to send message to DLQ")
		return fmt.Errorf("send to DLQ: %w", dlqErr)
	}
	c.logger.WithField("topic", message.Topic).Info("message sent to DLQ after max retries")
	return nil
}

// retriesSpent извлекает счётчик попыток из заголовков сообщения.
func (c *Consumer) retriesSpent(message *sarama.ConsumerMessage) int {
	for _, header := range message.Headers {
		if string(header.Key) == HeaderRetryCount {
			if count, err := strconv.Atoi(string(header.Value)); err == nil {
				return count
			}
		}
	}
	return 0
}

// dlqRecord — формат сообщения в DLQ. Его разбирает утилита dlq-reprocess.
type dlqRecord struct {
	OriginalTopic     string `json:"original_topic"`
	OriginalPartition int32  `json:"original_partition"`
	OriginalOffset    int64  `json:"original_offset"`
	OriginalKey       string `json:"original_key"`
	OriginalValue     string `json:"original_value"`
	ErrorMessage      string `json:"error_message"`
	FailedAt          string `json:"failed_at"`
	RetryCount        int    `json:"retry_count"`
}

// quarantine откладывает необработанное сообщение в DLQ topic.
func (c *Consumer) quarantine(message *sarama.ConsumerMessage, processingErr error) error {
	record := dlqRecord{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      processingErr.Error(),
		FailedAt:          time.Now().UTC().Format(time.RFC3339),
		RetryCount:        c.retriesSpent(message),
	}
	return c.dlq.PublishEvent(TopicDeadLetterQueue, string(message.Key), record)
}

// ParseInventoryEvent разбирает InventoryEvent из сообщения.
func ParseInventoryEvent(message *sarama.ConsumerMessage) (*InventoryEvent, error) {
	var event InventoryEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("unmarshal inventory event: %w", err)
	}
	return &event, nil
}

// ParseOrderEvent разбирает OrderEvent из сообщения.
func ParseOrderEvent(message *sarama.ConsumerMessage) (*OrderEvent, error) {
	var event OrderEvent
	if err := json.Unmarshal(message.Value, &event); err != nil {
		return nil, fmt.Errorf("unmarshal order event: %w", err)
	}
	return &event, nil
}
