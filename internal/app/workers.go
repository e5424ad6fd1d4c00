package app

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/labrise/ims/internal/domain"
	"github.com/labrise/ims/internal/messaging/kafka"
	"github.com/labrise/ims/internal/service/idempotency"
	"github.com/labrise/ims/internal/service/outbox"
)

// startOutboxWorker запускает relay из transactional outbox в Kafka.
// Без producer воркер не запускается: события остаются pending до рестарта с Kafka.
// Возвращает cancel-функцию и канал завершения воркера.
func startOutboxWorker(
	ctx context.Context,
	cfg Config,
	outboxRepo domain.OutboxRepository,
	producer *kafka.Producer,
	logger *log.Entry,
) (context.CancelFunc, <-chan struct{}) {
	if producer == nil {
		return nil, nil
	}

	orderTopic := cfg.OrderEventsTopic
	if orderTopic == "" {
		orderTopic = kafka.TopicOrderEvents
	}
	inventoryTopic := cfg.InventoryEventsTopic
	if inventoryTopic == "" {
		inventoryTopic = kafka.TopicInventoryEvents
	}

	publisher := kafka.NewOutboxPublisher(producer, orderTopic, inventoryTopic)
	dlqPublisher := kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue, kafka.TopicDeadLetterQueue)

	worker := outbox.NewWorker(
		outboxRepo,
		publisher,
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithDLQPublisher(dlqPublisher),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()

	return cancel, done
}

// startIdempotencyCleanup запускает периодическое удаление протухших
// idempotency-ключей.
func startIdempotencyCleanup(
	ctx context.Context,
	cfg Config,
	repo domain.IdempotencyRepository,
	logger *log.Entry,
) (context.CancelFunc, <-chan struct{}) {
	worker := idempotency.NewCleanupWorker(
		repo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(workerCtx)
	}()

	return cancel, done
}

// stopWorker отменяет контекст воркера и дожидается его завершения.
func stopWorker(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry, name string) {
	if cancel == nil {
		return
	}
	cancel()
	if done != nil {
		<-done
	}
	logger.WithField("worker", name).Info("worker stopped")
}
