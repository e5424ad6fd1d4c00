package app

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/labrise/ims/internal/storage/memory"
)

func TestStartOutboxWorker_NilProducer(t *testing.T) {
	t.Parallel()

	cancel, done := startOutboxWorker(
		context.Background(),
		DefaultConfig(),
		memory.NewOutboxRepository(),
		nil,
		log.WithField("test", "outbox-worker"),
	)
	if cancel != nil || done != nil {
		t.Fatal("outbox worker must not start without a kafka producer")
	}

	// stopWorker должен переживать nil-пару
	stopWorker(cancel, done, log.WithField("test", "outbox-worker"), "outbox")
}

func TestStartIdempotencyCleanup_StartsAndStops(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.IdempotencyCleanupInterval = 10 * time.Millisecond
	repo := memory.NewIdempotencyRepository()
	logger := log.WithField("test", "cleanup-worker")

	cancel, done := startIdempotencyCleanup(context.Background(), cfg, repo, logger)
	if cancel == nil || done == nil {
		t.Fatal("cleanup worker should start")
	}

	// Пара cleanup-циклов
	time.Sleep(30 * time.Millisecond)

	stopWorker(cancel, done, logger, "idempotency-cleanup")

	select {
	case <-done:
	default:
		t.Fatal("worker done channel should be closed after stopWorker")
	}
}

func TestStopWorker_NilCancel(_ *testing.T) {
	stopWorker(nil, nil, log.WithField("test", "stop-worker"), "noop")
}
