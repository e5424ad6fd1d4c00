package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/labrise/ims/internal/domain"
	healthcheck "github.com/labrise/ims/internal/health"
	"github.com/labrise/ims/internal/storage/memory"
	"github.com/labrise/ims/internal/storage/postgres"
)

// runtimeDependencies объединяет хранилище и репозитории, выбранные по конфигу.
type runtimeDependencies struct {
	storage         domain.StoragePort
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository
	storageChecker  healthcheck.Checker
	closeFn         func() error
}

// initRuntimeDependencies подключает хранилище по cfg.StorageDriver и
// собирает репозитории поверх него.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		engine := memory.NewEngine()
		if err := engine.Connect(); err != nil {
			return nil, fmt.Errorf("connect memory storage: %w", err)
		}
		logger.Info("in-memory storage engine connected")
		return &runtimeDependencies{
			storage:         engine,
			outboxRepo:      memory.NewOutboxRepository(),
			timelineRepo:    memory.NewTimelineRepository(),
			idempotencyRepo: memory.NewIdempotencyRepository(),
			storageChecker:  healthcheck.NewStorageChecker("storage", engine),
			closeFn: func() error {
				engine.Disconnect()
				return nil
			},
		}, nil

	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres storage driver requires a DSN")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if cfg.PostgresAutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				_ = store.Close()
				return nil, fmt.Errorf("apply postgres migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		engine := postgres.NewEngine(store)
		if err := engine.Connect(); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("connect postgres storage: %w", err)
		}
		logger.Info("postgres storage engine connected")
		return &runtimeDependencies{
			storage:         engine,
			outboxRepo:      postgres.NewOutboxRepository(store),
			timelineRepo:    postgres.NewTimelineRepository(store),
			idempotencyRepo: postgres.NewIdempotencyRepository(store),
			storageChecker:  healthcheck.NewStorageChecker("storage", engine),
			closeFn: func() error {
				engine.Disconnect()
				return store.Close()
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.StorageDriver)
	}
}
