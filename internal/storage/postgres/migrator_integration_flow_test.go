package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func requireMigrationState(t *testing.T, store *Store, ctx context.Context, version int64, applied, pending int) {
	t.Helper()
	state, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, MigrationState{Version: version, Applied: applied, Pending: pending}, state)
}

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// Сброс в пустую схему.
	require.NoError(t, store.MigrateDown(ctx, 100))
	requireMigrationState(t, store, ctx, 0, 0, 3)

	require.NoError(t, store.MigrateUp(ctx, 0))
	requireMigrationState(t, store, ctx, 3, 3, 0)

	// Повторный up ничего не меняет.
	require.NoError(t, store.MigrateUp(ctx, 0))
	requireMigrationState(t, store, ctx, 3, 3, 0)

	require.NoError(t, store.MigrateDown(ctx, 1))
	requireMigrationState(t, store, ctx, 2, 2, 1)

	// steps<=0 для down — один шаг.
	require.NoError(t, store.MigrateDown(ctx, 0))
	requireMigrationState(t, store, ctx, 1, 1, 2)

	require.NoError(t, store.MigrateDown(ctx, 1))
	requireMigrationState(t, store, ctx, 0, 0, 3)

	// down на пустой схеме — no-op.
	require.NoError(t, store.MigrateDown(ctx, 1))
}

func TestMigrator_StepwiseUp(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateDown(ctx, 100))

	require.NoError(t, store.MigrateUp(ctx, 1))
	requireMigrationState(t, store, ctx, 1, 1, 2)

	require.NoError(t, store.MigrateUp(ctx, 0))
	requireMigrationState(t, store, ctx, 3, 3, 0)
}

func TestMigrator_NilStoreGuards(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.Error(t, nilStore.MigrateUp(ctx, 0))
	require.Error(t, nilStore.MigrateDown(ctx, 1))
	_, err := nilStore.MigrationStatus(ctx)
	require.Error(t, err)
}
