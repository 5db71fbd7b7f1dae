package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
)

// setupPostgres starts a PostgreSQL container and applies Schema.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("cts"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestPostgresStorage(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	s := NewPostgresStorage(pool, 12)

	require.NoError(t, s.Init(ctx, child, 4))
	require.NoError(t, s.Flush(ctx, child, records(2, 4, 'a')))
	require.NoError(t, s.Flush(ctx, child, records(1, 4, 'c')))

	err := s.Flush(ctx, child, records(1, 4, 'd'))
	require.True(t, errors.Is(err, logstore.ErrStorageIsFull), "got %v", err)

	got, err := s.Read(ctx, child, 0, 10)
	require.NoError(t, err)
	require.Equal(t, records(3, 4, 'a'), got)

	got, err = s.Read(ctx, child, 2, 1)
	require.NoError(t, err)
	require.Equal(t, records(1, 4, 'c'), got)
}

func TestPostgresSnapshots(t *testing.T) {
	pool := setupPostgres(t)
	ctx := context.Background()
	s := NewPostgresSnapshots(pool)

	_, err := s.LoadSnapshot(ctx, HeapMemoryID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveSnapshot(ctx, HeapMemoryID, []byte("v1")))
	require.NoError(t, s.SaveSnapshot(ctx, HeapMemoryID, []byte("v2")))

	got, err := s.LoadSnapshot(ctx, HeapMemoryID)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}
