package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, port)
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

func setupClickHouse(t *testing.T) driver.Conn {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "clickhouse/clickhouse-server:24.1-alpine",
		ExposedPorts: []string{"9000/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Application: Ready for connections").WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("9000/tcp"),
		),
		Env: map[string]string{"CLICKHOUSE_DB": "cts", "CLICKHOUSE_USER": "default", "CLICKHOUSE_PASSWORD": ""},
	}, "9000")

	conn, err := OpenClickHouse(context.Background(), "clickhouse://default@"+addr+"/cts")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestClickHouseStorage(t *testing.T) {
	conn := setupClickHouse(t)
	ctx := context.Background()
	s := NewClickHouseStorage(conn, 12)
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.Init(ctx, child, 4))
	require.NoError(t, s.Flush(ctx, child, records(3, 4, 'a')))

	err := s.Flush(ctx, child, records(1, 4, 'd'))
	require.True(t, errors.Is(err, logstore.ErrStorageIsFull), "got %v", err)

	got, err := s.Read(ctx, child, 1, 2)
	require.NoError(t, err)
	require.Equal(t, records(2, 4, 'b'), got)
}

func TestCachedStorage_ServesFromRedis(t *testing.T) {
	addr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}, "6379")

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	primary := NewMemoryStorage(64)
	s := NewCachedStorage(primary, rdb, time.Minute)

	require.NoError(t, s.Init(ctx, child, 4))
	require.NoError(t, s.Flush(ctx, child, records(2, 4, 'a')))

	got, err := s.Read(ctx, child, 0, 2)
	require.NoError(t, err)
	require.Equal(t, records(2, 4, 'a'), got)

	cached, err := rdb.Get(ctx, logsKey(child, 0, 2)).Bytes()
	require.NoError(t, err)
	require.Equal(t, got, cached)
}
