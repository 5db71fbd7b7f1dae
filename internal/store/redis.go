package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// CachedStorage wraps a primary logstore.Storage with a Redis read-through
// cache. Archived ranges never change once read back from a child, so
// entries are only dropped by TTL.
type CachedStorage struct {
	primary logstore.Storage
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStorage creates a cached wrapper around primary.
func NewCachedStorage(primary logstore.Storage, rdb *redis.Client, ttl time.Duration) *CachedStorage {
	return &CachedStorage{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Passthrough (not cached) ---

func (s *CachedStorage) Init(ctx context.Context, child platform.Principal, logSize int) error {
	return s.primary.Init(ctx, child, logSize)
}

func (s *CachedStorage) Flush(ctx context.Context, child platform.Principal, chunk []byte) error {
	return s.primary.Flush(ctx, child, chunk)
}

// --- Read-through (check cache first) ---

// Read serves a range from Redis when present. The pipeline clamps reads to
// what a child holds, so every range it asks for is final.
func (s *CachedStorage) Read(ctx context.Context, child platform.Principal, start, count uint64) ([]byte, error) {
	key := logsKey(child, start, count)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		return data, nil
	}

	data, err = s.primary.Read(ctx, child, start, count)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
			slog.Warn("cache storage logs", "key", key, "err", err)
		}
	}
	return data, nil
}

// --- Cache helpers ---

func logsKey(child platform.Principal, start, count uint64) string {
	return fmt.Sprintf("cts:logs:%s:%d:%d", child, start, count)
}
