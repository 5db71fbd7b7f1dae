// Package store holds the persistence backends of the trade contract:
// storage children for archived logs and snapshot stores for heap state.
// Implementations include PostgreSQL and ClickHouse (log storage), Redis
// (read-through cache over archived ranges), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
)

// ErrNotFound is returned when no snapshot is stored under a memory id.
var ErrNotFound = errors.New("store: not found")

// HeapMemoryID is where the heap-state snapshot lives.
const HeapMemoryID = 0

// SnapshotStore persists serialized heap state by memory id.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, memoryID int, data []byte) error

	// LoadSnapshot returns ErrNotFound if nothing was saved yet.
	LoadSnapshot(ctx context.Context, memoryID int) ([]byte, error)
}

// Compile-time interface checks.
var (
	_ logstore.Storage = (*MemoryStorage)(nil)
	_ logstore.Storage = (*PostgresStorage)(nil)
	_ logstore.Storage = (*ClickHouseStorage)(nil)
	_ logstore.Storage = (*CachedStorage)(nil)
	_ SnapshotStore    = (*MemorySnapshots)(nil)
	_ SnapshotStore    = (*PostgresSnapshots)(nil)
)
