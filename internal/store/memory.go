package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

type memoryChild struct {
	logSize int
	data    []byte
}

// MemoryStorage implements logstore.Storage with in-memory byte slices.
// Used for testing and development. Not suitable for production (no
// persistence).
type MemoryStorage struct {
	mu       sync.RWMutex
	capacity int
	children map[platform.Principal]*memoryChild
	flushes  int
}

// NewMemoryStorage creates storage whose children hold up to capacity
// bytes each.
func NewMemoryStorage(capacity int) *MemoryStorage {
	return &MemoryStorage{
		capacity: capacity,
		children: make(map[platform.Principal]*memoryChild),
	}
}

func (s *MemoryStorage) Init(_ context.Context, child platform.Principal, logSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.children[child]; ok {
		return fmt.Errorf("storage child %s already initialised", child)
	}
	s.children[child] = &memoryChild{logSize: logSize}
	return nil
}

func (s *MemoryStorage) Flush(_ context.Context, child platform.Principal, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.children[child]
	if !ok {
		return fmt.Errorf("%w: %s", logstore.ErrUnknownChild, child)
	}
	if len(chunk)%c.logSize != 0 {
		return fmt.Errorf("chunk of %d bytes is not whole %d-byte records", len(chunk), c.logSize)
	}
	if len(c.data)+len(chunk) > s.capacity {
		return logstore.ErrStorageIsFull
	}
	c.data = append(c.data, chunk...)
	s.flushes++
	return nil
}

func (s *MemoryStorage) Read(_ context.Context, child platform.Principal, start, count uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.children[child]
	if !ok {
		return nil, fmt.Errorf("%w: %s", logstore.ErrUnknownChild, child)
	}
	n := uint64(len(c.data) / c.logSize)
	if start >= n {
		return nil, nil
	}
	end := min(n, start+count)
	return append([]byte(nil), c.data[start*uint64(c.logSize):end*uint64(c.logSize)]...), nil
}

// Flushes is the number of accepted chunks.
func (s *MemoryStorage) Flushes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flushes
}

// MemorySnapshots implements SnapshotStore with a map.
type MemorySnapshots struct {
	mu   sync.RWMutex
	data map[int][]byte
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{data: make(map[int][]byte)}
}

func (s *MemorySnapshots) SaveSnapshot(_ context.Context, memoryID int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[memoryID] = append([]byte(nil), data...)
	return nil
}

func (s *MemorySnapshots) LoadSnapshot(_ context.Context, memoryID int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.data[memoryID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}
