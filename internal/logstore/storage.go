// Package logstore implements the log flush pipeline: fixed-width records
// are buffered in memory and shipped in chunks to append-only storage
// children, rotating to a new child whenever the current one reports full.
package logstore

import (
	"context"
	"errors"

	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

var (
	// ErrStorageIsFull is returned by a child that cannot take a chunk.
	ErrStorageIsFull = errors.New("logstore: storage is full")

	// ErrUnknownChild is returned for a child not created by the store.
	ErrUnknownChild = errors.New("logstore: unknown storage child")

	// ErrFlushLocked is returned when a flush is already running.
	ErrFlushLocked = errors.New("logstore: flush in progress")
)

// Storage holds the data of storage children. A child is addressed by the
// canister id the management canister assigned to it.
type Storage interface {
	// Init prepares an empty child holding records of logSize bytes.
	Init(ctx context.Context, child platform.Principal, logSize int) error

	// Flush appends a chunk of whole records. It returns ErrStorageIsFull
	// without storing anything when the chunk does not fit.
	Flush(ctx context.Context, child platform.Principal, chunk []byte) error

	// Read returns up to count records starting at index start, back to
	// back.
	Read(ctx context.Context, child platform.Principal, start, count uint64) ([]byte, error)
}
