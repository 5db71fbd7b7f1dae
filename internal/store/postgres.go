package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Schema is the PostgreSQL schema used by PostgresStorage and
// PostgresSnapshots.
const Schema = `
CREATE TABLE IF NOT EXISTS storage_children (
	canister_id BYTEA PRIMARY KEY,
	log_size    INTEGER NOT NULL,
	length      BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS storage_logs (
	canister_id BYTEA NOT NULL REFERENCES storage_children (canister_id),
	idx         BIGINT NOT NULL,
	record      BYTEA NOT NULL,
	PRIMARY KEY (canister_id, idx)
);

CREATE TABLE IF NOT EXISTS heap_snapshots (
	memory_id INTEGER PRIMARY KEY,
	data      BYTEA NOT NULL,
	saved_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresStorage implements logstore.Storage with one row per record.
// A child is full once its records would exceed capacity bytes.
type PostgresStorage struct {
	pool     *pgxpool.Pool
	capacity int64
}

// NewPostgresStorage creates PostgreSQL-backed log storage.
func NewPostgresStorage(pool *pgxpool.Pool, capacity int64) *PostgresStorage {
	return &PostgresStorage{pool: pool, capacity: capacity}
}

func (s *PostgresStorage) Init(ctx context.Context, child platform.Principal, logSize int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO storage_children (canister_id, log_size) VALUES ($1, $2)`,
		child.Bytes(), logSize,
	)
	if err != nil {
		return fmt.Errorf("init storage child %s: %w", child, err)
	}
	return nil
}

func (s *PostgresStorage) Flush(ctx context.Context, child platform.Principal, chunk []byte) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var logSize int
	var length int64
	err = tx.QueryRow(ctx,
		`SELECT log_size, length FROM storage_children WHERE canister_id = $1 FOR UPDATE`,
		child.Bytes()).Scan(&logSize, &length)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", logstore.ErrUnknownChild, child)
	}
	if err != nil {
		return fmt.Errorf("lock storage child %s: %w", child, err)
	}
	if len(chunk)%logSize != 0 {
		return fmt.Errorf("chunk of %d bytes is not whole %d-byte records", len(chunk), logSize)
	}
	n := int64(len(chunk) / logSize)
	if (length+n)*int64(logSize) > s.capacity {
		return logstore.ErrStorageIsFull
	}

	rows := make([][]any, 0, n)
	for i := int64(0); i < n; i++ {
		rows = append(rows, []any{child.Bytes(), length + i, chunk[i*int64(logSize) : (i+1)*int64(logSize)]})
	}
	if _, err := tx.CopyFrom(ctx,
		pgx.Identifier{"storage_logs"},
		[]string{"canister_id", "idx", "record"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy records: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE storage_children SET length = $2 WHERE canister_id = $1`,
		child.Bytes(), length+n,
	); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStorage) Read(ctx context.Context, child platform.Principal, start, count uint64) ([]byte, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record FROM storage_logs
		 WHERE canister_id = $1 AND idx >= $2 AND idx < $3
		 ORDER BY idx`,
		child.Bytes(), int64(start), int64(start+count))
	if err != nil {
		return nil, fmt.Errorf("read storage child %s: %w", child, err)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, err
		}
		out = append(out, rec...)
	}
	return out, rows.Err()
}

// PostgresSnapshots implements SnapshotStore in the heap_snapshots table.
type PostgresSnapshots struct {
	pool *pgxpool.Pool
}

func NewPostgresSnapshots(pool *pgxpool.Pool) *PostgresSnapshots {
	return &PostgresSnapshots{pool: pool}
}

func (s *PostgresSnapshots) SaveSnapshot(ctx context.Context, memoryID int, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO heap_snapshots (memory_id, data, saved_at) VALUES ($1, $2, now())
		 ON CONFLICT (memory_id) DO UPDATE SET data = EXCLUDED.data, saved_at = EXCLUDED.saved_at`,
		memoryID, data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %d: %w", memoryID, err)
	}
	return nil
}

func (s *PostgresSnapshots) LoadSnapshot(ctx context.Context, memoryID int) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM heap_snapshots WHERE memory_id = $1`, memoryID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", memoryID, err)
	}
	return data, nil
}
