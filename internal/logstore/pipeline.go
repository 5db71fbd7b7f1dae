package logstore

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/cycles-transfer-station/cts-sub000/internal/metrics"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// MaxFlushErrors bounds the recorded flush errors.
const MaxFlushErrors = 100

// ChildData describes one storage child. Its logs are ids
// [FirstLogID, FirstLogID+Length).
type ChildData struct {
	LogSize    int                `json:"log_size" msgpack:"log_size"`
	FirstLogID uint64             `json:"first_log_id" msgpack:"first_log_id"`
	Length     uint64             `json:"length" msgpack:"length"`
	IsFull     bool               `json:"is_full" msgpack:"is_full"`
	CanisterID platform.Principal `json:"canister_id" msgpack:"canister_id"`
	ModuleHash []byte             `json:"module_hash" msgpack:"module_hash"`
}

// FlushError is a recorded flush failure.
type FlushError struct {
	Error          string `json:"error" msgpack:"error"`
	TimestampNanos uint64 `json:"timestamp_nanos" msgpack:"ts"`
}

// Config of a pipeline.
type Config struct {
	// Name labels metrics and logs, e.g. "trades".
	Name    string
	LogSize int
	// FlushAt is the buffer size that triggers a flush.
	FlushAt int
	// ChunkSize is rounded down to a multiple of LogSize.
	ChunkSize int
	// Module is the code installed on new children.
	Module []byte
}

// Pipeline buffers records of one log kind and flushes them to storage
// children. It is safe for concurrent use; at most one flush runs at a
// time.
type Pipeline struct {
	cfg     Config
	mgmt    platform.Management
	storage Storage
	now     func() time.Time

	mu           sync.Mutex
	buffer       []byte
	children     []ChildData
	flushLock    bool
	flushErrors  []FlushError
	pendingChild *platform.Principal
}

// New creates an empty pipeline.
func New(cfg Config, mgmt platform.Management, storage Storage) *Pipeline {
	if cfg.LogSize <= 0 {
		panic("logstore: log size must be positive")
	}
	cfg.ChunkSize -= cfg.ChunkSize % cfg.LogSize
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = cfg.LogSize
	}
	return &Pipeline{
		cfg:     cfg,
		mgmt:    mgmt,
		storage: storage,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

func (p *Pipeline) LogSize() int { return p.cfg.LogSize }

// Append adds encoded records to the buffer.
func (p *Pipeline) Append(records []byte) {
	if len(records)%p.cfg.LogSize != 0 {
		panic(fmt.Sprintf("logstore: %s append of %d bytes is not whole records", p.cfg.Name, len(records)))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = append(p.buffer, records...)
	metrics.StorageBufferBytes.WithLabelValues(p.cfg.Name).Set(float64(len(p.buffer)))
}

// NeedsFlush reports whether the buffer crossed the flush threshold and no
// flush is running.
func (p *Pipeline) NeedsFlush() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer) >= p.cfg.FlushAt && !p.flushLock
}

// Flush ships the buffer to the current child. Without force it does
// nothing below the flush threshold. The lock is released on every path.
func (p *Pipeline) Flush(ctx context.Context, force bool) error {
	p.mu.Lock()
	if p.flushLock {
		p.mu.Unlock()
		return ErrFlushLocked
	}
	if len(p.buffer) == 0 || (!force && len(p.buffer) < p.cfg.FlushAt) {
		p.mu.Unlock()
		return nil
	}
	p.flushLock = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.flushLock = false
		metrics.StorageBufferBytes.WithLabelValues(p.cfg.Name).Set(float64(len(p.buffer)))
		p.mu.Unlock()
	}()

	idx, err := p.currentChild(ctx)
	if err != nil {
		p.recordError(fmt.Errorf("create storage child: %w", err))
		return err
	}

	for {
		p.mu.Lock()
		n := min(len(p.buffer), p.cfg.ChunkSize)
		if n == 0 {
			p.mu.Unlock()
			return nil
		}
		chunk := append([]byte(nil), p.buffer[:n]...)
		child := p.children[idx].CanisterID
		p.mu.Unlock()

		err := p.storage.Flush(ctx, child, chunk)

		p.mu.Lock()
		switch {
		case err == nil:
			p.children[idx].Length += uint64(n / p.cfg.LogSize)
			p.buffer = append(p.buffer[:0], p.buffer[n:]...)
			p.mu.Unlock()
			metrics.FlushChunks.WithLabelValues(p.cfg.Name).Inc()
		case errors.Is(err, ErrStorageIsFull):
			p.children[idx].IsFull = true
			p.mu.Unlock()
			slog.Info("storage child full", "log", p.cfg.Name, "child", child.String())
			return nil
		default:
			p.mu.Unlock()
			p.recordError(fmt.Errorf("flush to %s: %w", child, err))
			return err
		}
	}
}

// currentChild returns the index of the last child that is not full,
// creating and installing a new one if needed.
func (p *Pipeline) currentChild(ctx context.Context) (int, error) {
	p.mu.Lock()
	for i := len(p.children) - 1; i >= 0; i-- {
		if !p.children[i].IsFull {
			p.mu.Unlock()
			return i, nil
		}
	}
	pending := p.pendingChild
	module := p.cfg.Module
	p.mu.Unlock()

	if pending == nil {
		id, err := p.mgmt.CreateCanister(ctx)
		if err != nil {
			return 0, err
		}
		p.mu.Lock()
		p.pendingChild = &id
		p.mu.Unlock()
		pending = &id
	}

	arg, err := msgpack.Marshal(map[string]int{"log_size": p.cfg.LogSize})
	if err != nil {
		return 0, err
	}
	if err := p.mgmt.InstallCode(ctx, platform.InstallCodeArgs{
		Mode:       platform.InstallModeInstall,
		CanisterID: *pending,
		Module:     module,
		Arg:        arg,
	}); err != nil {
		return 0, err
	}
	if err := p.storage.Init(ctx, *pending, p.cfg.LogSize); err != nil {
		return 0, err
	}

	hash := sha256.Sum256(module)
	p.mu.Lock()
	defer p.mu.Unlock()
	var first uint64
	if n := len(p.children); n > 0 {
		first = p.children[n-1].FirstLogID + p.children[n-1].Length
	}
	p.children = append(p.children, ChildData{
		LogSize:    p.cfg.LogSize,
		FirstLogID: first,
		CanisterID: *pending,
		ModuleHash: hash[:],
	})
	p.pendingChild = nil
	slog.Info("storage child created", "log", p.cfg.Name, "child", pending.String(), "first_log_id", first)
	return len(p.children) - 1, nil
}

func (p *Pipeline) recordError(err error) {
	slog.Warn("log flush failed", "log", p.cfg.Name, "err", err)
	metrics.FlushErrors.WithLabelValues(p.cfg.Name).Inc()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.flushErrors) >= MaxFlushErrors {
		p.flushErrors = p.flushErrors[1:]
	}
	p.flushErrors = append(p.flushErrors, FlushError{
		Error:          err.Error(),
		TimestampNanos: uint64(p.now().UnixNano()),
	})
}

// Children returns the storage children in creation order.
func (p *Pipeline) Children() []ChildData {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ChildData, len(p.children))
	copy(out, p.children)
	return out
}

// Buffer returns a copy of the unflushed records.
func (p *Pipeline) Buffer() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.buffer...)
}

// Count is the number of records ever appended.
func (p *Pipeline) Count() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n uint64
	if c := len(p.children); c > 0 {
		n = p.children[c-1].FirstLogID + p.children[c-1].Length
	}
	return n + uint64(len(p.buffer)/p.cfg.LogSize)
}

func (p *Pipeline) FlushErrors() []FlushError {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FlushError, len(p.flushErrors))
	copy(out, p.flushErrors)
	return out
}

func (p *Pipeline) ClearFlushErrors() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushErrors = nil
}

// ReadChild reads records [start, start+count) of a child, clamped to what
// the child holds.
func (p *Pipeline) ReadChild(ctx context.Context, child platform.Principal, start, count uint64) ([]byte, error) {
	p.mu.Lock()
	var length uint64
	found := false
	for _, c := range p.children {
		if c.CanisterID == child {
			length, found = c.Length, true
			break
		}
	}
	p.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChild, child)
	}
	if start >= length {
		return nil, nil
	}
	count = min(count, length-start)
	return p.storage.Read(ctx, child, start, count)
}

// UpgradeOutcome is the result of upgrading one child.
type UpgradeOutcome struct {
	CanisterID platform.Principal `json:"canister_id"`
	Err        string             `json:"error,omitempty"`
}

// UpgradeChildren stops, upgrades and restarts every child with module, at
// most parallel at a time.
func (p *Pipeline) UpgradeChildren(ctx context.Context, module []byte, parallel int) []UpgradeOutcome {
	children := p.Children()
	out := make([]UpgradeOutcome, len(children))
	hash := sha256.Sum256(module)

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, c := range children {
		g.Go(func() error {
			out[i].CanisterID = c.CanisterID
			if err := p.upgradeChild(ctx, c.CanisterID, module); err != nil {
				out[i].Err = err.Error()
				slog.Warn("storage child upgrade failed", "log", p.cfg.Name, "child", c.CanisterID.String(), "err", err)
				return nil
			}
			p.mu.Lock()
			for j := range p.children {
				if p.children[j].CanisterID == c.CanisterID {
					p.children[j].ModuleHash = hash[:]
				}
			}
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.cfg.Module = module
	p.mu.Unlock()
	return out
}

func (p *Pipeline) upgradeChild(ctx context.Context, id platform.Principal, module []byte) error {
	if err := p.mgmt.StopCanister(ctx, id); err != nil {
		return fmt.Errorf("stop: %w", err)
	}
	installErr := p.mgmt.InstallCode(ctx, platform.InstallCodeArgs{
		Mode:       platform.InstallModeUpgrade,
		CanisterID: id,
		Module:     module,
	})
	if err := p.mgmt.StartCanister(ctx, id); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if installErr != nil {
		return fmt.Errorf("install: %w", installErr)
	}
	return nil
}

// State is the persisted form of a pipeline.
type State struct {
	Buffer       []byte              `msgpack:"buffer"`
	Children     []ChildData         `msgpack:"children"`
	FlushErrors  []FlushError        `msgpack:"flush_errors"`
	PendingChild *platform.Principal `msgpack:"pending_child"`
}

// Export captures the pipeline for a snapshot. A running flush is not
// captured; its chunk stays in the buffer.
func (p *Pipeline) Export() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := State{
		Buffer:      append([]byte(nil), p.buffer...),
		Children:    append([]ChildData(nil), p.children...),
		FlushErrors: append([]FlushError(nil), p.flushErrors...),
	}
	if p.pendingChild != nil {
		id := *p.pendingChild
		s.PendingChild = &id
	}
	return s
}

// Import replaces the pipeline state.
func (p *Pipeline) Import(s State) error {
	if len(s.Buffer)%p.cfg.LogSize != 0 {
		return fmt.Errorf("logstore: %s buffer of %d bytes is not whole records", p.cfg.Name, len(s.Buffer))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer = s.Buffer
	p.children = s.Children
	p.flushErrors = s.FlushErrors
	p.pendingChild = s.PendingChild
	return nil
}
