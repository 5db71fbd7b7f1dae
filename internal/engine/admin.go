package engine

import (
	"context"
	"log/slog"

	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

func (e *Engine) checkController(caller platform.Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isController(caller) {
		return ErrNotController
	}
	return nil
}

// SetStopCalls toggles maintenance mode for the mutating entry points.
func (e *Engine) SetStopCalls(caller platform.Principal, stop bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isController(caller) {
		return ErrNotController
	}
	e.stopCalls = stop
	slog.Info("stop calls set", "stop_calls", stop, "controller", caller.String())
	return nil
}

func (e *Engine) ViewPayoutErrors(caller platform.Principal) ([]PayoutError, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isController(caller) {
		return nil, ErrNotController
	}
	return append([]PayoutError(nil), e.payoutErrors...), nil
}

func (e *Engine) ClearPayoutErrors(caller platform.Principal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isController(caller) {
		return ErrNotController
	}
	e.payoutErrors = nil
	return nil
}

func (e *Engine) ViewFlushErrors(caller platform.Principal, log string) ([]logstore.FlushError, error) {
	if err := e.checkController(caller); err != nil {
		return nil, err
	}
	p, err := e.pipeline(log)
	if err != nil {
		return nil, err
	}
	return p.FlushErrors(), nil
}

func (e *Engine) ClearFlushErrors(caller platform.Principal, log string) error {
	if err := e.checkController(caller); err != nil {
		return err
	}
	p, err := e.pipeline(log)
	if err != nil {
		return err
	}
	p.ClearFlushErrors()
	return nil
}

// TriggerFlush flushes a log regardless of the buffer threshold.
func (e *Engine) TriggerFlush(ctx context.Context, caller platform.Principal, log string) error {
	if err := e.checkController(caller); err != nil {
		return err
	}
	p, err := e.pipeline(log)
	if err != nil {
		return err
	}
	return p.Flush(ctx, true)
}

// UpgradeStorageChildren upgrades every child of a log to module.
func (e *Engine) UpgradeStorageChildren(ctx context.Context, caller platform.Principal, log string, module []byte, parallel int) ([]logstore.UpgradeOutcome, error) {
	if err := e.checkController(caller); err != nil {
		return nil, err
	}
	p, err := e.pipeline(log)
	if err != nil {
		return nil, err
	}
	out := p.UpgradeChildren(ctx, module, parallel)
	slog.Info("storage children upgraded", "log", log, "children", len(out))
	return out, nil
}
