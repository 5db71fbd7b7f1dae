package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
	"github.com/cycles-transfer-station/cts-sub000/internal/store"
)

const snapshotVersion = 1

// heapState is the persisted engine state.
type heapState struct {
	Version        int                   `msgpack:"version"`
	StopCalls      bool                  `msgpack:"stop_calls"`
	LedgerFee      amount.Amount         `msgpack:"ledger_fee"`
	NextPositionID model.PositionID      `msgpack:"next_position_id"`
	NextTradeID    model.TradeID         `msgpack:"next_trade_id"`
	Buys           []*model.Position     `msgpack:"buys"`
	Sells          []*model.Position     `msgpack:"sells"`
	VoidBuys       []*model.VoidPosition `msgpack:"void_buys"`
	VoidSells      []*model.VoidPosition `msgpack:"void_sells"`
	TradeLogs      []*model.TradeLog     `msgpack:"trade_logs"`
	PayoutErrors   []PayoutError         `msgpack:"payout_errors"`
	PendingFees    []pendingFee          `msgpack:"pending_fees,omitempty"`
	Trades         logstore.State        `msgpack:"trades_pipeline"`
	Positions      logstore.State        `msgpack:"positions_pipeline"`
}

type pendingFee struct {
	Payor  platform.Principal `msgpack:"payor"`
	Tokens amount.Amount      `msgpack:"tokens"`
}

// Snapshot encodes the engine and both pipelines.
func (e *Engine) Snapshot() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := heapState{
		Version:        snapshotVersion,
		StopCalls:      e.stopCalls,
		LedgerFee:      e.ledgerFee,
		NextPositionID: e.nextPositionID,
		NextTradeID:    e.nextTradeID,
		Buys:           e.buys.Positions(),
		Sells:          e.sells.Positions(),
		VoidBuys:       e.voidBuys,
		VoidSells:      e.voidSells,
		TradeLogs:      e.tradeLogs,
		PayoutErrors:   e.payoutErrors,
		Trades:         e.trades.Export(),
		Positions:      e.positions.Export(),
	}
	for p, tokens := range e.pendingFees {
		s.PendingFees = append(s.PendingFees, pendingFee{Payor: p, Tokens: tokens})
	}
	b, err := msgpack.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("engine: encode snapshot: %w", err)
	}
	return b, nil
}

// Restore replaces the engine state with a snapshot. Payout locks are
// cleared: no call is outstanding in a fresh process.
func (e *Engine) Restore(data []byte) error {
	var s heapState
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("engine: decode snapshot: %w", err)
	}
	if s.Version != snapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, s.Version)
	}
	for _, v := range s.VoidBuys {
		if v.Position.Kind != model.Buy {
			return fmt.Errorf("engine: void position %d in buy queue", v.ID())
		}
		v.PayoutLock = false
	}
	for _, v := range s.VoidSells {
		if v.Position.Kind != model.Sell {
			return fmt.Errorf("engine: void position %d in sell queue", v.ID())
		}
		v.PayoutLock = false
	}
	for i, t := range s.TradeLogs {
		if i > 0 && s.TradeLogs[i-1].ID >= t.ID {
			return fmt.Errorf("engine: trade %d out of order", t.ID)
		}
		t.CyclesPayoutLock, t.TokenPayoutLock = false, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.buys.Restore(s.Buys); err != nil {
		return err
	}
	if err := e.sells.Restore(s.Sells); err != nil {
		return err
	}
	if err := e.trades.Import(s.Trades); err != nil {
		return err
	}
	if err := e.positions.Import(s.Positions); err != nil {
		return err
	}
	e.stopCalls = s.StopCalls
	e.ledgerFee = s.LedgerFee
	e.nextPositionID = s.NextPositionID
	e.nextTradeID = s.NextTradeID
	e.voidBuys = s.VoidBuys
	e.voidSells = s.VoidSells
	e.tradeLogs = s.TradeLogs
	e.payoutErrors = s.PayoutErrors
	clear(e.pendingFees)
	for _, f := range s.PendingFees {
		e.pendingFees[f.Payor] = e.pendingFees[f.Payor].Add(f.Tokens)
	}
	e.ongoingBuyCalls, e.ongoingSellCalls = 0, 0
	clear(e.tokenBalanceLocks)
	e.updateGauges()
	return nil
}

// Persist saves a snapshot to snapshots.
func (e *Engine) Persist(ctx context.Context, snapshots store.SnapshotStore) error {
	b, err := e.Snapshot()
	if err != nil {
		return err
	}
	if err := snapshots.SaveSnapshot(ctx, store.HeapMemoryID, b); err != nil {
		return fmt.Errorf("engine: save snapshot: %w", err)
	}
	slog.Info("snapshot saved", "bytes", len(b))
	return nil
}

// Load restores the last saved snapshot, if any, and schedules a replay of
// the cm_caller callbacks that could not be delivered while the process
// was down.
func (e *Engine) Load(ctx context.Context, snapshots store.SnapshotStore) (bool, error) {
	b, err := snapshots.LoadSnapshot(ctx, store.HeapMemoryID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("engine: load snapshot: %w", err)
	}
	if err := e.Restore(b); err != nil {
		return false, err
	}
	slog.Info("snapshot restored", "bytes", len(b))
	e.scheduleReplayCallbacks(ctx)
	return true, nil
}

func (e *Engine) scheduleReplayCallbacks(ctx context.Context) {
	time.AfterFunc(e.cfg.ReplayCallbacksDelay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := e.cmcaller.ReplayCallbacks(ctx); err != nil {
			slog.Warn("replay cm_caller callbacks failed", "err", err)
		}
	})
}
