package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cycles-transfer-station/cts-sub000/internal/admission"
	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/match"
	"github.com/cycles-transfer-station/cts-sub000/internal/metrics"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// opened is what an open committed, for events after the lock is released.
type opened struct {
	trades []model.TradeLog
	voided []model.VoidPosition
}

// BuyTokens opens a buy position funded with the attached cycles. Only
// quest.Cycles() of the attached cycles are accepted.
func (e *Engine) BuyTokens(_ context.Context, caller platform.Principal, quest model.Quest, cyclesAttached amount.Amount, auth *platform.AuthBlob) (model.PositionID, error) {
	start := time.Now()
	e.mu.Lock()
	if err := e.admit(model.Buy, caller, quest, auth); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if required := quest.Cycles(); cyclesAttached.Lt(required) {
		e.mu.Unlock()
		return 0, &MsgCyclesTooLowError{Required: required, Attached: cyclesAttached}
	}
	id, done := e.openLocked(model.Buy, caller, quest)
	e.mu.Unlock()

	e.afterOpen(model.Buy, id, done, start)
	return id, nil
}

// SellTokens opens a sell position over tokens already deposited in the
// caller's custody subaccount.
func (e *Engine) SellTokens(ctx context.Context, caller platform.Principal, quest model.Quest, auth *platform.AuthBlob) (model.PositionID, error) {
	start := time.Now()
	e.mu.Lock()
	if err := e.admit(model.Sell, caller, quest, auth); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if _, held := e.tokenBalanceLocks[caller]; held {
		e.mu.Unlock()
		metrics.BusyRejections.WithLabelValues("token_lock").Inc()
		return 0, ErrTokenBalanceLocked
	}
	e.tokenBalanceLocks[caller] = struct{}{}
	e.ongoingSellCalls++
	e.mu.Unlock()

	balance, err := e.ledger.BalanceOf(ctx, e.custody(caller))

	e.mu.Lock()
	e.ongoingSellCalls--
	delete(e.tokenBalanceLocks, caller)
	if err != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("engine: read token balance: %w", err)
	}
	// Stop-calls or the minimum may have changed while suspended.
	if e.stopCalls {
		e.mu.Unlock()
		return 0, ErrMaintenance
	}
	if err := quest.Validate(e.minimumTokensMatch()); err != nil {
		e.mu.Unlock()
		return 0, err
	}
	if usable := balance.Sub(e.lockedTokens(caller)); usable.Lt(quest.Tokens) {
		e.mu.Unlock()
		return 0, &InsufficientTokenBalanceError{UsableBalance: usable, Required: quest.Tokens}
	}
	id, done := e.openLocked(model.Sell, caller, quest)
	e.mu.Unlock()

	e.afterOpen(model.Sell, id, done, start)
	return id, nil
}

// admit runs the checks shared by both opens. Called with mu held.
func (e *Engine) admit(kind model.PositionKind, caller platform.Principal, quest model.Quest, auth *platform.AuthBlob) error {
	if e.stopCalls {
		return ErrMaintenance
	}
	if e.verifier != nil {
		if auth == nil {
			return ErrUnauthorized
		}
		if _, err := e.verifier.Verify(*auth, caller, e.nowNanos()); err != nil {
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}
	if err := quest.Validate(e.minimumTokensMatch()); err != nil {
		return err
	}
	if len(e.tradeLogs) >= e.cfg.MaxTradeLogs {
		metrics.BusyRejections.WithLabelValues("trade_logs").Inc()
		return fmt.Errorf("%w: %d trades awaiting payout", ErrCyclesMarketIsBusy, len(e.tradeLogs))
	}
	ongoing := e.ongoingBuyCalls
	if kind == model.Sell {
		ongoing = e.ongoingSellCalls
	}
	if err := e.limiter.Check(admission.Load{
		Positions:     e.sideOf(kind).Len(),
		OngoingCalls:  ongoing,
		VoidPositions: len(*e.voidsOf(kind)),
	}); err != nil {
		metrics.BusyRejections.WithLabelValues("capacity").Inc()
		return err
	}
	return nil
}

// openLocked creates the position, matches it and rests or voids it.
// Called with mu held.
func (e *Engine) openLocked(kind model.PositionKind, caller platform.Principal, quest model.Quest) (model.PositionID, opened) {
	now := e.nowNanos()
	minimum := e.minimumTokensMatch()

	pos := model.NewPosition(e.nextPositionID, caller, kind, quest, now)
	e.nextPositionID++

	res := match.Run(pos, e.sideOf(kind.Opposite()), &e.nextTradeID, match.Params{
		Minimum:   minimum,
		MaxTrades: e.cfg.MaxTradeLogs - len(e.tradeLogs),
		NowNanos:  now,
	})

	var done opened
	e.tradeLogs = append(e.tradeLogs, res.Trades...)
	for _, t := range res.Trades {
		done.trades = append(done.trades, *t)
	}
	opposingVoids := e.voidsOf(kind.Opposite())
	for _, v := range res.Voided {
		*opposingVoids = append(*opposingVoids, v)
		done.voided = append(done.voided, *v)
	}

	if pos.IsFilled(minimum) {
		v := pos.Void(model.CauseFill, now)
		voids := e.voidsOf(kind)
		*voids = append(*voids, v)
		done.voided = append(done.voided, *v)
	} else {
		e.sideOf(kind).Insert(pos)
	}
	e.updateGauges()
	return pos.ID, done
}

func (e *Engine) afterOpen(kind model.PositionKind, id model.PositionID, done opened, start time.Time) {
	metrics.PositionsOpened.WithLabelValues(kind.String()).Inc()
	metrics.OpenLatency.WithLabelValues(kind.String()).Observe(time.Since(start).Seconds())
	for _, t := range done.trades {
		metrics.TradesTotal.WithLabelValues(t.PositionKind.String()).Inc()
		metrics.TradeVolumeCycles.Add(t.Cycles.Float64())
	}
	slog.Info("position opened", "kind", kind.String(), "position_id", id, "trades", len(done.trades), "voided", len(done.voided))
	e.publish(done)
	e.kickPayouts()
}

func (e *Engine) publish(done opened) {
	if e.events == nil {
		return
	}
	for _, t := range done.trades {
		e.events.TradeExecuted(t)
	}
	for _, v := range done.voided {
		e.events.PositionVoided(v)
	}
}

// VoidPosition takes the caller's resting position off the book once it
// has rested for the minimum wait time.
func (e *Engine) VoidPosition(_ context.Context, caller platform.Principal, id model.PositionID) error {
	e.mu.Lock()
	if e.stopCalls {
		e.mu.Unlock()
		return ErrMaintenance
	}
	kind, pos := e.findOpen(id)
	if pos == nil {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	if pos.Positor != caller {
		e.mu.Unlock()
		return ErrCallerIsNotPositor
	}
	wait := uint64(e.cfg.VoidPositionMinimumWait.Nanoseconds())
	if e.nowNanos() < pos.TimestampNanos+wait {
		e.mu.Unlock()
		return &MinimumWaitTimeError{
			MinimumWaitTimeSeconds:         uint64(e.cfg.VoidPositionMinimumWait / time.Second),
			PositionCreationTimestampNanos: pos.TimestampNanos,
		}
	}
	v := e.voidOpen(kind, id, model.CauseUserCallVoidPosition)
	e.mu.Unlock()

	slog.Info("position voided", "position_id", id, "cause", v.Cause.String())
	e.publish(opened{voided: []model.VoidPosition{*v}})
	e.kickPayouts()
	return nil
}

// Bump lets a controller void any resting position.
func (e *Engine) Bump(_ context.Context, caller platform.Principal, id model.PositionID) error {
	e.mu.Lock()
	if !e.isController(caller) {
		e.mu.Unlock()
		return ErrNotController
	}
	kind, pos := e.findOpen(id)
	if pos == nil {
		e.mu.Unlock()
		return ErrPositionNotFound
	}
	v := e.voidOpen(kind, id, model.CauseBump)
	e.mu.Unlock()

	slog.Info("position bumped", "position_id", id, "positor", v.Position.Positor.String())
	e.publish(opened{voided: []model.VoidPosition{*v}})
	e.kickPayouts()
	return nil
}

func (e *Engine) findOpen(id model.PositionID) (model.PositionKind, *model.Position) {
	if p := e.buys.Get(id); p != nil {
		return model.Buy, p
	}
	return model.Sell, e.sells.Get(id)
}

func (e *Engine) voidOpen(kind model.PositionKind, id model.PositionID, cause model.TerminationCause) *model.VoidPosition {
	pos := e.sideOf(kind).Remove(id)
	v := pos.Void(cause, e.nowNanos())
	voids := e.voidsOf(kind)
	*voids = append(*voids, v)
	e.updateGauges()
	return v
}
