package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// HandleCMCallback records the outcome of a cm_caller call. Callbacks for
// subjects that are gone or already settled are accepted and ignored, so
// replays are harmless.
func (e *Engine) HandleCMCallback(_ context.Context, caller platform.Principal, method string, quest platform.CMCallbackQuest, refunded amount.Amount) error {
	e.mu.Lock()
	if caller != e.cfg.CMCallerID {
		e.mu.Unlock()
		return ErrNotCMCaller
	}

	applied := false
	switch method {
	case CallbackTradeCycles:
		if t := e.findTrade(model.TradeID(quest.CallID)); t != nil {
			applied = setCyclesCallback(&t.CyclesPayoutData, quest, refunded)
		}
	case CallbackTradeTokens:
		if t := e.findTrade(model.TradeID(quest.CallID)); t != nil {
			applied = setMessageCallback(&t.TokenPayoutData, quest)
		}
	case CallbackVoidCycles:
		if v := e.findVoid(model.Buy, model.PositionID(quest.CallID)); v != nil {
			applied = setCyclesCallback(&v.CyclesPayoutData, quest, refunded)
		}
	case CallbackVoidTokens:
		if v := e.findVoid(model.Sell, model.PositionID(quest.CallID)); v != nil {
			applied = setMessageCallback(&v.TokenPayoutData, quest)
		}
	default:
		e.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownCallback, method)
	}
	e.mu.Unlock()

	if !applied {
		slog.Debug("cm_caller callback ignored", "method", method, "call_id", quest.CallID)
		return nil
	}
	if quest.CallError != nil {
		slog.Warn("cm_caller call failed at target", "method", method, "call_id", quest.CallID, "err", quest.CallError, "refunded", refunded.String())
	}
	e.kickPayouts()
	return nil
}

func setCyclesCallback(d *model.CyclesPayoutData, quest platform.CMCallbackQuest, refunded amount.Amount) bool {
	if d.CMCallbackComplete != nil {
		return false
	}
	d.CMCallbackComplete = &model.CyclesCallback{Refund: refunded, Err: quest.CallError}
	return true
}

func setMessageCallback(d *model.TokenPayoutData, quest platform.CMCallbackQuest) bool {
	if d.CMMessageCallbackComplete != nil {
		return false
	}
	d.CMMessageCallbackComplete = &model.MessageCallback{Err: quest.CallError}
	return true
}
