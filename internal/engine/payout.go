package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/metrics"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Methods the cm_caller invokes on payees.
const (
	MethodTradeCyclesPayout = "cts_trade_cycles_payout"
	MethodTradeTokensPayout = "cts_trade_tokens_payout"
	MethodVoidCyclesPayout  = "cts_void_position_cycles_payout"
	MethodVoidTokensPayout  = "cts_void_position_tokens_payout"
)

// Callback methods the cm_caller invokes on the contract. The call id is
// the trade id or the position id, depending on the method.
const (
	CallbackTradeCycles = "cm_trade_cycles_payout_callback"
	CallbackTradeTokens = "cm_trade_tokens_payout_callback"
	CallbackVoidCycles  = "cm_void_cycles_payout_callback"
	CallbackVoidTokens  = "cm_void_tokens_payout_callback"
)

const (
	subjectTrade = "trade"
	subjectVoid  = "void_position"
	subjectFees  = "pending_fees"

	legCycles      = "cycles"
	legDeposit     = "deposit_cycles"
	legTransfer    = "token_transfer"
	legFee         = "token_fee_collection"
	legTokenNotice = "token_message"
	legTimeout     = "callback_timeout"
	legFeeSweep    = "token_fee_sweep"
)

// PayoutMessage is the argument delivered to a payee with a payout.
type PayoutMessage struct {
	TradeID            *model.TradeID     `msgpack:"trade_id,omitempty"`
	PositionID         model.PositionID   `msgpack:"position_id"`
	Counterparty       platform.Principal `msgpack:"counterparty"`
	Tokens             amount.Amount      `msgpack:"tokens"`
	Cycles             amount.Amount      `msgpack:"cycles"`
	Rate               amount.Amount      `msgpack:"rate"`
	Fee                amount.Amount      `msgpack:"fee"`
	TokenTransferBlock *uint64            `msgpack:"token_transfer_block,omitempty"`
	TimestampNanos     uint64             `msgpack:"ts"`
}

// cyclesLeg is one cycles payout: a trade's cycles to the seller or a void
// buy's refund.
type cyclesLeg struct {
	subject  string
	id       uint64
	payee    platform.Principal
	cycles   amount.Amount
	method   string
	callback string
	msg      PayoutMessage
	// data and release look the subject up again; called with mu held.
	data    func() *model.CyclesPayoutData
	release func()
}

// tokenLeg is one token payout: a trade's tokens to the buyer or a void
// sell's unlock notice.
type tokenLeg struct {
	subject  string
	id       uint64
	payor    platform.Principal
	payee    platform.Principal
	tokens   amount.Amount
	fee      amount.Amount
	method   string
	callback string
	msg      PayoutMessage
	data     func() *model.TokenPayoutData
	release  func()
}

// DoPayouts runs one sweep of the payout engine: reap abandoned calls,
// advance a batch of payouts, archive what completed and flush the logs.
func (e *Engine) DoPayouts(ctx context.Context) {
	e.mu.Lock()
	e.reapTimeouts()
	jobs := e.selectJobs()
	e.mu.Unlock()

	var g errgroup.Group
	for _, job := range jobs {
		g.Go(func() error {
			job(ctx)
			return nil
		})
	}
	_ = g.Wait()

	e.sweepFees(ctx)

	e.mu.Lock()
	e.archive()
	e.updateGauges()
	e.mu.Unlock()

	for _, p := range []*logstore.Pipeline{e.trades, e.positions} {
		if !p.NeedsFlush() {
			continue
		}
		if err := p.Flush(ctx, false); err != nil && !errors.Is(err, logstore.ErrFlushLocked) {
			slog.Warn("log flush failed", "err", err)
		}
	}
}

// selectJobs takes the payout locks of a batch and returns the jobs that
// release them. Called with mu held.
func (e *Engine) selectJobs() []func(context.Context) {
	var jobs []func(context.Context)

	n := 0
	for _, v := range e.voidBuys {
		if n >= e.cfg.Batch.VoidCycles {
			break
		}
		if v.PayoutLock || !cyclesActionable(&v.CyclesPayoutData) {
			continue
		}
		v.PayoutLock = true
		leg := e.voidCyclesLeg(v)
		jobs = append(jobs, func(ctx context.Context) { e.runCyclesLeg(ctx, leg) })
		n++
	}

	n = 0
	for _, v := range e.voidSells {
		if n >= e.cfg.Batch.VoidTokens {
			break
		}
		if v.PayoutLock || !tokenActionable(&v.TokenPayoutData) {
			continue
		}
		v.PayoutLock = true
		leg := e.voidTokenLeg(v)
		jobs = append(jobs, func(ctx context.Context) { e.runTokenLeg(ctx, leg) })
		n++
	}

	nc, nt := 0, 0
	for _, t := range e.tradeLogs {
		if nc < e.cfg.Batch.TradeCycles && !t.CyclesPayoutLock && cyclesActionable(&t.CyclesPayoutData) {
			t.CyclesPayoutLock = true
			leg := e.tradeCyclesLeg(t)
			jobs = append(jobs, func(ctx context.Context) { e.runCyclesLeg(ctx, leg) })
			nc++
		}
		if nt < e.cfg.Batch.TradeTokens && !t.TokenPayoutLock && tokenActionable(&t.TokenPayoutData) {
			t.TokenPayoutLock = true
			leg := e.tradeTokenLeg(t)
			jobs = append(jobs, func(ctx context.Context) { e.runTokenLeg(ctx, leg) })
			nt++
		}
		if nc >= e.cfg.Batch.TradeCycles && nt >= e.cfg.Batch.TradeTokens {
			break
		}
	}
	return jobs
}

func cyclesActionable(d *model.CyclesPayoutData) bool {
	if d.CMCallbackComplete == nil {
		return d.CMCallSuccessTimestampNanos == nil
	}
	return !d.CMCallbackComplete.Refund.IsZero() && !d.DepositCyclesSuccess
}

func tokenActionable(d *model.TokenPayoutData) bool {
	if d.CMMessageCallbackComplete != nil {
		return false
	}
	return d.TokenTransfer == nil || d.TokenFeeCollection == nil || d.CMMessageCallSuccessTimestamp == nil
}

func (e *Engine) tradeCyclesLeg(t *model.TradeLog) cyclesLeg {
	id := t.ID
	return cyclesLeg{
		subject:  subjectTrade,
		id:       uint64(id),
		payee:    t.Seller(),
		cycles:   t.CyclesPayout(),
		method:   MethodTradeCyclesPayout,
		callback: CallbackTradeCycles,
		msg: PayoutMessage{
			TradeID:        &id,
			PositionID:     t.SellPositionID(),
			Counterparty:   t.Buyer(),
			Tokens:         t.Tokens,
			Cycles:         t.CyclesPayout(),
			Rate:           t.Rate,
			Fee:            t.CyclesPayoutFee,
			TimestampNanos: t.TimestampNanos,
		},
		data: func() *model.CyclesPayoutData {
			if t := e.findTrade(id); t != nil {
				return &t.CyclesPayoutData
			}
			return nil
		},
		release: func() {
			if t := e.findTrade(id); t != nil {
				t.CyclesPayoutLock = false
			}
		},
	}
}

func (e *Engine) tradeTokenLeg(t *model.TradeLog) tokenLeg {
	id := t.ID
	return tokenLeg{
		subject:  subjectTrade,
		id:       uint64(id),
		payor:    t.Seller(),
		payee:    t.Buyer(),
		tokens:   t.Tokens,
		fee:      t.TokensPayoutFee,
		method:   MethodTradeTokensPayout,
		callback: CallbackTradeTokens,
		msg: PayoutMessage{
			TradeID:        &id,
			PositionID:     t.BuyPositionID(),
			Counterparty:   t.Seller(),
			Tokens:         t.Tokens.Sub(t.TokensPayoutFee),
			Cycles:         t.Cycles,
			Rate:           t.Rate,
			Fee:            t.TokensPayoutFee,
			TimestampNanos: t.TimestampNanos,
		},
		data: func() *model.TokenPayoutData {
			if t := e.findTrade(id); t != nil {
				return &t.TokenPayoutData
			}
			return nil
		},
		release: func() {
			if t := e.findTrade(id); t != nil {
				t.TokenPayoutLock = false
			}
		},
	}
}

func (e *Engine) voidCyclesLeg(v *model.VoidPosition) cyclesLeg {
	id := v.ID()
	return cyclesLeg{
		subject:  subjectVoid,
		id:       uint64(id),
		payee:    v.Position.Positor,
		cycles:   v.Position.Current,
		method:   MethodVoidCyclesPayout,
		callback: CallbackVoidCycles,
		msg: PayoutMessage{
			PositionID:     id,
			Tokens:         v.Position.FilledTokens,
			Cycles:         v.Position.Current,
			Rate:           v.Position.Quest.Rate,
			Fee:            v.Position.PayoutsFeesSum,
			TimestampNanos: v.TerminationTimestampNanos,
		},
		data: func() *model.CyclesPayoutData {
			if v := e.findVoid(model.Buy, id); v != nil {
				return &v.CyclesPayoutData
			}
			return nil
		},
		release: func() {
			if v := e.findVoid(model.Buy, id); v != nil {
				v.PayoutLock = false
			}
		},
	}
}

func (e *Engine) voidTokenLeg(v *model.VoidPosition) tokenLeg {
	id := v.ID()
	return tokenLeg{
		subject:  subjectVoid,
		id:       uint64(id),
		payor:    v.Position.Positor,
		payee:    v.Position.Positor,
		tokens:   v.Position.Current,
		method:   MethodVoidTokensPayout,
		callback: CallbackVoidTokens,
		msg: PayoutMessage{
			PositionID:     id,
			Tokens:         v.Position.Current,
			Cycles:         v.Position.PurchasesRatesTimesQuantitiesSum,
			Rate:           v.Position.Quest.Rate,
			Fee:            v.Position.PayoutsFeesSum,
			TimestampNanos: v.TerminationTimestampNanos,
		},
		data: func() *model.TokenPayoutData {
			if v := e.findVoid(model.Sell, id); v != nil {
				return &v.TokenPayoutData
			}
			return nil
		},
		release: func() {
			if v := e.findVoid(model.Sell, id); v != nil {
				v.PayoutLock = false
			}
		},
	}
}

// runCyclesLeg advances a cycles leg by one step and releases its lock.
func (e *Engine) runCyclesLeg(ctx context.Context, leg cyclesLeg) {
	e.mu.Lock()
	d := leg.data()
	if d == nil {
		leg.release()
		e.mu.Unlock()
		return
	}
	call := d.CMCallbackComplete == nil && d.CMCallSuccessTimestampNanos == nil
	var refund amount.Amount
	if d.CMCallbackComplete != nil && !d.DepositCyclesSuccess {
		refund = d.CMCallbackComplete.Refund
	}
	if !call && refund.IsZero() {
		leg.release()
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if call {
		err := e.cmCall(ctx, leg.id, leg.payee, leg.method, leg.msg, leg.cycles, leg.callback)
		sent := platform.CMCallSent(err, leg.cycles)

		e.mu.Lock()
		defer e.mu.Unlock()
		defer leg.release()
		if d := leg.data(); d != nil && sent {
			ts := e.nowNanos()
			d.CMCallSuccessTimestampNanos = &ts
		}
		e.stepOutcome(leg.subject, leg.id, legCycles, err)
		return
	}

	err := e.mgmt.DepositCycles(ctx, leg.payee, refund)

	e.mu.Lock()
	defer e.mu.Unlock()
	defer leg.release()
	if d := leg.data(); d != nil && err == nil {
		d.DepositCyclesSuccess = true
	}
	e.stepOutcome(leg.subject, leg.id, legDeposit, err)
}

// runTokenLeg runs the remaining token steps in order, stopping at the
// first failure, and releases the lock.
func (e *Engine) runTokenLeg(ctx context.Context, leg tokenLeg) {
	defer func() {
		e.mu.Lock()
		leg.release()
		e.mu.Unlock()
	}()

	// Transfer to the payee.
	e.mu.Lock()
	d := leg.data()
	if d == nil {
		e.mu.Unlock()
		return
	}
	needTransfer, needFee := d.TokenTransfer == nil, d.TokenFeeCollection == nil
	ledgerFee := e.ledgerFee
	e.mu.Unlock()

	if needTransfer {
		payout := leg.tokens.Sub(leg.fee).Sub(ledgerFee)
		rec, err := e.ledgerTransfer(ctx, leg, e.custody(leg.payee), payout, ledgerFee, "transfer")
		if !e.recordTransfer(leg, rec, err, legTransfer, func(d *model.TokenPayoutData) **model.LedgerTransfer { return &d.TokenTransfer }) {
			return
		}
	}

	if needFee {
		collect := leg.fee.Sub(ledgerFee)
		if collect.IsZero() && !leg.fee.IsZero() {
			// Too small to pay the ledger fee on its own.
			if !e.deferFee(leg) {
				return
			}
		} else {
			rec, err := e.ledgerTransfer(ctx, leg, e.treasury(), collect, ledgerFee, "fee")
			if !e.recordTransfer(leg, rec, err, legFee, func(d *model.TokenPayoutData) **model.LedgerTransfer { return &d.TokenFeeCollection }) {
				return
			}
		}
	}

	// Notify the payee.
	e.mu.Lock()
	d = leg.data()
	if d == nil || d.CMMessageCallSuccessTimestamp != nil || d.CMMessageCallbackComplete != nil {
		e.mu.Unlock()
		return
	}
	msg := leg.msg
	if d.TokenTransfer != nil {
		msg.TokenTransferBlock = d.TokenTransfer.BlockHeight
	}
	e.mu.Unlock()

	err := e.cmCall(ctx, leg.id, leg.payee, leg.method, msg, amount.Zero, leg.callback)
	sent := platform.CMCallSent(err, amount.Zero)

	e.mu.Lock()
	defer e.mu.Unlock()
	if d := leg.data(); d != nil && sent {
		ts := e.nowNanos()
		d.CMMessageCallSuccessTimestamp = &ts
	}
	e.stepOutcome(leg.subject, leg.id, legTokenNotice, err)
}

// ledgerTransfer moves amt from the payor's subaccount. A zero amount moves
// nothing and is recorded without a block.
func (e *Engine) ledgerTransfer(ctx context.Context, leg tokenLeg, to platform.Account, amt, ledgerFee amount.Amount, kind string) (*model.LedgerTransfer, error) {
	if amt.IsZero() {
		return &model.LedgerTransfer{}, nil
	}
	fee := ledgerFee
	created := leg.msg.TimestampNanos
	block, err := e.ledger.Transfer(ctx, platform.TransferArg{
		Memo:           fmt.Appendf(nil, "cts-%s-%s-%d", leg.subject, kind, leg.id),
		Amount:         amt,
		Fee:            &fee,
		FromSubaccount: e.custody(leg.payor).Subaccount,
		To:             to,
		CreatedAtTime:  &created,
	})
	if err != nil {
		var te *platform.TransferError
		if errors.As(err, &te) && te.Kind == platform.TransferDuplicate {
			block = te.DuplicateOf
		} else {
			return nil, err
		}
	}
	return &model.LedgerTransfer{BlockHeight: &block}, nil
}

// recordTransfer stores a transfer outcome and reports whether the leg may
// continue.
func (e *Engine) recordTransfer(leg tokenLeg, rec *model.LedgerTransfer, err error, step string, field func(*model.TokenPayoutData) **model.LedgerTransfer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		if expected, ok := platform.AsBadFee(err); ok {
			e.setLedgerFee(expected)
		}
		e.stepOutcome(leg.subject, leg.id, step, err)
		return false
	}
	d := leg.data()
	if d == nil {
		return false
	}
	rec.TimestampNanos = e.nowNanos()
	*field(d) = rec
	e.stepOutcome(leg.subject, leg.id, step, nil)
	return true
}

// deferFee marks the fee collection done and adds the fee to the payor's
// pending fees, which stay locked in the payor's subaccount until
// sweepFees moves them.
func (e *Engine) deferFee(leg tokenLeg) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d := leg.data()
	if d == nil {
		return false
	}
	d.TokenFeeCollection = &model.LedgerTransfer{TimestampNanos: e.nowNanos()}
	e.pendingFees[leg.payor] = e.pendingFees[leg.payor].Add(leg.fee)
	e.stepOutcome(leg.subject, leg.id, legFee, nil)
	return true
}

// sweepFees transfers each payor's pending fees to the treasury once they
// exceed the ledger fee. Payors with a held token balance lock are skipped
// until the next sweep.
func (e *Engine) sweepFees(ctx context.Context) {
	type sweep struct {
		payor   platform.Principal
		pending amount.Amount
	}
	e.mu.Lock()
	ledgerFee := e.ledgerFee
	var sweeps []sweep
	for p, pending := range e.pendingFees {
		if pending.Lte(ledgerFee) {
			continue
		}
		if _, held := e.tokenBalanceLocks[p]; held {
			continue
		}
		e.tokenBalanceLocks[p] = struct{}{}
		sweeps = append(sweeps, sweep{payor: p, pending: pending})
	}
	e.mu.Unlock()

	for _, s := range sweeps {
		fee := ledgerFee
		created := e.nowNanos()
		_, err := e.ledger.Transfer(ctx, platform.TransferArg{
			Memo:           []byte("cts-fee-sweep"),
			Amount:         s.pending.Sub(ledgerFee),
			Fee:            &fee,
			FromSubaccount: e.custody(s.payor).Subaccount,
			To:             e.treasury(),
			CreatedAtTime:  &created,
		})

		e.mu.Lock()
		delete(e.tokenBalanceLocks, s.payor)
		if err != nil {
			if expected, ok := platform.AsBadFee(err); ok {
				e.setLedgerFee(expected)
			}
			e.stepOutcome(subjectFees, 0, legFeeSweep, err)
			e.mu.Unlock()
			continue
		}
		if rest := e.pendingFees[s.payor].Sub(s.pending); rest.IsZero() {
			delete(e.pendingFees, s.payor)
		} else {
			e.pendingFees[s.payor] = rest
		}
		e.stepOutcome(subjectFees, 0, legFeeSweep, nil)
		e.mu.Unlock()
	}
}

func (e *Engine) cmCall(ctx context.Context, id uint64, target platform.Principal, method string, msg PayoutMessage, cycles amount.Amount, callback string) error {
	arg, err := msgpack.Marshal(&msg)
	if err != nil {
		return &platform.CMCallError{Reason: "encode payout message: " + err.Error(), Replied: true}
	}
	return e.cmcaller.CMCall(ctx, platform.CMCallQuest{
		CallID:         id,
		Target:         target,
		Method:         method,
		Arg:            arg,
		Cycles:         cycles,
		CallbackMethod: callback,
	})
}

// stepOutcome records a payout step result. Called with mu held.
func (e *Engine) stepOutcome(subject string, id uint64, leg string, err error) {
	if err != nil {
		e.recordPayoutError(subject, id, leg, err)
		return
	}
	metrics.PayoutSteps.WithLabelValues(leg, "ok").Inc()
}

// reapTimeouts gives up on cm_caller callbacks that never arrived. Void
// positions are dropped; trade legs get a timed-out callback so the trade
// can archive. Called with mu held.
func (e *Engine) reapTimeouts() {
	now := e.nowNanos()
	timeout := uint64(e.cfg.CallbackTimeout.Nanoseconds())
	expired := func(ts *uint64) bool { return ts != nil && now > *ts && now-*ts > timeout }
	timedOut := &platform.CallError{Code: -1, Message: "cm_caller callback timed out"}

	for _, kind := range []model.PositionKind{model.Buy, model.Sell} {
		voids := e.voidsOf(kind)
		*voids = slices.DeleteFunc(*voids, func(v *model.VoidPosition) bool {
			if v.PayoutLock || !expired(v.CallSuccessTimestamp()) {
				return false
			}
			e.recordPayoutError(subjectVoid, uint64(v.ID()), legTimeout, timedOut)
			e.positions.Append(model.AppendPositionLog(nil, v.Log()))
			return true
		})
	}

	for _, t := range e.tradeLogs {
		c := &t.CyclesPayoutData
		if !t.CyclesPayoutLock && c.CMCallbackComplete == nil && expired(c.CMCallSuccessTimestampNanos) {
			c.CMCallbackComplete = &model.CyclesCallback{Refund: amount.Zero, Err: timedOut}
			e.recordPayoutError(subjectTrade, uint64(t.ID), legTimeout, timedOut)
		}
		tk := &t.TokenPayoutData
		if !t.TokenPayoutLock && tk.CMMessageCallbackComplete == nil && expired(tk.CMMessageCallSuccessTimestamp) {
			tk.CMMessageCallbackComplete = &model.MessageCallback{Err: timedOut}
			e.recordPayoutError(subjectTrade, uint64(t.ID), legTimeout, timedOut)
		}
	}
}

// archive moves completed trades at the head of the ring, and completed
// void positions, into the log pipelines. Trades archive strictly in id
// order. Called with mu held.
func (e *Engine) archive() {
	n := 0
	for n < len(e.tradeLogs) {
		t := e.tradeLogs[n]
		if t.CyclesPayoutLock || t.TokenPayoutLock || !t.IsComplete() {
			break
		}
		n++
	}
	if n > 0 {
		buf := make([]byte, 0, n*model.TradeLogSize)
		for _, t := range e.tradeLogs[:n] {
			buf = model.AppendTradeRecord(buf, t.Record())
		}
		e.trades.Append(buf)
		e.tradeLogs = slices.Delete(e.tradeLogs, 0, n)
	}

	var buf []byte
	for _, kind := range []model.PositionKind{model.Buy, model.Sell} {
		voids := e.voidsOf(kind)
		*voids = slices.DeleteFunc(*voids, func(v *model.VoidPosition) bool {
			if v.PayoutLock || !v.IsComplete() {
				return false
			}
			buf = model.AppendPositionLog(buf, v.Log())
			return true
		})
	}
	if len(buf) > 0 {
		e.positions.Append(buf)
	}
}
