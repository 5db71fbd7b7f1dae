// Package engine is the trade contract: the owner of the position book,
// void queues and trade ring, and the entry points, payout engine, views
// and admin operations that act on them.
//
// All state is guarded by one mutex. Entry points hold it except across
// outbound calls; after each outbound call state is looked up again by id,
// since callbacks and other calls may have run in between. Per-user token
// locks and per-leg payout locks prevent logical re-entry across those
// gaps.
package engine

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cycles-transfer-station/cts-sub000/internal/admission"
	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/book"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/metrics"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Batch is how many payouts of each category one sweep starts.
type Batch struct {
	VoidCycles  int `yaml:"void_cycles"`
	VoidTokens  int `yaml:"void_tokens"`
	TradeCycles int `yaml:"trade_cycles"`
	TradeTokens int `yaml:"trade_tokens"`
}

// Config holds the engine parameters.
type Config struct {
	// ID is the contract's own principal, owner of the custody subaccounts.
	ID          platform.Principal
	CMCallerID  platform.Principal
	Controllers []platform.Principal

	// LedgerFee is the initial cached token ledger fee.
	LedgerFee     amount.Amount
	TokenDecimals int32

	MaxPositionsPerSide     int
	MaxVoidPositionsPerSide int
	MaxTradeLogs            int
	MaxPayoutErrors         int

	VoidPositionMinimumWait time.Duration
	CallbackTimeout         time.Duration
	ReplayCallbacksDelay    time.Duration

	Batch Batch

	// ViewReplyBytes caps the payload of a paginated view.
	ViewReplyBytes int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LedgerFee:               amount.New(10_000),
		TokenDecimals:           8,
		MaxPositionsPerSide:     84 << 20 / 256,
		MaxVoidPositionsPerSide: 84 << 20 / 512,
		MaxTradeLogs:            100_000,
		MaxPayoutErrors:         100,
		VoidPositionMinimumWait: time.Hour,
		CallbackTimeout:         72 * time.Hour,
		ReplayCallbacksDelay:    10 * time.Second,
		Batch:                   Batch{VoidCycles: 5, VoidTokens: 5, TradeCycles: 10, TradeTokens: 10},
		ViewReplyBytes:          3 << 19,
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Ledger     platform.Ledger
	CMCaller   platform.CMCaller
	Management platform.Management
	// Verifier checks user authorization blobs; nil accepts any caller.
	Verifier  *platform.Verifier
	Trades    *logstore.Pipeline
	Positions *logstore.Pipeline
	// Events is optional.
	Events Events
}

// Events receives notifications after the state change is committed.
type Events interface {
	TradeExecuted(t model.TradeLog)
	PositionVoided(v model.VoidPosition)
}

// PayoutError is a recorded payout failure.
type PayoutError struct {
	Subject        string `json:"subject" msgpack:"subject"`
	ID             uint64 `json:"id" msgpack:"id"`
	Leg            string `json:"leg" msgpack:"leg"`
	Error          string `json:"error" msgpack:"error"`
	TimestampNanos uint64 `json:"timestamp_nanos" msgpack:"ts"`
}

// Engine is the trade contract state owner.
type Engine struct {
	cfg       Config
	ledger    platform.Ledger
	cmcaller  platform.CMCaller
	mgmt      platform.Management
	verifier  *platform.Verifier
	trades    *logstore.Pipeline
	positions *logstore.Pipeline
	events    Events
	limiter   *admission.Limiter
	now       func() time.Time
	kick      chan struct{}

	mu                sync.Mutex
	stopCalls         bool
	ledgerFee         amount.Amount
	nextPositionID    model.PositionID
	nextTradeID       model.TradeID
	buys              *book.Side
	sells             *book.Side
	voidBuys          []*model.VoidPosition
	voidSells         []*model.VoidPosition
	tradeLogs         []*model.TradeLog
	ongoingBuyCalls   int
	ongoingSellCalls  int
	tokenBalanceLocks map[platform.Principal]struct{}
	pendingFees       map[platform.Principal]amount.Amount
	payoutErrors      []PayoutError
}

// New creates an engine with an empty book.
func New(cfg Config, deps Deps) *Engine {
	return &Engine{
		cfg:               cfg,
		ledger:            deps.Ledger,
		cmcaller:          deps.CMCaller,
		mgmt:              deps.Management,
		verifier:          deps.Verifier,
		trades:            deps.Trades,
		positions:         deps.Positions,
		events:            deps.Events,
		limiter:           admission.NewLimiter(cfg.MaxPositionsPerSide, cfg.MaxVoidPositionsPerSide),
		now:               time.Now,
		kick:              make(chan struct{}, 1),
		ledgerFee:         cfg.LedgerFee,
		buys:              book.NewSide(model.Buy),
		sells:             book.NewSide(model.Sell),
		tokenBalanceLocks: make(map[platform.Principal]struct{}),
		pendingFees:       make(map[platform.Principal]amount.Amount),
	}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Engine) nowNanos() uint64 { return uint64(e.now().UnixNano()) }

// Run drives the payout engine until ctx is done: after every mutating call
// and every interval.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.kick:
		case <-ticker.C:
		}
		e.DoPayouts(ctx)
	}
}

func (e *Engine) kickPayouts() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

func (e *Engine) sideOf(kind model.PositionKind) *book.Side {
	if kind == model.Buy {
		return e.buys
	}
	return e.sells
}

func (e *Engine) voidsOf(kind model.PositionKind) *[]*model.VoidPosition {
	if kind == model.Buy {
		return &e.voidBuys
	}
	return &e.voidSells
}

func (e *Engine) minimumTokensMatch() amount.Amount {
	return model.MinimumTokensMatch(e.ledgerFee)
}

func (e *Engine) isController(p platform.Principal) bool {
	return slices.Contains(e.cfg.Controllers, p)
}

// findTrade returns the trade with id from the ring, or nil.
func (e *Engine) findTrade(id model.TradeID) *model.TradeLog {
	i, ok := slices.BinarySearchFunc(e.tradeLogs, id, func(t *model.TradeLog, id model.TradeID) int {
		switch {
		case t.ID < id:
			return -1
		case t.ID > id:
			return 1
		}
		return 0
	})
	if !ok {
		return nil
	}
	return e.tradeLogs[i]
}

func (e *Engine) findVoid(kind model.PositionKind, id model.PositionID) *model.VoidPosition {
	for _, v := range *e.voidsOf(kind) {
		if v.ID() == id {
			return v
		}
	}
	return nil
}

func (e *Engine) recordPayoutError(subject string, id uint64, leg string, err error) {
	slog.Warn("payout step failed", "subject", subject, "id", id, "leg", leg, "err", err)
	metrics.PayoutSteps.WithLabelValues(leg, "error").Inc()
	if len(e.payoutErrors) >= e.cfg.MaxPayoutErrors && len(e.payoutErrors) > 0 {
		e.payoutErrors = e.payoutErrors[1:]
	}
	e.payoutErrors = append(e.payoutErrors, PayoutError{
		Subject:        subject,
		ID:             id,
		Leg:            leg,
		Error:          err.Error(),
		TimestampNanos: e.nowNanos(),
	})
}

func (e *Engine) updateGauges() {
	metrics.RestingPositions.WithLabelValues("buy").Set(float64(e.buys.Len()))
	metrics.RestingPositions.WithLabelValues("sell").Set(float64(e.sells.Len()))
	metrics.VoidPositions.WithLabelValues("buy").Set(float64(len(e.voidBuys)))
	metrics.VoidPositions.WithLabelValues("sell").Set(float64(len(e.voidSells)))
	metrics.PendingTrades.Set(float64(len(e.tradeLogs)))
}

// custody is the contract's ledger account holding p's tokens.
func (e *Engine) custody(p platform.Principal) platform.Account {
	s := platform.PrincipalSubaccount(p)
	return platform.Account{Owner: e.cfg.ID, Subaccount: &s}
}

// treasury receives collected token fees.
func (e *Engine) treasury() platform.Account {
	return platform.Account{Owner: e.cfg.ID}
}
