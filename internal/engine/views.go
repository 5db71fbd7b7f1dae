package engine

import (
	"cmp"
	"context"
	"slices"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/logstore"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// Log kinds of the two pipelines.
const (
	LogTrades    = "trades"
	LogPositions = "positions"
)

// Approximate wire sizes used to cap paginated replies.
const (
	bookLevelSize    = 32
	tradeSummarySize = 16 + 16 + 16 + 8
	positionSize     = 256
)

// BookLevel is the tokens available at one rate.
type BookLevel struct {
	Rate   amount.Amount `json:"rate"`
	Tokens amount.Amount `json:"tokens"`
}

// BookPage is a page of one side of the book in ascending rate order.
type BookPage struct {
	Levels []BookLevel `json:"levels"`
	IsLast bool        `json:"is_last"`
}

// ViewPositionBook aggregates a side of the book by available rate,
// starting above startGreaterThanRate.
func (e *Engine) ViewPositionBook(kind model.PositionKind, startGreaterThanRate *amount.Amount) BookPage {
	e.mu.Lock()
	levels := make([]BookLevel, 0, e.sideOf(kind).Len())
	for _, p := range e.sideOf(kind).Positions() {
		rate := p.AvailableRate()
		if startGreaterThanRate != nil && rate.Lte(*startGreaterThanRate) {
			continue
		}
		if tokens := p.RemainingTokensAt(rate); !tokens.IsZero() {
			levels = append(levels, BookLevel{Rate: rate, Tokens: tokens})
		}
	}
	maxLevels := max(e.cfg.ViewReplyBytes/bookLevelSize, 1)
	e.mu.Unlock()

	slices.SortStableFunc(levels, func(a, b BookLevel) int { return a.Rate.Cmp(b.Rate) })
	page := BookPage{Levels: make([]BookLevel, 0, min(len(levels), maxLevels)), IsLast: true}
	for _, l := range levels {
		if n := len(page.Levels); n > 0 && page.Levels[n-1].Rate == l.Rate {
			page.Levels[n-1].Tokens = page.Levels[n-1].Tokens.Add(l.Tokens)
			continue
		}
		if len(page.Levels) == maxLevels {
			page.IsLast = false
			break
		}
		page.Levels = append(page.Levels, l)
	}
	return page
}

// TradeSummary is the public face of a trade.
type TradeSummary struct {
	ID             model.TradeID `json:"id"`
	Tokens         amount.Amount `json:"tokens"`
	Rate           amount.Amount `json:"cycles_per_token_rate"`
	TimestampNanos uint64        `json:"timestamp_nanos"`
}

// LatestTrades lists trades newest first. IsLastOnThisInstance is set when
// older trades can only be found in the storage children.
type LatestTrades struct {
	Trades               []TradeSummary `json:"trades"`
	IsLastOnThisInstance bool           `json:"is_last_on_this_instance"`
}

// ViewLatestTrades lists the newest trades with ids below startBefore,
// from the pending ring and then the unflushed buffer.
func (e *Engine) ViewLatestTrades(startBefore *model.TradeID) (LatestTrades, error) {
	below := func(id model.TradeID) bool { return startBefore == nil || id < *startBefore }

	e.mu.Lock()
	limit := max(e.cfg.ViewReplyBytes/tradeSummarySize, 1)
	out := LatestTrades{}
	for i := len(e.tradeLogs) - 1; i >= 0 && len(out.Trades) < limit; i-- {
		t := e.tradeLogs[i]
		if below(t.ID) {
			out.Trades = append(out.Trades, TradeSummary{ID: t.ID, Tokens: t.Tokens, Rate: t.Rate, TimestampNanos: t.TimestampNanos})
		}
	}
	// archive moves trades from the ring to the buffer under mu.
	buf := e.trades.Buffer()
	e.mu.Unlock()

	i := len(buf) / model.TradeLogSize
	for ; i > 0 && len(out.Trades) < limit; i-- {
		r, err := model.DecodeTradeRecord(buf[(i-1)*model.TradeLogSize : i*model.TradeLogSize])
		if err != nil {
			return LatestTrades{}, err
		}
		if below(r.ID) {
			out.Trades = append(out.Trades, TradeSummary{ID: r.ID, Tokens: r.Tokens, Rate: r.Rate, TimestampNanos: r.TimestampNanos})
		}
	}
	out.IsLastOnThisInstance = i == 0
	return out, nil
}

// ViewUserCurrentPositions lists p's resting positions newest first, below
// startBefore.
func (e *Engine) ViewUserCurrentPositions(p platform.Principal, startBefore *model.PositionID) []model.Position {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.Position
	for _, side := range [][]*model.Position{e.buys.ByPositor(p), e.sells.ByPositor(p)} {
		for _, pos := range side {
			if startBefore == nil || pos.ID < *startBefore {
				out = append(out, *pos)
			}
		}
	}
	slices.SortFunc(out, func(a, b model.Position) int { return cmp.Compare(b.ID, a.ID) })
	if limit := max(e.cfg.ViewReplyBytes/positionSize, 1); len(out) > limit {
		out = out[:limit]
	}
	return out
}

// ViewUserPositionsLogs returns position records of p's positions held on
// this instance, newest first, below startBefore: resting and void
// positions and unflushed logs.
func (e *Engine) ViewUserPositionsLogs(p platform.Principal, startBefore *model.PositionID) ([]byte, error) {
	var logs []model.PositionLog
	keep := func(l model.PositionLog) {
		if l.Positor == p && (startBefore == nil || l.ID < *startBefore) {
			logs = append(logs, l)
		}
	}

	e.mu.Lock()
	for _, side := range [][]*model.Position{e.buys.Positions(), e.sells.Positions()} {
		for _, pos := range side {
			keep(pos.Log())
		}
	}
	for _, voids := range [][]*model.VoidPosition{e.voidBuys, e.voidSells} {
		for _, v := range voids {
			keep(v.Log())
		}
	}
	maxBytes := e.cfg.ViewReplyBytes
	buf := e.positions.Buffer()
	e.mu.Unlock()

	buffered, err := model.DecodePositionLogs(buf)
	if err != nil {
		return nil, err
	}
	for _, l := range buffered {
		keep(l)
	}

	slices.SortFunc(logs, func(a, b model.PositionLog) int { return cmp.Compare(b.ID, a.ID) })
	var out []byte
	for _, l := range logs {
		if len(out)+model.PositionLogSize > maxBytes {
			break
		}
		out = model.AppendPositionLog(out, l)
	}
	return out, nil
}

// ViewPositionPurchasesLogs returns trade records of position id held on
// this instance, newest first, below startBefore.
func (e *Engine) ViewPositionPurchasesLogs(id model.PositionID, startBefore *model.TradeID) ([]byte, error) {
	var records []model.TradeRecord
	keep := func(r model.TradeRecord) {
		if (r.PositionIDMatcher == id || r.PositionIDMatchee == id) && (startBefore == nil || r.ID < *startBefore) {
			records = append(records, r)
		}
	}

	e.mu.Lock()
	for _, t := range e.tradeLogs {
		keep(t.Record())
	}
	maxBytes := e.cfg.ViewReplyBytes
	buf := e.trades.Buffer()
	e.mu.Unlock()

	buffered, err := model.DecodeTradeRecords(buf)
	if err != nil {
		return nil, err
	}
	for _, r := range buffered {
		keep(r)
	}

	slices.SortFunc(records, func(a, b model.TradeRecord) int { return cmp.Compare(b.ID, a.ID) })
	var out []byte
	for _, r := range records {
		if len(out)+model.TradeLogSize > maxBytes {
			break
		}
		out = model.AppendTradeRecord(out, r)
	}
	return out, nil
}

// ViewPositionPendingTrades lists the trades of position id whose payouts
// have not completed.
func (e *Engine) ViewPositionPendingTrades(id model.PositionID) []model.TradeLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.TradeLog
	for _, t := range e.tradeLogs {
		if t.Involves(id) {
			out = append(out, *t)
		}
	}
	return out
}

// ViewVoidPositionsPending lists void positions awaiting payout.
func (e *Engine) ViewVoidPositionsPending(p platform.Principal) []model.VoidPosition {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.VoidPosition
	for _, voids := range [][]*model.VoidPosition{e.voidBuys, e.voidSells} {
		for _, v := range voids {
			if v.Position.Positor == p {
				out = append(out, *v)
			}
		}
	}
	slices.SortFunc(out, func(a, b model.VoidPosition) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

func (e *Engine) pipeline(log string) (*logstore.Pipeline, error) {
	switch log {
	case LogTrades:
		return e.trades, nil
	case LogPositions:
		return e.positions, nil
	}
	return nil, ErrUnknownLog
}

// ViewStorageCanisters lists the storage children of a log.
func (e *Engine) ViewStorageCanisters(log string) ([]logstore.ChildData, error) {
	p, err := e.pipeline(log)
	if err != nil {
		return nil, err
	}
	return p.Children(), nil
}

// ViewStorageLogs reads archived records back from a storage child.
func (e *Engine) ViewStorageLogs(ctx context.Context, log string, child platform.Principal, start, count uint64) ([]byte, error) {
	p, err := e.pipeline(log)
	if err != nil {
		return nil, err
	}
	if limit := uint64(max(e.cfg.ViewReplyBytes/p.LogSize(), 1)); count > limit {
		count = limit
	}
	return p.ReadChild(ctx, child, start, count)
}

// MarketInfo summarises the contract state.
type MarketInfo struct {
	StopCalls          bool             `json:"stop_calls"`
	LedgerFee          amount.Amount    `json:"ledger_fee"`
	TokenDecimals      int32            `json:"token_decimals"`
	MinimumTokensMatch amount.Amount    `json:"minimum_tokens_match"`
	BuyPositions       int              `json:"buy_positions"`
	SellPositions      int              `json:"sell_positions"`
	VoidBuyPositions   int              `json:"void_buy_positions"`
	VoidSellPositions  int              `json:"void_sell_positions"`
	PendingTrades      int              `json:"pending_trades"`
	NextPositionID     model.PositionID `json:"next_position_id"`
	NextTradeID        model.TradeID    `json:"next_trade_id"`
	ArchivedTrades     uint64           `json:"archived_trades"`
	ArchivedPositions  uint64           `json:"archived_positions"`
}

func (e *Engine) ViewMarketInfo() MarketInfo {
	e.mu.Lock()
	info := MarketInfo{
		StopCalls:          e.stopCalls,
		LedgerFee:          e.ledgerFee,
		TokenDecimals:      e.cfg.TokenDecimals,
		MinimumTokensMatch: e.minimumTokensMatch(),
		BuyPositions:       e.buys.Len(),
		SellPositions:      e.sells.Len(),
		VoidBuyPositions:   len(e.voidBuys),
		VoidSellPositions:  len(e.voidSells),
		PendingTrades:      len(e.tradeLogs),
		NextPositionID:     e.nextPositionID,
		NextTradeID:        e.nextTradeID,
	}
	e.mu.Unlock()
	info.ArchivedTrades = e.trades.Count()
	info.ArchivedPositions = e.positions.Count()
	return info
}
