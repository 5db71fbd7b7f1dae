package model

import (
	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// TradeLog is one fill. The matcher is the incoming position, the matchee
// the resting one; PositionKind is the resting side.
type TradeLog struct {
	ID                TradeID            `json:"id" msgpack:"id"`
	PositionIDMatcher PositionID         `json:"position_id_matcher" msgpack:"matcher"`
	PositionIDMatchee PositionID         `json:"position_id_matchee" msgpack:"matchee"`
	Positor           platform.Principal `json:"positor" msgpack:"positor"`
	Purchaser         platform.Principal `json:"purchaser" msgpack:"purchaser"`
	Tokens            amount.Amount      `json:"tokens" msgpack:"tokens"`
	Cycles            amount.Amount      `json:"cycles" msgpack:"cycles"`
	Rate              amount.Amount      `json:"cycles_per_token_rate" msgpack:"rate"`
	PositionKind      PositionKind       `json:"position_kind" msgpack:"kind"`
	TokensPayoutFee   amount.Amount      `json:"tokens_payout_fee" msgpack:"tokens_fee"`
	CyclesPayoutFee   amount.Amount      `json:"cycles_payout_fee" msgpack:"cycles_fee"`
	CyclesPayoutLock  bool               `json:"cycles_payout_lock" msgpack:"cycles_lock"`
	TokenPayoutLock   bool               `json:"token_payout_lock" msgpack:"token_lock"`
	CyclesPayoutData  CyclesPayoutData   `json:"cycles_payout_data" msgpack:"cycles_payout"`
	TokenPayoutData   TokenPayoutData    `json:"token_payout_data" msgpack:"token_payout"`
	TimestampNanos    uint64             `json:"timestamp_nanos" msgpack:"ts"`
}

// Seller is paid cycles and pays tokens.
func (t *TradeLog) Seller() platform.Principal {
	if t.PositionKind == Sell {
		return t.Positor
	}
	return t.Purchaser
}

// Buyer is paid tokens.
func (t *TradeLog) Buyer() platform.Principal {
	if t.PositionKind == Sell {
		return t.Purchaser
	}
	return t.Positor
}

func (t *TradeLog) SellPositionID() PositionID {
	if t.PositionKind == Sell {
		return t.PositionIDMatchee
	}
	return t.PositionIDMatcher
}

func (t *TradeLog) BuyPositionID() PositionID {
	if t.PositionKind == Sell {
		return t.PositionIDMatcher
	}
	return t.PositionIDMatchee
}

// Involves reports whether position id is either side of the trade.
func (t *TradeLog) Involves(id PositionID) bool {
	return t.PositionIDMatcher == id || t.PositionIDMatchee == id
}

// CyclesPayout is what the seller receives.
func (t *TradeLog) CyclesPayout() amount.Amount {
	return t.Cycles.Sub(t.CyclesPayoutFee)
}

// TokensPayout is what the buyer's subaccount is credited when the payee
// bears the ledger fee.
func (t *TradeLog) TokensPayout(ledgerFee amount.Amount) amount.Amount {
	return t.Tokens.Sub(t.TokensPayoutFee).Sub(ledgerFee)
}

func (t *TradeLog) IsComplete() bool {
	return t.CyclesPayoutData.IsComplete() && t.TokenPayoutData.IsComplete()
}

// LockedTokens is what the seller's subaccount still owes for this trade.
func (t *TradeLog) LockedTokens() amount.Amount {
	locked := amount.Zero
	if t.TokenPayoutData.TokenTransfer == nil {
		locked = locked.Add(t.Tokens.Sub(t.TokensPayoutFee))
	}
	if t.TokenPayoutData.TokenFeeCollection == nil {
		locked = locked.Add(t.TokensPayoutFee)
	}
	return locked
}

// Record is the archived form of the trade.
func (t *TradeLog) Record() TradeRecord {
	r := TradeRecord{
		ID:                t.ID,
		Positor:           t.Positor,
		Purchaser:         t.Purchaser,
		Tokens:            t.Tokens,
		Cycles:            t.Cycles,
		Rate:              t.Rate,
		PositionIDMatcher: t.PositionIDMatcher,
		PositionIDMatchee: t.PositionIDMatchee,
		PositionKind:      t.PositionKind,
		TimestampNanos:    t.TimestampNanos,
		TokensPayoutFee:   t.TokensPayoutFee,
		CyclesPayoutFee:   t.CyclesPayoutFee,
	}
	if tt := t.TokenPayoutData.TokenTransfer; tt != nil {
		r.TokenTransferBlock = tt.BlockHeight
	}
	if fc := t.TokenPayoutData.TokenFeeCollection; fc != nil {
		r.TokenFeeCollectionBlock = fc.BlockHeight
	}
	return r
}
