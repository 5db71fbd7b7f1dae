// Package model defines the trade contract's domain types: resting and void
// positions, trade logs with their payout state, position logs and the
// fixed-width records they archive as.
package model

import (
	"errors"
	"fmt"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/fees"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

// PositionID and TradeID are separate monotonic counters, never reused.
type (
	PositionID uint64
	TradeID    uint64
)

// PositionKind is the side of a position. A buy position is funded with
// cycles and acquires tokens; a sell position is funded with tokens.
type PositionKind uint8

const (
	Buy PositionKind = iota
	Sell
)

func (k PositionKind) String() string {
	if k == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the side a position of kind k matches against.
func (k PositionKind) Opposite() PositionKind {
	if k == Sell {
		return Buy
	}
	return Sell
}

func (k PositionKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *PositionKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buy":
		*k = Buy
	case "sell":
		*k = Sell
	default:
		return fmt.Errorf("model: unknown position kind %q", b)
	}
	return nil
}

var (
	ErrRateZero           = errors.New("model: cycles_per_token_rate must be greater than zero")
	ErrBelowMinimumTokens = errors.New("model: tokens below minimum_tokens_match")
)

// MinimumTokensMatch is the smallest fill, and the smallest remainder a
// position may rest with, given the ledger's transfer fee.
func MinimumTokensMatch(ledgerFee amount.Amount) amount.Amount {
	return amount.New(10_000).Add(amount.New(100).Mul(ledgerFee))
}

// Quest is the limit of a position: up to Tokens at Rate cycles per token.
type Quest struct {
	Tokens amount.Amount `json:"tokens" msgpack:"tokens"`
	Rate   amount.Amount `json:"cycles_per_token_rate" msgpack:"rate"`
}

// Validate checks the quest against the current minimum.
func (q Quest) Validate(minimum amount.Amount) error {
	if q.Rate.IsZero() {
		return ErrRateZero
	}
	if q.Tokens.Lt(minimum) {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinimumTokens, q.Tokens, minimum)
	}
	return nil
}

// Cycles is the cycles value of the whole quest.
func (q Quest) Cycles() amount.Amount { return q.Tokens.Mul(q.Rate) }

// Position is a resting limit order.
//
// Current is the unspent funding: cycles for a buy, tokens for a sell.
// PurchasesRatesTimesQuantitiesSum is the cycles value of all fills so far
// and doubles as the position's traded volume for the fee tiers.
// PayoutsFeesSum is in the unit the position receives: tokens for a buy,
// cycles for a sell.
type Position struct {
	ID                               PositionID         `json:"id" msgpack:"id"`
	Positor                          platform.Principal `json:"positor" msgpack:"positor"`
	Quest                            Quest              `json:"match_quest" msgpack:"quest"`
	Kind                             PositionKind       `json:"kind" msgpack:"kind"`
	Current                          amount.Amount      `json:"current" msgpack:"current"`
	FilledTokens                     amount.Amount      `json:"filled_tokens" msgpack:"filled_tokens"`
	PurchasesRatesTimesQuantitiesSum amount.Amount      `json:"purchases_rates_times_quantities_sum" msgpack:"purchases_sum"`
	PayoutsFeesSum                   amount.Amount      `json:"payouts_fees_sum" msgpack:"payouts_fees_sum"`
	TimestampNanos                   uint64             `json:"timestamp_nanos" msgpack:"ts"`
}

// NewPosition opens a position funded with the full quest.
func NewPosition(id PositionID, positor platform.Principal, kind PositionKind, quest Quest, nowNanos uint64) *Position {
	p := &Position{
		ID:             id,
		Positor:        positor,
		Quest:          quest,
		Kind:           kind,
		TimestampNanos: nowNanos,
	}
	if kind == Buy {
		p.Current = quest.Cycles()
	} else {
		p.Current = quest.Tokens
	}
	return p
}

// remainingQuestTokens is how many tokens the position may still trade.
func (p *Position) remainingQuestTokens() amount.Amount {
	if p.Kind == Buy {
		return p.Quest.Tokens.Sub(p.FilledTokens)
	}
	return p.Current
}

// AvailableRate is the rate the position still accepts for its remaining
// tokens while keeping its average within the quest rate. A buy's rate
// never falls as it fills and a sell's rate never rises.
func (p *Position) AvailableRate() amount.Amount {
	rem := p.remainingQuestTokens()
	if rem.IsZero() {
		return p.Quest.Rate
	}
	if p.Kind == Buy {
		return p.Current.Div(rem)
	}
	owed := p.Quest.Cycles().Sub(p.PurchasesRatesTimesQuantitiesSum)
	r := owed.DivCeil(rem)
	if r.IsZero() {
		return amount.New(1)
	}
	return r
}

// RemainingTokensAt is how many tokens the position can trade at rate.
func (p *Position) RemainingTokensAt(rate amount.Amount) amount.Amount {
	if p.Kind == Sell {
		return p.Current
	}
	if rate.IsZero() {
		return amount.Zero
	}
	return amount.Min(p.remainingQuestTokens(), p.Current.Div(rate))
}

// Accepts reports whether a counterparty offering rate is at least as good
// as limit for a position of kind k.
func (k PositionKind) Accepts(limit, rate amount.Amount) bool {
	if k == Buy {
		return rate.Lte(limit)
	}
	return rate.Gte(limit)
}

// Subtract records a fill of tokens at rate and returns the fee the position
// pays, in the unit it receives.
func (p *Position) Subtract(tokens, rate amount.Amount) amount.Amount {
	cost := tokens.Mul(rate)
	feeCycles := fees.Calculate(p.PurchasesRatesTimesQuantitiesSum, cost)
	p.PurchasesRatesTimesQuantitiesSum = p.PurchasesRatesTimesQuantitiesSum.Add(cost)
	p.FilledTokens = p.FilledTokens.Add(tokens)

	var fee amount.Amount
	if p.Kind == Buy {
		if p.Current.Lt(cost) {
			panic(fmt.Sprintf("model: buy position %d cannot cover %s cycles with %s", p.ID, cost, p.Current))
		}
		p.Current = p.Current.Sub(cost)
		fee = feeCycles.Div(rate)
	} else {
		if p.Current.Lt(tokens) {
			panic(fmt.Sprintf("model: sell position %d cannot cover %s tokens with %s", p.ID, tokens, p.Current))
		}
		p.Current = p.Current.Sub(tokens)
		fee = feeCycles
	}
	p.PayoutsFeesSum = p.PayoutsFeesSum.Add(fee)
	return fee
}

// IsFilled reports whether the position can no longer rest: its tradable
// tokens at its own available rate are under minimum.
func (p *Position) IsFilled(minimum amount.Amount) bool {
	return p.RemainingTokensAt(p.AvailableRate()).Lt(minimum)
}

// Log projects the position onto its archived form. Termination is nil for
// a live position.
func (p *Position) Log() PositionLog {
	avg := amount.Zero
	if !p.FilledTokens.IsZero() {
		avg = p.PurchasesRatesTimesQuantitiesSum.Div(p.FilledTokens)
	}
	return PositionLog{
		ID:                     p.ID,
		Positor:                p.Positor,
		Quest:                  p.Quest,
		Kind:                   p.Kind,
		Mainder:                p.Current,
		FillTokens:             p.FilledTokens,
		FillAverageRate:        avg,
		PayoutsFeesSum:         p.PayoutsFeesSum,
		CreationTimestampNanos: p.TimestampNanos,
	}
}
