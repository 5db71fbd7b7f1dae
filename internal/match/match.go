// Package match runs an incoming position against the opposing side of the
// book. The same procedure serves buys and sells: all side-specific
// arithmetic lives on model.Position.
package match

import (
	"fmt"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/book"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
)

// Params bound one matcher run.
type Params struct {
	// Minimum is minimum_tokens_match at the current ledger fee.
	Minimum amount.Amount
	// MaxTrades caps the trade logs one run may emit.
	MaxTrades int
	NowNanos  uint64
}

// Result of a run. Voided holds resting positions that filled, in the order
// they left the book.
type Result struct {
	Trades []*model.TradeLog
	Voided []*model.VoidPosition
}

// Run matches in against opposing, mutating both. Trades execute at the
// resting position's available rate; resting positions are visited in id
// order. Trade ids are taken from nextTradeID.
//
// Run does not rest or void in; the caller checks in.IsFilled afterwards.
func Run(in *model.Position, opposing *book.Side, nextTradeID *model.TradeID, p Params) Result {
	if opposing.Kind() != in.Kind.Opposite() {
		panic(fmt.Sprintf("match: %s position against %s side", in.Kind, opposing.Kind()))
	}

	var res Result
	done := func() bool {
		return in.IsFilled(p.Minimum) || len(res.Trades) >= p.MaxTrades
	}

	matchRate := in.AvailableRate()
	for !done() {
		for i := 0; i < opposing.Len() && !done(); {
			rest := opposing.At(i)
			tradeRate := rest.AvailableRate()
			if !in.Kind.Accepts(matchRate, tradeRate) {
				i++
				continue
			}
			tokens := amount.Min(in.RemainingTokensAt(tradeRate), rest.RemainingTokensAt(tradeRate))
			if tokens.Lt(p.Minimum) {
				i++
				continue
			}

			res.Trades = append(res.Trades, trade(in, rest, tokens, tradeRate, *nextTradeID, p.NowNanos))
			*nextTradeID++

			if rest.IsFilled(p.Minimum) {
				opposing.RemoveAt(i)
				res.Voided = append(res.Voided, rest.Void(model.CauseFill, p.NowNanos))
				continue
			}
			i++
		}

		next := in.AvailableRate()
		if !in.Kind.Accepts(next, matchRate) {
			panic(fmt.Sprintf("match: %s position %d available rate moved from %s to %s", in.Kind, in.ID, matchRate, next))
		}
		if next == matchRate {
			break
		}
		matchRate = next
	}
	return res
}

func trade(in, rest *model.Position, tokens, rate amount.Amount, id model.TradeID, now uint64) *model.TradeLog {
	inFee := in.Subtract(tokens, rate)
	restFee := rest.Subtract(tokens, rate)

	t := &model.TradeLog{
		ID:                id,
		PositionIDMatcher: in.ID,
		PositionIDMatchee: rest.ID,
		Positor:           rest.Positor,
		Purchaser:         in.Positor,
		Tokens:            tokens,
		Cycles:            tokens.Mul(rate),
		Rate:              rate,
		PositionKind:      rest.Kind,
		TimestampNanos:    now,
	}
	if in.Kind == model.Buy {
		t.TokensPayoutFee, t.CyclesPayoutFee = inFee, restFee
	} else {
		t.TokensPayoutFee, t.CyclesPayoutFee = restFee, inFee
	}
	return t
}
