package match

import (
	"testing"

	"github.com/cycles-transfer-station/cts-sub000/internal/amount"
	"github.com/cycles-transfer-station/cts-sub000/internal/book"
	"github.com/cycles-transfer-station/cts-sub000/internal/model"
	"github.com/cycles-transfer-station/cts-sub000/internal/platform"
)

var (
	alice = platform.MustPrincipal([]byte("alice"))
	bob   = platform.MustPrincipal([]byte("bob"))
	carol = platform.MustPrincipal([]byte("carol"))
)

// Ledger fee zero: minimum_tokens_match is 10_000.
var params = Params{Minimum: amount.New(10_000), MaxTrades: 1000, NowNanos: 42}

func a(n uint64) amount.Amount { return amount.New(n) }

func position(id model.PositionID, who platform.Principal, kind model.PositionKind, tokens, rate uint64) *model.Position {
	return model.NewPosition(id, who, kind, model.Quest{Tokens: a(tokens), Rate: a(rate)}, 1)
}

func TestRun_SimpleCross(t *testing.T) {
	sells := book.NewSide(model.Sell)
	sells.Insert(position(0, alice, model.Sell, 1_000_000, 2))
	buy := position(1, bob, model.Buy, 1_000_000, 2)

	var next model.TradeID
	res := Run(buy, sells, &next, params)

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.ID != 0 || tr.Tokens != a(1_000_000) || tr.Cycles != a(2_000_000) || tr.Rate != a(2) {
		t.Errorf("unexpected trade %+v", tr)
	}
	if tr.Positor != alice || tr.Purchaser != bob || tr.PositionKind != model.Sell {
		t.Errorf("resting sell should be the positor, got %+v", tr)
	}
	if tr.PositionIDMatcher != 1 || tr.PositionIDMatchee != 0 {
		t.Errorf("unexpected matcher/matchee %d/%d", tr.PositionIDMatcher, tr.PositionIDMatchee)
	}
	// 2_000_000 cycles at 50 bps.
	if tr.CyclesPayoutFee != a(10_000) || tr.TokensPayoutFee != a(5_000) {
		t.Errorf("unexpected fees %s cycles %s tokens", tr.CyclesPayoutFee, tr.TokensPayoutFee)
	}
	if len(res.Voided) != 1 || res.Voided[0].Cause != model.CauseFill {
		t.Fatalf("resting sell should void with Fill")
	}
	if sells.Len() != 0 {
		t.Errorf("book should be empty")
	}
	if !buy.IsFilled(params.Minimum) {
		t.Errorf("incoming buy should be filled")
	}
	if next != 1 {
		t.Errorf("trade counter should advance to 1, got %d", next)
	}
}

func TestRun_PartialFillTimePriority(t *testing.T) {
	sells := book.NewSide(model.Sell)
	sells.Insert(position(0, alice, model.Sell, 50_000_000, 2))
	sells.Insert(position(1, carol, model.Sell, 50_000_000, 2))
	buy := position(2, bob, model.Buy, 80_000_000, 2)

	var next model.TradeID
	res := Run(buy, sells, &next, params)

	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].PositionIDMatchee != 0 || res.Trades[0].Tokens != a(50_000_000) {
		t.Errorf("older position fills first, got %+v", res.Trades[0])
	}
	if res.Trades[1].PositionIDMatchee != 1 || res.Trades[1].Tokens != a(30_000_000) {
		t.Errorf("second trade should take 30M from position 1, got %+v", res.Trades[1])
	}
	if len(res.Voided) != 1 || res.Voided[0].ID() != 0 {
		t.Fatalf("position 0 should void")
	}
	if sells.Len() != 1 || sells.At(0).Current != a(20_000_000) {
		t.Errorf("position 1 should rest with 20M")
	}
}

func TestRun_RateSweep(t *testing.T) {
	sells := book.NewSide(model.Sell)
	sells.Insert(position(0, alice, model.Sell, 100_000, 1))
	sells.Insert(position(1, carol, model.Sell, 100_000, 2))
	buy := position(2, bob, model.Buy, 200_000, 2)

	var next model.TradeID
	res := Run(buy, sells, &next, params)

	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].Rate != a(1) || res.Trades[0].Tokens != a(100_000) {
		t.Errorf("first trade at the maker rate 1, got %+v", res.Trades[0])
	}
	if res.Trades[1].Rate != a(2) || res.Trades[1].Tokens != a(100_000) {
		t.Errorf("second trade at 2, got %+v", res.Trades[1])
	}
	// Average cost stays within the quest: 300_000 of 400_000 cycles spent.
	if buy.PurchasesRatesTimesQuantitiesSum != a(300_000) || buy.Current != a(100_000) {
		t.Errorf("unexpected buyer state %+v", buy)
	}
}

func TestRun_SavingsOpenHigherLevels(t *testing.T) {
	// Position 1 at rate 3 is skipped on the first pass and reached once
	// cheap fills raise the buy's available rate.
	sells := book.NewSide(model.Sell)
	sells.Insert(position(0, carol, model.Sell, 100_000, 3))
	sells.Insert(position(1, alice, model.Sell, 100_000, 1))
	buy := position(2, bob, model.Buy, 200_000, 2)

	var next model.TradeID
	res := Run(buy, sells, &next, params)

	if len(res.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(res.Trades))
	}
	if res.Trades[0].PositionIDMatchee != 1 || res.Trades[1].PositionIDMatchee != 0 {
		t.Errorf("expected rate 1 first then rate 3 on the second pass")
	}
	if !buy.Current.IsZero() {
		t.Errorf("buyer should spend exactly its quest cycles, %s left", buy.Current)
	}
}

func TestRun_IncomingSellTakesBestBuys(t *testing.T) {
	buys := book.NewSide(model.Buy)
	buys.Insert(position(0, bob, model.Buy, 100_000, 1))
	buys.Insert(position(1, carol, model.Buy, 100_000, 5))
	sell := position(2, alice, model.Sell, 100_000, 3)

	var next model.TradeID
	res := Run(sell, buys, &next, params)

	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	tr := res.Trades[0]
	if tr.PositionIDMatchee != 1 || tr.Rate != a(5) {
		t.Errorf("sell should hit the rate-5 buy at its rate, got %+v", tr)
	}
	if tr.Positor != carol || tr.Purchaser != alice || tr.PositionKind != model.Buy {
		t.Errorf("unexpected sides %+v", tr)
	}
	if buys.Len() != 1 || buys.At(0).ID != 0 {
		t.Errorf("rate-1 buy should still rest")
	}
}

func TestRun_RestingAtMinimumKeepsResting(t *testing.T) {
	sells := book.NewSide(model.Sell)
	sells.Insert(position(0, alice, model.Sell, 30_000, 1))
	buy := position(1, bob, model.Buy, 20_000, 1)

	var next model.TradeID
	res := Run(buy, sells, &next, params)

	if len(res.Voided) != 0 || sells.Len() != 1 || sells.At(0).Current != a(10_000) {
		t.Fatalf("10_000 left equals the minimum and keeps resting")
	}

	sells2 := book.NewSide(model.Sell)
	sells2.Insert(position(0, alice, model.Sell, 30_000, 1))
	buy2 := position(1, bob, model.Buy, 20_001, 1)
	res = Run(buy2, sells2, &next, params)
	if len(res.Voided) != 1 || sells2.Len() != 0 {
		t.Fatalf("9_999 left should void the resting sell")
	}
}

func TestRun_IncompatibleRates(t *testing.T) {
	sells := book.NewSide(model.Sell)
	sells.Insert(position(0, alice, model.Sell, 100_000, 3))
	buy := position(1, bob, model.Buy, 100_000, 2)

	var next model.TradeID
	res := Run(buy, sells, &next, params)
	if len(res.Trades) != 0 || sells.Len() != 1 {
		t.Errorf("no trade expected")
	}
	if buy.IsFilled(params.Minimum) {
		t.Errorf("buy should rest untouched")
	}
}

func TestRun_MaxTrades(t *testing.T) {
	sells := book.NewSide(model.Sell)
	for i := 0; i < 5; i++ {
		sells.Insert(position(model.PositionID(i), alice, model.Sell, 10_000, 1))
	}
	buy := position(5, bob, model.Buy, 50_000, 1)

	var next model.TradeID
	p := params
	p.MaxTrades = 3
	res := Run(buy, sells, &next, p)
	if len(res.Trades) != 3 {
		t.Errorf("expected 3 trades, got %d", len(res.Trades))
	}
	if sells.Len() != 2 {
		t.Errorf("expected 2 resting sells, got %d", sells.Len())
	}
	for i, tr := range res.Trades {
		if tr.ID != model.TradeID(i) {
			t.Errorf("trade ids must be consecutive, got %d at %d", tr.ID, i)
		}
	}
}
