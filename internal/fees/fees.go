// Package fees computes the tiered trading fee charged on a fill.
//
// A position pays less per cycle the more volume it has already traded. The
// fill is split across tier boundaries starting at the position's next
// cycle, and each slice is charged at its tier's rate in units per 10_000.
package fees

import "github.com/cycles-transfer-station/cts-sub000/internal/amount"

// TCycles is 10^12 cycles.
var TCycles = amount.New(1_000_000_000_000)

// Tier charges FeePer10000 on cumulative volume up to Ceiling cycles.
type Tier struct {
	Ceiling     amount.Amount
	FeePer10000 amount.Amount
}

// Tiers is the fee table, ascending by ceiling. The last tier is unbounded.
var Tiers = []Tier{
	{Ceiling: amount.New(100_000).Mul(TCycles), FeePer10000: amount.New(50)},
	{Ceiling: amount.New(500_000).Mul(TCycles), FeePer10000: amount.New(30)},
	{Ceiling: amount.New(1_000_000).Mul(TCycles), FeePer10000: amount.New(10)},
	{Ceiling: amount.New(5_000_000).Mul(TCycles), FeePer10000: amount.New(5)},
	{Ceiling: amount.Max, FeePer10000: amount.New(1)},
}

var tenThousand = amount.New(10_000)

// Calculate returns the fee in cycles for a fill of size cycles by a
// position that has already traded volume cycles. A slice ending exactly on
// a ceiling belongs to the lower tier.
func Calculate(volume, size amount.Amount) amount.Amount {
	fee := amount.Zero
	pos := volume
	rest := size
	for _, tier := range Tiers {
		if rest.IsZero() {
			break
		}
		if pos.Gte(tier.Ceiling) {
			continue
		}
		slice := amount.Min(rest, tier.Ceiling.Sub(pos))
		fee = fee.Add(slice.Div(tenThousand).Mul(tier.FeePer10000))
		pos = pos.Add(slice)
		rest = rest.Sub(slice)
	}
	return fee
}
