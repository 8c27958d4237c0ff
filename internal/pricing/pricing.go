// Package pricing implements the exchange's fixed-point price arithmetic.
//
// A binary market quotes both outcomes in basis points of implied
// probability: a YES share at price p pays out the full unit (10000) on a
// YES resolution and costs floor(p·qty/10000) minor currency units. Two
// orders can trade only when their combined prices do not exceed the payout
// unit, so the exchange never collects less than it may owe.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/predikta/exchange-engine/internal/model"
)

// PricePolicy selects which order's price binds a trade.
type PricePolicy string

const (
	// PolicyTaker settles at the taker's requested price. This favors
	// execution certainty over price improvement for the resting maker.
	PolicyTaker PricePolicy = "taker"
	// PolicyMaker settles at the resting order's price, the conventional
	// price-time-priority rule.
	PolicyMaker PricePolicy = "maker"
)

// Valid reports whether p is a known policy.
func (p PricePolicy) Valid() bool {
	return p == PolicyTaker || p == PolicyMaker
}

// ValidPrice reports whether p is inside the basis-point range.
func ValidPrice(p int64) bool {
	return p >= 0 && p <= model.PriceScale
}

// Compatible reports whether a YES order at yesPrice can trade against a NO
// order at noPrice: the combined cost of the complementary pair must not
// exceed the payout unit.
func Compatible(yesPrice, noPrice int64) bool {
	return yesPrice+noPrice <= model.PriceScale
}

// Cost returns the funds required for qty shares at price, in minor
// currency units, rounded down. Both sides quote their own outcome, so the
// formula is side-independent.
func Cost(price, qty int64) int64 {
	return price * qty / model.PriceScale
}

// Execution is the priced outcome of matching a taker against one maker for
// a given quantity.
type Execution struct {
	YesPrice    int64 // binding price of the YES side
	NoPrice     int64 // complementary NO price, YesPrice + NoPrice = 10000
	TakerAmount int64
	MakerAmount int64
}

// Execute prices one fill of qty shares. Under PolicyTaker the taker's
// price binds both legs; under PolicyMaker the resting maker's price does.
// The non-binding side settles at the complement, so the two amounts always
// sum to at most Cost(PriceScale, qty).
func Execute(policy PricePolicy, takerSide model.Side, takerPrice, makerPrice, qty int64) Execution {
	var takerSidePrice int64
	switch policy {
	case PolicyMaker:
		takerSidePrice = model.PriceScale - makerPrice
	default:
		takerSidePrice = takerPrice
	}

	ex := Execution{
		TakerAmount: Cost(takerSidePrice, qty),
		MakerAmount: Cost(model.PriceScale-takerSidePrice, qty),
	}
	if takerSide == model.SideYes {
		ex.YesPrice = takerSidePrice
	} else {
		ex.YesPrice = model.PriceScale - takerSidePrice
	}
	ex.NoPrice = model.PriceScale - ex.YesPrice
	return ex
}

var priceScaleDec = decimal.NewFromInt(model.PriceScale)

// Implied converts a basis-point price to an implied probability decimal.
func Implied(price int64) decimal.Decimal {
	return decimal.NewFromInt(price).DivRound(priceScaleDec, 4)
}

// MarkToMarket values a holding of yes and no shares against last traded
// prices, in minor currency units as a decimal.
func MarkToMarket(yesShares, noShares, lastYesPrice, lastNoPrice int64) decimal.Decimal {
	yes := decimal.NewFromInt(yesShares).Mul(decimal.NewFromInt(lastYesPrice))
	no := decimal.NewFromInt(noShares).Mul(decimal.NewFromInt(lastNoPrice))
	return yes.Add(no).DivRound(priceScaleDec, 2)
}
