package pricing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/pricing"
)

func TestValidPrice(t *testing.T) {
	assert.True(t, pricing.ValidPrice(0))
	assert.True(t, pricing.ValidPrice(10000))
	assert.True(t, pricing.ValidPrice(6000))
	assert.False(t, pricing.ValidPrice(-1))
	assert.False(t, pricing.ValidPrice(10001))
}

func TestCompatible(t *testing.T) {
	// 6000 + 3500 = 9500, tradeable.
	assert.True(t, pricing.Compatible(6000, 3500))
	// Exact boundary: combined cost equals the payout unit.
	assert.True(t, pricing.Compatible(6000, 4000))
	// One basis point over.
	assert.False(t, pricing.Compatible(6000, 4001))
}

func TestCostFloors(t *testing.T) {
	assert.Equal(t, int64(6), pricing.Cost(6000, 10))
	// 3500 * 1 / 10000 = 0.35 → 0
	assert.Equal(t, int64(0), pricing.Cost(3500, 1))
	// 9999 * 3 / 10000 = 2.9997 → 2
	assert.Equal(t, int64(2), pricing.Cost(9999, 3))
	assert.Equal(t, int64(0), pricing.Cost(0, 100))
}

func TestExecuteTakerPolicy(t *testing.T) {
	// NO taker at 3500 against a resting YES at 6000, qty 10: the taker's
	// price binds, so the taker pays floor(3500*10/10000) = 3 and the
	// maker the complement, floor(6500*10/10000) = 6.
	ex := pricing.Execute(pricing.PolicyTaker, model.SideNo, 3500, 6000, 10)

	assert.Equal(t, int64(3), ex.TakerAmount)
	assert.Equal(t, int64(6), ex.MakerAmount)
	assert.Equal(t, int64(6500), ex.YesPrice)
	assert.Equal(t, int64(3500), ex.NoPrice)
}

func TestExecuteTakerPolicyYesTaker(t *testing.T) {
	ex := pricing.Execute(pricing.PolicyTaker, model.SideYes, 6000, 3000, 10)

	assert.Equal(t, int64(6), ex.TakerAmount)
	assert.Equal(t, int64(4), ex.MakerAmount)
	assert.Equal(t, int64(6000), ex.YesPrice)
	assert.Equal(t, int64(4000), ex.NoPrice)
}

func TestExecuteMakerPolicy(t *testing.T) {
	// Under the conventional rule the resting order's price binds: the NO
	// taker pays the complement of the maker's 6000.
	ex := pricing.Execute(pricing.PolicyMaker, model.SideNo, 3500, 6000, 10)

	assert.Equal(t, int64(4), ex.TakerAmount)
	assert.Equal(t, int64(6), ex.MakerAmount)
	assert.Equal(t, int64(6000), ex.YesPrice)
	assert.Equal(t, int64(4000), ex.NoPrice)
}

func TestExecutePricesComplementary(t *testing.T) {
	for _, policy := range []pricing.PricePolicy{pricing.PolicyTaker, pricing.PolicyMaker} {
		ex := pricing.Execute(policy, model.SideYes, 5500, 4000, 7)
		assert.Equal(t, model.PriceScale, ex.YesPrice+ex.NoPrice, "policy %s", policy)
		assert.LessOrEqual(t, ex.TakerAmount+ex.MakerAmount, pricing.Cost(model.PriceScale, 7))
	}
}

func TestImplied(t *testing.T) {
	assert.True(t, pricing.Implied(6000).Equal(decimal.RequireFromString("0.6")))
	assert.True(t, pricing.Implied(1).Equal(decimal.RequireFromString("0.0001")))
}

func TestMarkToMarket(t *testing.T) {
	// 10 YES at 6000 plus 5 NO at 4000 = (60000 + 20000) / 10000 = 8.
	v := pricing.MarkToMarket(10, 5, 6000, 4000)
	assert.True(t, v.Equal(decimal.NewFromInt(8)), "got %s", v)
}
