package risk_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/risk"
)

func TestCheckOrderMarketBounds(t *testing.T) {
	l := risk.NewLimiter(0)
	m := &model.Market{MinTradeAmount: 10, MaxTradeAmount: 1000}

	assert.NoError(t, l.CheckOrder(m, 10, 0))
	assert.NoError(t, l.CheckOrder(m, 1000, 0))

	err := l.CheckOrder(m, 9, 0)
	assert.ErrorIs(t, err, model.ErrTradeLimitExceeded)

	err = l.CheckOrder(m, 1001, 0)
	assert.ErrorIs(t, err, model.ErrTradeLimitExceeded)
}

func TestCheckOrderUnboundedMarket(t *testing.T) {
	l := risk.NewLimiter(0)
	m := &model.Market{}

	assert.NoError(t, l.CheckOrder(m, 1, 0))
	assert.NoError(t, l.CheckOrder(m, 1<<40, 1<<40))
}

func TestCheckOrderExposureCap(t *testing.T) {
	l := risk.NewLimiter(500)
	m := &model.Market{}

	assert.NoError(t, l.CheckOrder(m, 200, 300))

	err := l.CheckOrder(m, 201, 300)
	assert.ErrorIs(t, err, model.ErrExposureLimitExceeded)
}
