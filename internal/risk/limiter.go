// Package risk enforces pre-trade limits at order placement, before any
// funds are locked.
package risk

import (
	"fmt"

	"github.com/predikta/exchange-engine/internal/model"
)

// Limiter validates an order's notional against the market's per-order
// bounds and the user's total open exposure.
type Limiter struct {
	maxOpenExposure int64 // cap on a user's summed remaining locks; 0 disables
}

// NewLimiter creates a limiter. maxOpenExposure of 0 disables the
// exposure cap.
func NewLimiter(maxOpenExposure int64) *Limiter {
	return &Limiter{maxOpenExposure: maxOpenExposure}
}

// CheckOrder validates a prospective order locking lockAmount on a market,
// given the user's current open exposure (sum of remaining locks across
// live orders).
func (l *Limiter) CheckOrder(m *model.Market, lockAmount, currentExposure int64) error {
	if m.MinTradeAmount > 0 && lockAmount < m.MinTradeAmount {
		return fmt.Errorf("order amount %d below market minimum %d: %w",
			lockAmount, m.MinTradeAmount, model.ErrTradeLimitExceeded)
	}
	if m.MaxTradeAmount > 0 && lockAmount > m.MaxTradeAmount {
		return fmt.Errorf("order amount %d above market maximum %d: %w",
			lockAmount, m.MaxTradeAmount, model.ErrTradeLimitExceeded)
	}
	if l.maxOpenExposure > 0 && currentExposure+lockAmount > l.maxOpenExposure {
		return fmt.Errorf("open exposure %d would exceed limit %d: %w",
			currentExposure+lockAmount, l.maxOpenExposure, model.ErrExposureLimitExceeded)
	}
	return nil
}
