package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/predikta/exchange-engine/internal/metrics"
	"github.com/predikta/exchange-engine/internal/model"
)

// sweepBatchSize bounds how many due orders one sweep pass loads.
const sweepBatchSize = 200

// Sweeper periodically expires live orders whose expiry has passed.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper creates a sweeper over the engine. interval defaults to one
// minute.
func NewSweeper(e *Engine, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{engine: e, interval: interval, log: log}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			expired, err := s.engine.ExpireDue(ctx, time.Now().UTC())
			if err != nil {
				s.log.Error("expiry sweep failed", "err", err)
			}
			if expired > 0 {
				s.log.Info("orders expired", "count", expired)
			}
		}
	}
}

// ExpireDue transitions every live order with expiresAt <= now to expired
// and releases its remaining lock. Pending orders are in scope: one whose
// match never completed would otherwise hold its reservation forever. One
// failing order is logged and skipped; the sweep continues with the rest.
// Returns the number of orders expired.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.ExpiredOrders(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range due {
		if err := e.expireOne(ctx, due[i].ID); err != nil {
			e.log.Error("expire order failed",
				"order_id", due[i].ID,
				"order_number", due[i].OrderNumber,
				"err", err,
			)
			continue
		}
		expired++
		metrics.OrdersExpired.Inc()
	}
	return expired, nil
}

// expireOne expires a single order under its market's hold, re-reading
// current state so a fill or cancellation that won the race is respected.
func (e *Engine) expireOne(ctx context.Context, orderID string) error {
	order, err := e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	release := e.holdMarket(order.MarketID)
	defer release()

	order, err = e.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.Terminal() {
		return nil
	}
	return e.releaseOrder(ctx, order, model.OrderExpired)
}
