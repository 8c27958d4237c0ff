// Package stats recomputes per-market aggregates from the order store.
// The aggregates written back to a market are a cache over filled orders,
// never a source of truth, so a refresh is always safe to repeat.
package stats

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/store"
)

// Aggregator refreshes market statistics after trades.
type Aggregator struct {
	store store.Store
	log   *slog.Logger
}

// New creates an aggregator over the given store.
func New(st store.Store, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: st, log: log}
}

// Refresh recomputes a market's aggregates from its orders and writes them
// back to the market record.
func (a *Aggregator) Refresh(ctx context.Context, marketID string) (model.MarketStats, error) {
	stats, err := a.store.AggregateMarketStats(ctx, marketID)
	if err != nil {
		return model.MarketStats{}, fmt.Errorf("aggregate market %s: %w", marketID, err)
	}
	if err := a.store.UpdateMarketStats(ctx, marketID, stats); err != nil {
		return model.MarketStats{}, fmt.Errorf("update market %s stats: %w", marketID, err)
	}

	a.log.Debug("market stats refreshed",
		"market_id", marketID,
		"total_volume", stats.TotalVolume,
		"unique_traders", stats.UniqueTraders,
	)
	return stats, nil
}
