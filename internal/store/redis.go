package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/predikta/exchange-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for the
// hot read paths: market lookups and derived user positions. Writes go to
// the primary store and invalidate the affected keys; the matching path
// never depends on cache freshness for correctness.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, rdb: rdb, ttl: ttl}
}

func marketKey(id string) string       { return fmt.Sprintf("market:%s", id) }
func marketCodeKey(code string) string { return fmt.Sprintf("market_code:%s", code) }
func positionsKey(userID string) string {
	return fmt.Sprintf("positions:%s", userID)
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketByCode(ctx context.Context, code string) (*model.Market, error) {
	id, err := s.rdb.Get(ctx, marketCodeKey(code)).Result()
	if err == nil {
		return s.GetMarket(ctx, id)
	}

	m, err := s.Store.GetMarketByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, marketCodeKey(code), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.Store.UserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through invalidation ---

func (s *CachedStore) UpdateMarketStats(ctx context.Context, marketID string, stats model.MarketStats) error {
	if err := s.Store.UpdateMarketStats(ctx, marketID, stats); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(marketID))
	return nil
}

func (s *CachedStore) CommitMatch(ctx context.Context, c *MatchCommit) error {
	if err := s.Store.CommitMatch(ctx, c); err != nil {
		return err
	}
	keys := []string{marketKey(c.MarketID)}
	for _, w := range c.Wallets {
		keys = append(keys, positionsKey(w.UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

func (s *CachedStore) CommitRelease(ctx context.Context, c *ReleaseCommit) error {
	if err := s.Store.CommitRelease(ctx, c); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(c.Order.MarketID), positionsKey(c.Order.UserID))
	return nil
}

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}
