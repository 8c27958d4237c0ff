package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/pricing"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence). A single
// mutex guards every composite, which trivially satisfies the
// all-or-nothing contract.
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[string]*model.Market
	wallets  map[string]*model.Wallet
	orders   map[string]*model.Order
	orderSeq map[string]int64 // insertion order, FIFO tie-break at equal timestamps
	ledger   []model.LedgerEntry
	trades   []model.Trade
	nextSeq  int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]*model.Market),
		wallets:  make(map[string]*model.Wallet),
		orders:   make(map[string]*model.Order),
		orderSeq: make(map[string]int64),
	}
}

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	for _, existing := range s.markets {
		if existing.MarketCode == m.MarketCode {
			return fmt.Errorf("market code %s already exists", m.MarketCode)
		}
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, model.ErrMarketNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketByCode(_ context.Context, code string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.MarketCode == code {
			cp := *m
			return &cp, nil
		}
	}
	return nil, model.ErrMarketNotFound
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStats(_ context.Context, marketID string, stats model.MarketStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[marketID]
	if !ok {
		return model.ErrMarketNotFound
	}
	m.TotalVolume = stats.TotalVolume
	m.YesVolume = stats.YesVolume
	m.NoVolume = stats.NoVolume
	m.UniqueTraders = stats.UniqueTraders
	if stats.LastYesPrice != nil && stats.LastNoPrice != nil {
		m.LastYesPrice = stats.LastYesPrice
		m.LastNoPrice = stats.LastNoPrice
		m.LastTradeAt = stats.LastTradeAt
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Wallets and ledger ---

func (s *MemoryStore) CreateWallet(_ context.Context, w *model.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.wallets {
		if existing.UserID == w.UserID {
			return fmt.Errorf("wallet for user %s already exists", w.UserID)
		}
	}
	cp := *w
	s.wallets[w.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWallet(_ context.Context, id string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return nil, model.ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWalletByUser(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, w := range s.wallets {
		if w.UserID == userID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, model.ErrWalletNotFound
}

func (s *MemoryStore) ApplyWalletOp(_ context.Context, w *model.Wallet, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[w.ID]; !ok {
		return model.ErrWalletNotFound
	}
	cp := *w
	s.wallets[w.ID] = &cp
	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) LedgerEntries(_ context.Context, walletID string, f LedgerFilter) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []model.LedgerEntry
	for _, e := range s.ledger {
		if e.WalletID != walletID {
			continue
		}
		if f.Type != "" && e.TransactionType != f.Type {
			continue
		}
		matched = append(matched, e)
	}
	// Newest first; the slice is append-only so reversing suffices.
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if f.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[f.Offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// --- Orders ---

func (s *MemoryStore) CreateOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	cp := *o
	s.nextSeq++
	s.orders[o.ID] = &cp
	s.orderSeq[o.ID] = s.nextSeq
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, model.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) ListUserOrders(_ context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if f.MarketID != "" && o.MarketID != f.MarketID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) RestingOrders(_ context.Context, marketID string, side model.Side, maxPrice int64) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.MarketID != marketID || o.Side != side {
			continue
		}
		if !o.Status.Resting() || o.Price > maxPrice {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return s.orderSeq[result[i].ID] < s.orderSeq[result[j].ID]
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ExpiredOrders(_ context.Context, now time.Time, limit int) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, o := range s.orders {
		if o.Status.Terminal() || o.ExpiresAt.After(now) {
			continue
		}
		result = append(result, *o)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) LockedExposure(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var total int64
	for _, o := range s.orders {
		if o.UserID != userID {
			continue
		}
		if o.Status == model.OrderPending || o.Status.Resting() {
			total += o.RemainingLock()
		}
	}
	return total, nil
}

// --- Trades ---

func (s *MemoryStore) TradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			result = append(result, t)
		}
	}
	return result, nil
}

// --- Atomic composites ---

func (s *MemoryStore) CommitMatch(_ context.Context, c *MatchCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Re-validate every baseline before touching anything.
	for _, b := range c.Baselines {
		cur, ok := s.orders[b.OrderID]
		if !ok {
			return model.ErrOrderNotFound
		}
		if cur.Status != b.Status || cur.QuantityFilled != b.QuantityFilled {
			return model.ErrConcurrentModification
		}
	}

	s.putOrderLocked(c.Taker)
	for _, m := range c.Makers {
		s.putOrderLocked(m)
	}
	for _, w := range c.Wallets {
		cp := *w
		s.wallets[w.ID] = &cp
	}
	for _, e := range c.Entries {
		s.ledger = append(s.ledger, *e)
	}
	for _, t := range c.Trades {
		s.trades = append(s.trades, *t)
	}
	return nil
}

func (s *MemoryStore) CommitRelease(_ context.Context, c *ReleaseCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.orders[c.Order.ID]
	if !ok {
		return model.ErrOrderNotFound
	}
	if cur.Status != c.FromStatus {
		return model.ErrConcurrentModification
	}

	s.putOrderLocked(c.Order)
	if c.Wallet != nil {
		cp := *c.Wallet
		s.wallets[c.Wallet.ID] = &cp
	}
	if c.Entry != nil {
		s.ledger = append(s.ledger, *c.Entry)
	}
	return nil
}

func (s *MemoryStore) putOrderLocked(o *model.Order) {
	cp := *o
	s.orders[o.ID] = &cp
}

// --- Derived read models ---

func (s *MemoryStore) AggregateMarketStats(_ context.Context, marketID string) (model.MarketStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats model.MarketStats
	traders := make(map[string]struct{})
	var lastYes, lastNo *model.Order

	for _, o := range s.orders {
		if o.MarketID != marketID || o.QuantityFilled == 0 {
			continue
		}
		stats.TotalVolume += o.AmountFilled
		if o.Side == model.SideYes {
			stats.YesVolume += o.AmountFilled
			if lastYes == nil || o.UpdatedAt.After(lastYes.UpdatedAt) {
				lastYes = o
			}
		} else {
			stats.NoVolume += o.AmountFilled
			if lastNo == nil || o.UpdatedAt.After(lastNo.UpdatedAt) {
				lastNo = o
			}
		}
		traders[o.UserID] = struct{}{}
	}
	stats.UniqueTraders = int64(len(traders))

	// A price pair is only meaningful as a complementary quote, so last
	// prices are reported only when both sides have filled.
	if lastYes != nil && lastNo != nil {
		yes, no := lastYes.Price, lastNo.Price
		stats.LastYesPrice = &yes
		stats.LastNoPrice = &no
		at := lastYes.UpdatedAt
		if lastNo.UpdatedAt.After(at) {
			at = lastNo.UpdatedAt
		}
		stats.LastTradeAt = &at
	}
	return stats, nil
}

func (s *MemoryStore) UserPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]*model.Position)
	for _, o := range s.orders {
		if o.UserID != userID || o.QuantityFilled == 0 {
			continue
		}
		p, ok := agg[o.MarketID]
		if !ok {
			p = &model.Position{UserID: userID, MarketID: o.MarketID}
			agg[o.MarketID] = p
		}
		if o.Side == model.SideYes {
			p.YesShares += o.QuantityFilled
		} else {
			p.NoShares += o.QuantityFilled
		}
		p.CostBasis += o.AmountFilled
	}

	positions := make([]model.Position, 0, len(agg))
	for marketID, p := range agg {
		yesPrice, noPrice := model.PriceScale/2, model.PriceScale/2
		if m, ok := s.markets[marketID]; ok && m.LastYesPrice != nil && m.LastNoPrice != nil {
			yesPrice, noPrice = *m.LastYesPrice, *m.LastNoPrice
		}
		p.CurrentValue = pricing.MarkToMarket(p.YesShares, p.NoShares, yesPrice, noPrice)
		p.UnrealizedPnL = p.CurrentValue.Sub(decimal64(p.CostBasis))
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].MarketID < positions[j].MarketID
	})
	return positions, nil
}
