package store

import (
	"context"
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/pricing"
)

// SQLiteStore implements Store on an embedded SQLite database (pure Go
// driver) for single-node deployments. SQLite serializes writers, so gorm
// transactions are sufficient for the all-or-nothing composites.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (or creates) the database at path and migrates the
// schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&model.Market{}, &model.Wallet{}, &model.LedgerEntry{},
		&model.Order{}, &model.Trade{},
	); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// --- Markets ---

func (s *SQLiteStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *SQLiteStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) GetMarketByCode(ctx context.Context, code string) (*model.Market, error) {
	var m model.Market
	err := s.db.WithContext(ctx).First(&m, "market_code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	var markets []model.Market
	err := s.db.WithContext(ctx).Order("created_at DESC").Find(&markets).Error
	return markets, err
}

func (s *SQLiteStore) UpdateMarketStats(ctx context.Context, marketID string, stats model.MarketStats) error {
	updates := map[string]any{
		"total_volume":   stats.TotalVolume,
		"yes_volume":     stats.YesVolume,
		"no_volume":      stats.NoVolume,
		"unique_traders": stats.UniqueTraders,
		"updated_at":     time.Now().UTC(),
	}
	if stats.LastYesPrice != nil && stats.LastNoPrice != nil {
		updates["last_yes_price"] = *stats.LastYesPrice
		updates["last_no_price"] = *stats.LastNoPrice
		updates["last_trade_at"] = *stats.LastTradeAt
	}
	res := s.db.WithContext(ctx).Model(&model.Market{}).Where("id = ?", marketID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return model.ErrMarketNotFound
	}
	return nil
}

// --- Wallets and ledger ---

func (s *SQLiteStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return s.db.WithContext(ctx).Create(w).Error
}

func (s *SQLiteStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	err := s.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func walletUpdates(w *model.Wallet) map[string]any {
	return map[string]any{
		"balance_available": w.BalanceAvailable,
		"balance_locked":    w.BalanceLocked,
		"total_deposits":    w.TotalDeposits,
		"total_withdrawals": w.TotalWithdrawals,
		"total_trades":      w.TotalTrades,
		"updated_at":        w.UpdatedAt,
	}
}

func orderUpdates(o *model.Order) map[string]any {
	return map[string]any{
		"quantity_filled": o.QuantityFilled,
		"amount_filled":   o.AmountFilled,
		"status":          o.Status,
		"updated_at":      o.UpdatedAt,
		"filled_at":       o.FilledAt,
		"cancelled_at":    o.CancelledAt,
	}
}

func (s *SQLiteStore) ApplyWalletOp(ctx context.Context, w *model.Wallet, entry *model.LedgerEntry) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Wallet{}).Where("id = ?", w.ID).Updates(walletUpdates(w))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrWalletNotFound
		}
		return tx.Create(entry).Error
	})
}

func (s *SQLiteStore) LedgerEntries(ctx context.Context, walletID string, f LedgerFilter) ([]model.LedgerEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("wallet_id = ?", walletID)
	if f.Type != "" {
		q = q.Where("transaction_type = ?", f.Type)
	}
	var entries []model.LedgerEntry
	err := q.Order("created_at DESC, id DESC").Limit(limit).Offset(f.Offset).Find(&entries).Error
	return entries, err
}

// --- Orders ---

func (s *SQLiteStore) CreateOrder(ctx context.Context, o *model.Order) error {
	return s.db.WithContext(ctx).Create(o).Error
}

func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o model.Order
	err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *SQLiteStore) ListUserOrders(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if f.MarketID != "" {
		q = q.Where("market_id = ?", f.MarketID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	var orders []model.Order
	err := q.Order("created_at DESC").Find(&orders).Error
	return orders, err
}

func (s *SQLiteStore) RestingOrders(ctx context.Context, marketID string, side model.Side, maxPrice int64) ([]model.Order, error) {
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("market_id = ? AND side = ? AND status IN ? AND price <= ?",
			marketID, side, []model.OrderStatus{model.OrderOpen, model.OrderPartiallyFilled}, maxPrice).
		Order("created_at ASC, id ASC").
		Find(&orders).Error
	return orders, err
}

func (s *SQLiteStore) ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 500
	}
	var orders []model.Order
	err := s.db.WithContext(ctx).
		Where("expires_at <= ? AND status IN ?",
			now, []model.OrderStatus{model.OrderPending, model.OrderOpen, model.OrderPartiallyFilled}).
		Order("expires_at ASC").Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (s *SQLiteStore) LockedExposure(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Select("COALESCE(SUM(MAX(amount_locked - amount_filled, 0)), 0)").
		Where("user_id = ? AND status IN ?",
			userID, []model.OrderStatus{model.OrderPending, model.OrderOpen, model.OrderPartiallyFilled}).
		Scan(&total).Error
	return total, err
}

// --- Trades ---

func (s *SQLiteStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	var trades []model.Trade
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).Order("executed_at ASC").
		Find(&trades).Error
	return trades, err
}

// --- Atomic composites ---

func (s *SQLiteStore) CommitMatch(ctx context.Context, c *MatchCommit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, b := range c.Baselines {
			var cur model.Order
			err := tx.First(&cur, "id = ?", b.OrderID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return model.ErrOrderNotFound
			}
			if err != nil {
				return err
			}
			if cur.Status != b.Status || cur.QuantityFilled != b.QuantityFilled {
				return model.ErrConcurrentModification
			}
		}

		orders := append([]*model.Order{c.Taker}, c.Makers...)
		for _, o := range orders {
			res := tx.Model(&model.Order{}).Where("id = ?", o.ID).Updates(orderUpdates(o))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return model.ErrOrderNotFound
			}
		}
		for _, w := range c.Wallets {
			res := tx.Model(&model.Wallet{}).Where("id = ?", w.ID).Updates(walletUpdates(w))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return model.ErrWalletNotFound
			}
		}
		for _, e := range c.Entries {
			if err := tx.Create(e).Error; err != nil {
				return err
			}
		}
		for _, t := range c.Trades {
			if err := tx.Create(t).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLiteStore) CommitRelease(ctx context.Context, c *ReleaseCommit) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur model.Order
		err := tx.First(&cur, "id = ?", c.Order.ID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return model.ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if cur.Status != c.FromStatus {
			return model.ErrConcurrentModification
		}

		res := tx.Model(&model.Order{}).Where("id = ?", c.Order.ID).Updates(orderUpdates(c.Order))
		if res.Error != nil {
			return res.Error
		}
		if c.Wallet != nil {
			res := tx.Model(&model.Wallet{}).Where("id = ?", c.Wallet.ID).Updates(walletUpdates(c.Wallet))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return model.ErrWalletNotFound
			}
		}
		if c.Entry != nil {
			if err := tx.Create(c.Entry).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Derived read models ---

func (s *SQLiteStore) AggregateMarketStats(ctx context.Context, marketID string) (model.MarketStats, error) {
	var stats model.MarketStats
	row := struct {
		Total   int64
		Yes     int64
		No      int64
		Traders int64
	}{}
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Select(`COALESCE(SUM(amount_filled), 0) AS total,
			COALESCE(SUM(CASE WHEN side = 'yes' THEN amount_filled ELSE 0 END), 0) AS yes,
			COALESCE(SUM(CASE WHEN side = 'no' THEN amount_filled ELSE 0 END), 0) AS no,
			COUNT(DISTINCT user_id) AS traders`).
		Where("market_id = ? AND quantity_filled > 0", marketID).
		Scan(&row).Error
	if err != nil {
		return stats, err
	}
	stats.TotalVolume = row.Total
	stats.YesVolume = row.Yes
	stats.NoVolume = row.No
	stats.UniqueTraders = row.Traders

	lastBySide := func(side model.Side) (*model.Order, error) {
		var o model.Order
		err := s.db.WithContext(ctx).
			Where("market_id = ? AND side = ? AND quantity_filled > 0", marketID, side).
			Order("updated_at DESC").First(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return &o, nil
	}

	lastYes, err := lastBySide(model.SideYes)
	if err != nil {
		return stats, err
	}
	lastNo, err := lastBySide(model.SideNo)
	if err != nil {
		return stats, err
	}
	if lastYes != nil && lastNo != nil {
		stats.LastYesPrice = &lastYes.Price
		stats.LastNoPrice = &lastNo.Price
		at := lastYes.UpdatedAt
		if lastNo.UpdatedAt.After(at) {
			at = lastNo.UpdatedAt
		}
		stats.LastTradeAt = &at
	}
	return stats, nil
}

func (s *SQLiteStore) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var rows []struct {
		MarketID  string
		YesShares int64
		NoShares  int64
		CostBasis int64
		YesPrice  int64
		NoPrice   int64
	}
	err := s.db.WithContext(ctx).Model(&model.Order{}).
		Select(`orders.market_id AS market_id,
			COALESCE(SUM(CASE WHEN orders.side = 'yes' THEN orders.quantity_filled ELSE 0 END), 0) AS yes_shares,
			COALESCE(SUM(CASE WHEN orders.side = 'no' THEN orders.quantity_filled ELSE 0 END), 0) AS no_shares,
			COALESCE(SUM(orders.amount_filled), 0) AS cost_basis,
			COALESCE(markets.last_yes_price, 5000) AS yes_price,
			COALESCE(markets.last_no_price, 5000) AS no_price`).
		Joins("JOIN markets ON markets.id = orders.market_id").
		Where("orders.user_id = ? AND orders.quantity_filled > 0", userID).
		Group("orders.market_id, markets.last_yes_price, markets.last_no_price").
		Order("orders.market_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	positions := make([]model.Position, 0, len(rows))
	for _, r := range rows {
		p := model.Position{
			UserID:    userID,
			MarketID:  r.MarketID,
			YesShares: r.YesShares,
			NoShares:  r.NoShares,
			CostBasis: r.CostBasis,
		}
		p.CurrentValue = pricing.MarkToMarket(p.YesShares, p.NoShares, r.YesPrice, r.NoPrice)
		p.UnrealizedPnL = p.CurrentValue.Sub(decimal64(p.CostBasis))
		positions = append(positions, p)
	}
	return positions, nil
}
