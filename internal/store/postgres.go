package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/pricing"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are integer minor currency units stored as BIGINT;
// composites run inside a single transaction with row locks taken in a
// deterministic order (orders, then wallets ascending by id).
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the engine's tables when they do not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS markets (
			id TEXT PRIMARY KEY,
			market_code TEXT UNIQUE NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			open_at TIMESTAMPTZ NOT NULL,
			close_at TIMESTAMPTZ NOT NULL,
			min_trade_amount BIGINT NOT NULL DEFAULT 0,
			max_trade_amount BIGINT NOT NULL DEFAULT 0,
			total_volume BIGINT NOT NULL DEFAULT 0,
			yes_volume BIGINT NOT NULL DEFAULT 0,
			no_volume BIGINT NOT NULL DEFAULT 0,
			unique_traders BIGINT NOT NULL DEFAULT 0,
			last_yes_price BIGINT,
			last_no_price BIGINT,
			last_trade_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			user_id TEXT UNIQUE NOT NULL,
			balance_available BIGINT NOT NULL DEFAULT 0,
			balance_locked BIGINT NOT NULL DEFAULT 0,
			total_deposits BIGINT NOT NULL DEFAULT 0,
			total_withdrawals BIGINT NOT NULL DEFAULT 0,
			total_trades BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT balances_non_negative CHECK (balance_available >= 0 AND balance_locked >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			balance_before BIGINT NOT NULL,
			balance_after BIGINT NOT NULL,
			reference_type TEXT NOT NULL DEFAULT '',
			reference_id TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT entry_balances_exact CHECK (balance_after = balance_before + amount)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_entries (wallet_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			order_number TEXT UNIQUE NOT NULL,
			market_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			wallet_id TEXT NOT NULL,
			side TEXT NOT NULL,
			price BIGINT NOT NULL,
			quantity BIGINT NOT NULL,
			quantity_filled BIGINT NOT NULL DEFAULT 0,
			amount_locked BIGINT NOT NULL,
			amount_filled BIGINT NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			filled_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			expires_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT fill_within_quantity CHECK (quantity_filled >= 0 AND quantity_filled <= quantity)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_book ON orders (market_id, side, status, price, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_expiry ON orders (expires_at) WHERE status IN ('pending', 'open', 'partially_filled')`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			market_id TEXT NOT NULL,
			taker_order_id TEXT NOT NULL,
			maker_order_id TEXT NOT NULL,
			yes_order_id TEXT NOT NULL,
			no_order_id TEXT NOT NULL,
			yes_price BIGINT NOT NULL,
			no_price BIGINT NOT NULL,
			quantity BIGINT NOT NULL,
			yes_amount BIGINT NOT NULL,
			no_amount BIGINT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL,
			CONSTRAINT complementary_prices CHECK (yes_price + no_price <= 10000)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades (market_id, executed_at)`,
	}
	for _, q := range ddl {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, market_code, title, status, open_at, close_at,
	min_trade_amount, max_trade_amount, total_volume, yes_volume, no_volume,
	unique_traders, last_yes_price, last_no_price, last_trade_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	err := row.Scan(&m.ID, &m.MarketCode, &m.Title, &m.Status, &m.OpenAt, &m.CloseAt,
		&m.MinTradeAmount, &m.MaxTradeAmount, &m.TotalVolume, &m.YesVolume, &m.NoVolume,
		&m.UniqueTraders, &m.LastYesPrice, &m.LastNoPrice, &m.LastTradeAt, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (`+marketColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		m.ID, m.MarketCode, m.Title, m.Status, m.OpenAt, m.CloseAt,
		m.MinTradeAmount, m.MaxTradeAmount, m.TotalVolume, m.YesVolume, m.NoVolume,
		m.UniqueTraders, m.LastYesPrice, m.LastNoPrice, m.LastTradeAt, m.CreatedAt, m.UpdatedAt)
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketByCode(ctx context.Context, code string) (*model.Market, error) {
	m, err := scanMarket(s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE market_code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrMarketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get market by code %s: %w", code, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpdateMarketStats(ctx context.Context, marketID string, stats model.MarketStats) error {
	var err error
	if stats.LastYesPrice != nil && stats.LastNoPrice != nil {
		_, err = s.pool.Exec(ctx,
			`UPDATE markets SET total_volume = $2, yes_volume = $3, no_volume = $4,
			 unique_traders = $5, last_yes_price = $6, last_no_price = $7,
			 last_trade_at = $8, updated_at = NOW() WHERE id = $1`,
			marketID, stats.TotalVolume, stats.YesVolume, stats.NoVolume,
			stats.UniqueTraders, stats.LastYesPrice, stats.LastNoPrice, stats.LastTradeAt)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE markets SET total_volume = $2, yes_volume = $3, no_volume = $4,
			 unique_traders = $5, updated_at = NOW() WHERE id = $1`,
			marketID, stats.TotalVolume, stats.YesVolume, stats.NoVolume, stats.UniqueTraders)
	}
	return err
}

// --- Wallets and ledger ---

const walletColumns = `id, user_id, balance_available, balance_locked,
	total_deposits, total_withdrawals, total_trades, created_at, updated_at`

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	err := row.Scan(&w.ID, &w.UserID, &w.BalanceAvailable, &w.BalanceLocked,
		&w.TotalDeposits, &w.TotalWithdrawals, &w.TotalTrades, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *PostgresStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (`+walletColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.UserID, w.BalanceAvailable, w.BalanceLocked,
		w.TotalDeposits, w.TotalWithdrawals, w.TotalTrades, w.CreatedAt, w.UpdatedAt)
	return err
}

func (s *PostgresStore) GetWallet(ctx context.Context, id string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", id, err)
	}
	return w, nil
}

func (s *PostgresStore) GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error) {
	w, err := scanWallet(s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet for user %s: %w", userID, err)
	}
	return w, nil
}

func (s *PostgresStore) ApplyWalletOp(ctx context.Context, w *model.Wallet, entry *model.LedgerEntry) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := updateWallet(ctx, tx, w); err != nil {
			return err
		}
		return insertLedgerEntry(ctx, tx, entry)
	})
}

func updateWallet(ctx context.Context, tx pgx.Tx, w *model.Wallet) error {
	tag, err := tx.Exec(ctx,
		`UPDATE wallets SET balance_available = $2, balance_locked = $3,
		 total_deposits = $4, total_withdrawals = $5, total_trades = $6,
		 updated_at = $7 WHERE id = $1`,
		w.ID, w.BalanceAvailable, w.BalanceLocked,
		w.TotalDeposits, w.TotalWithdrawals, w.TotalTrades, w.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrWalletNotFound
	}
	return nil
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, wallet_id, user_id, transaction_type, amount,
		 balance_before, balance_after, reference_type, reference_id, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.WalletID, e.UserID, e.TransactionType, e.Amount,
		e.BalanceBefore, e.BalanceAfter, e.ReferenceType, e.ReferenceID, e.Description, e.CreatedAt)
	return err
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, walletID string, f LedgerFilter) ([]model.LedgerEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, wallet_id, user_id, transaction_type, amount,
		balance_before, balance_after, reference_type, reference_id, description, created_at
		FROM ledger_entries WHERE wallet_id = $1`
	args := []any{walletID}
	if f.Type != "" {
		query += ` AND transaction_type = $2`
		args = append(args, f.Type)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`, limit, f.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.UserID, &e.TransactionType, &e.Amount,
			&e.BalanceBefore, &e.BalanceAfter, &e.ReferenceType, &e.ReferenceID,
			&e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Orders ---

const orderColumns = `id, order_number, market_id, user_id, wallet_id, side, price,
	quantity, quantity_filled, amount_locked, amount_filled, status,
	created_at, updated_at, filled_at, cancelled_at, expires_at`

func scanOrder(row rowScanner) (*model.Order, error) {
	var o model.Order
	err := row.Scan(&o.ID, &o.OrderNumber, &o.MarketID, &o.UserID, &o.WalletID, &o.Side, &o.Price,
		&o.Quantity, &o.QuantityFilled, &o.AmountLocked, &o.AmountFilled, &o.Status,
		&o.CreatedAt, &o.UpdatedAt, &o.FilledAt, &o.CancelledAt, &o.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (`+orderColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		o.ID, o.OrderNumber, o.MarketID, o.UserID, o.WalletID, o.Side, o.Price,
		o.Quantity, o.QuantityFilled, o.AmountLocked, o.AmountFilled, o.Status,
		o.CreatedAt, o.UpdatedAt, o.FilledAt, o.CancelledAt, o.ExpiresAt)
	return err
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (s *PostgresStore) queryOrders(ctx context.Context, query string, args ...any) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (s *PostgresStore) ListUserOrders(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	if f.MarketID != "" {
		args = append(args, f.MarketID)
		query += fmt.Sprintf(` AND market_id = $%d`, len(args))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY created_at DESC`
	return s.queryOrders(ctx, query, args...)
}

func (s *PostgresStore) RestingOrders(ctx context.Context, marketID string, side model.Side, maxPrice int64) ([]model.Order, error) {
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE market_id = $1 AND side = $2 AND status IN ('open', 'partially_filled')
		   AND price <= $3
		 ORDER BY created_at ASC, id ASC`,
		marketID, side, maxPrice)
}

func (s *PostgresStore) ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.queryOrders(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE expires_at <= $1 AND status IN ('pending', 'open', 'partially_filled')
		 ORDER BY expires_at ASC LIMIT $2`,
		now, limit)
}

func (s *PostgresStore) LockedExposure(ctx context.Context, userID string) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(GREATEST(amount_locked - amount_filled, 0)), 0)
		 FROM orders
		 WHERE user_id = $1 AND status IN ('pending', 'open', 'partially_filled')`,
		userID).Scan(&total)
	return total, err
}

// --- Trades ---

func (s *PostgresStore) TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, taker_order_id, maker_order_id, yes_order_id, no_order_id,
		        yes_price, no_price, quantity, yes_amount, no_amount, executed_at
		 FROM trades WHERE market_id = $1 ORDER BY executed_at ASC`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.MarketID, &t.TakerOrderID, &t.MakerOrderID,
			&t.YesOrderID, &t.NoOrderID, &t.YesPrice, &t.NoPrice, &t.Quantity,
			&t.YesAmount, &t.NoAmount, &t.ExecutedAt); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// --- Atomic composites ---

func (s *PostgresStore) CommitMatch(ctx context.Context, c *MatchCommit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Lock and re-validate every order baseline first. A mismatch
		// means another writer consumed the liquidity since candidate
		// selection; the whole commit aborts and the engine retries.
		for _, b := range c.Baselines {
			var status model.OrderStatus
			var filled int64
			err := tx.QueryRow(ctx,
				`SELECT status, quantity_filled FROM orders WHERE id = $1 FOR UPDATE`,
				b.OrderID).Scan(&status, &filled)
			if errors.Is(err, pgx.ErrNoRows) {
				return model.ErrOrderNotFound
			}
			if err != nil {
				return err
			}
			if status != b.Status || filled != b.QuantityFilled {
				return model.ErrConcurrentModification
			}
		}

		if err := updateOrderTx(ctx, tx, c.Taker); err != nil {
			return err
		}
		for _, m := range c.Makers {
			if err := updateOrderTx(ctx, tx, m); err != nil {
				return err
			}
		}
		// Wallets arrive sorted ascending by id from the engine, keeping
		// the lock order deterministic across concurrent commits.
		for _, w := range c.Wallets {
			if err := updateWallet(ctx, tx, w); err != nil {
				return err
			}
		}
		for _, e := range c.Entries {
			if err := insertLedgerEntry(ctx, tx, e); err != nil {
				return err
			}
		}
		for _, t := range c.Trades {
			if _, err := tx.Exec(ctx,
				`INSERT INTO trades (id, market_id, taker_order_id, maker_order_id,
				 yes_order_id, no_order_id, yes_price, no_price, quantity,
				 yes_amount, no_amount, executed_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
				t.ID, t.MarketID, t.TakerOrderID, t.MakerOrderID,
				t.YesOrderID, t.NoOrderID, t.YesPrice, t.NoPrice, t.Quantity,
				t.YesAmount, t.NoAmount, t.ExecutedAt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PostgresStore) CommitRelease(ctx context.Context, c *ReleaseCommit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var status model.OrderStatus
		err := tx.QueryRow(ctx,
			`SELECT status FROM orders WHERE id = $1 FOR UPDATE`, c.Order.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if status != c.FromStatus {
			return model.ErrConcurrentModification
		}

		if err := updateOrderTx(ctx, tx, c.Order); err != nil {
			return err
		}
		if c.Wallet != nil {
			if err := updateWallet(ctx, tx, c.Wallet); err != nil {
				return err
			}
		}
		if c.Entry != nil {
			if err := insertLedgerEntry(ctx, tx, c.Entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func updateOrderTx(ctx context.Context, tx pgx.Tx, o *model.Order) error {
	tag, err := tx.Exec(ctx,
		`UPDATE orders SET quantity_filled = $2, amount_filled = $3, status = $4,
		 updated_at = $5, filled_at = $6, cancelled_at = $7 WHERE id = $1`,
		o.ID, o.QuantityFilled, o.AmountFilled, o.Status,
		o.UpdatedAt, o.FilledAt, o.CancelledAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrOrderNotFound
	}
	return nil
}

// --- Derived read models ---

func (s *PostgresStore) AggregateMarketStats(ctx context.Context, marketID string) (model.MarketStats, error) {
	var stats model.MarketStats
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_filled), 0),
		        COALESCE(SUM(CASE WHEN side = 'yes' THEN amount_filled ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN side = 'no' THEN amount_filled ELSE 0 END), 0),
		        COUNT(DISTINCT user_id)
		 FROM orders WHERE market_id = $1 AND quantity_filled > 0`,
		marketID).Scan(&stats.TotalVolume, &stats.YesVolume, &stats.NoVolume, &stats.UniqueTraders)
	if err != nil {
		return stats, err
	}

	lastBySide := func(side model.Side) (*int64, *time.Time, error) {
		var price int64
		var at time.Time
		err := s.pool.QueryRow(ctx,
			`SELECT price, updated_at FROM orders
			 WHERE market_id = $1 AND side = $2 AND quantity_filled > 0
			 ORDER BY updated_at DESC LIMIT 1`, marketID, side).Scan(&price, &at)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil
		}
		if err != nil {
			return nil, nil, err
		}
		return &price, &at, nil
	}

	yesPrice, yesAt, err := lastBySide(model.SideYes)
	if err != nil {
		return stats, err
	}
	noPrice, noAt, err := lastBySide(model.SideNo)
	if err != nil {
		return stats, err
	}
	if yesPrice != nil && noPrice != nil {
		stats.LastYesPrice = yesPrice
		stats.LastNoPrice = noPrice
		at := *yesAt
		if noAt.After(at) {
			at = *noAt
		}
		stats.LastTradeAt = &at
	}
	return stats, nil
}

func (s *PostgresStore) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT o.market_id,
		        COALESCE(SUM(CASE WHEN o.side = 'yes' THEN o.quantity_filled ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN o.side = 'no' THEN o.quantity_filled ELSE 0 END), 0),
		        COALESCE(SUM(o.amount_filled), 0),
		        COALESCE(m.last_yes_price, 5000),
		        COALESCE(m.last_no_price, 5000)
		 FROM orders o
		 JOIN markets m ON m.id = o.market_id
		 WHERE o.user_id = $1 AND o.quantity_filled > 0
		 GROUP BY o.market_id, m.last_yes_price, m.last_no_price
		 ORDER BY o.market_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var yesPrice, noPrice int64
		if err := rows.Scan(&p.MarketID, &p.YesShares, &p.NoShares, &p.CostBasis,
			&yesPrice, &noPrice); err != nil {
			return nil, err
		}
		p.UserID = userID
		p.CurrentValue = pricing.MarkToMarket(p.YesShares, p.NoShares, yesPrice, noPrice)
		p.UnrealizedPnL = p.CurrentValue.Sub(decimal64(p.CostBasis))
		positions = append(positions, p)
	}
	return positions, rows.Err()
}
