// Package store defines the persistence interface for the exchange engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded
// single-node deployments), Redis (read-through cache wrapper), and
// in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/predikta/exchange-engine/internal/model"
)

func decimal64(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// LedgerFilter narrows ledger history queries. Zero values mean no filter;
// a zero Limit defaults to 50.
type LedgerFilter struct {
	Type   model.TransactionType
	Limit  int
	Offset int
}

// OrderFilter narrows per-user order queries.
type OrderFilter struct {
	MarketID string
	Status   model.OrderStatus
}

// OrderBaseline is the engine's snapshot of an order's mutable state at
// candidate-selection time. Commits re-validate baselines inside the
// transaction and abort with model.ErrConcurrentModification on mismatch,
// so stale candidates can never consume the same resting liquidity twice.
type OrderBaseline struct {
	OrderID        string
	Status         model.OrderStatus
	QuantityFilled int64
}

// MatchCommit is the atomic unit produced by one match invocation: updated
// order rows, wallet mutations with their paired ledger entries, and the
// executed trades. Either every change commits or none do.
type MatchCommit struct {
	MarketID  string
	Taker     *model.Order
	Makers    []*model.Order
	Baselines []OrderBaseline
	Wallets   []*model.Wallet
	Entries   []*model.LedgerEntry
	Trades    []*model.Trade
}

// ReleaseCommit atomically transitions one order out of the book
// (cancellation or expiry) and returns its remaining lock to the wallet.
// FromStatus is re-validated inside the transaction. Wallet and Entry are
// nil when there is nothing left to release.
type ReleaseCommit struct {
	Order      *model.Order
	FromStatus model.OrderStatus
	Wallet     *model.Wallet
	Entry      *model.LedgerEntry
}

// Store is the persistence interface. All mutating composites are atomic:
// partial success is disallowed.
type Store interface {
	// --- Markets (catalog owned externally; engine reads the window and
	// writes derived aggregates) ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketByCode(ctx context.Context, code string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	UpdateMarketStats(ctx context.Context, marketID string, stats model.MarketStats) error

	// --- Wallets and the append-only ledger ---

	CreateWallet(ctx context.Context, w *model.Wallet) error
	GetWallet(ctx context.Context, id string) (*model.Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*model.Wallet, error)

	// ApplyWalletOp persists one wallet mutation together with its paired
	// ledger entry, all-or-nothing.
	ApplyWalletOp(ctx context.Context, w *model.Wallet, entry *model.LedgerEntry) error

	// LedgerEntries returns a wallet's history, newest first.
	LedgerEntries(ctx context.Context, walletID string, f LedgerFilter) ([]model.LedgerEntry, error)

	// --- Orders ---

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id string) (*model.Order, error)
	ListUserOrders(ctx context.Context, userID string, f OrderFilter) ([]model.Order, error)

	// RestingOrders returns open and partially filled orders on one side of
	// a market with price ≤ maxPrice, ordered by creation time ascending.
	RestingOrders(ctx context.Context, marketID string, side model.Side, maxPrice int64) ([]model.Order, error)

	// ExpiredOrders returns live (pending, open, partially filled) orders
	// whose expiry is at or before now.
	ExpiredOrders(ctx context.Context, now time.Time, limit int) ([]model.Order, error)

	// LockedExposure sums the remaining locks of a user's live orders
	// (pending and resting), used by the risk limiter.
	LockedExposure(ctx context.Context, userID string) (int64, error)

	// --- Trades ---

	TradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)

	// --- Atomic composites ---

	CommitMatch(ctx context.Context, c *MatchCommit) error
	CommitRelease(ctx context.Context, c *ReleaseCommit) error

	// --- Derived read models ---

	// AggregateMarketStats recomputes volume and trader aggregates from
	// the order store; see the stats aggregator for the write-back.
	AggregateMarketStats(ctx context.Context, marketID string) (model.MarketStats, error)

	// UserPositions derives per-market share holdings from filled order
	// quantities, marked to each market's last traded prices.
	UserPositions(ctx context.Context, userID string) ([]model.Position, error)
}
