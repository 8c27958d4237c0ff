// Package model defines the core domain types shared across the exchange
// engine. Prices are integer basis points of implied probability in
// [0, 10000]; monetary amounts are integer minor currency units. Settlement
// arithmetic is exact integer math — decimals appear only in derived
// read-model values.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed-point unit for prices: 10000 basis points equal
// one full payout unit, so a YES price and its complementary NO price
// always sum to at most 10000.
const PriceScale int64 = 10000

// Side is the outcome an order buys shares of.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Valid reports whether s is one of the two outcomes.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// OrderStatus is the lifecycle state of an order. Filled, cancelled and
// expired are terminal: no transition leaves them.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderExpired         OrderStatus = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderExpired
}

// Resting reports whether an order in this status sits in the book as a
// matchable counterparty.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartiallyFilled
}

// Order is a limit order for shares of one outcome of a binary market.
type Order struct {
	ID             string      `json:"id" gorm:"primaryKey"`
	OrderNumber    string      `json:"order_number" gorm:"uniqueIndex"`
	MarketID       string      `json:"market_id" gorm:"index"`
	UserID         string      `json:"user_id" gorm:"index"`
	WalletID       string      `json:"wallet_id"`
	Side           Side        `json:"side"`
	Price          int64       `json:"price"`    // basis points, [0, 10000]
	Quantity       int64       `json:"quantity"` // shares
	QuantityFilled int64       `json:"quantity_filled"`
	AmountLocked   int64       `json:"amount_locked"` // reserved at placement
	AmountFilled   int64       `json:"amount_filled"` // cumulative settled
	Status         OrderStatus `json:"status" gorm:"index"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	FilledAt       *time.Time  `json:"filled_at,omitempty"`
	CancelledAt    *time.Time  `json:"cancelled_at,omitempty"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// Remaining returns the unfilled share quantity.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.QuantityFilled
}

// RemainingLock returns the part of the reservation not yet consumed by
// fills. Released on cancellation, expiry, or a complete fill (floor
// rounding can strand a remainder).
func (o *Order) RemainingLock() int64 {
	rem := o.AmountLocked - o.AmountFilled
	if rem < 0 {
		return 0
	}
	return rem
}

// Wallet holds one user's funds. BalanceAvailable and BalanceLocked are
// invariantly non-negative; every mutation goes through the wallet ledger
// and is paired with exactly one ledger entry.
type Wallet struct {
	ID               string    `json:"id" gorm:"primaryKey"`
	UserID           string    `json:"user_id" gorm:"uniqueIndex"`
	BalanceAvailable int64     `json:"balance_available"`
	BalanceLocked    int64     `json:"balance_locked"`
	TotalDeposits    int64     `json:"total_deposits"`
	TotalWithdrawals int64     `json:"total_withdrawals"`
	TotalTrades      int64     `json:"total_trades"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxTradeBuy   TransactionType = "trade_buy"
	TxTradeSell  TransactionType = "trade_sell"
	TxSettlement TransactionType = "settlement"
	TxFee        TransactionType = "fee"
	TxRefund     TransactionType = "refund"
	TxBonus      TransactionType = "bonus"
)

// LedgerEntry is an immutable record of one wallet mutation. Never updated
// or deleted; the sole source of truth for balance history.
//
// BalanceBefore/BalanceAfter track the principal balance the entry mutates:
// the available balance for deposit, withdrawal, trade_buy (funds locked
// against an order), refund and bonus entries; the locked balance for
// trade_sell and settlement entries. BalanceAfter = BalanceBefore + Amount
// holds exactly for every entry.
type LedgerEntry struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	WalletID        string          `json:"wallet_id" gorm:"index"`
	UserID          string          `json:"user_id" gorm:"index"`
	TransactionType TransactionType `json:"transaction_type"`
	Amount          int64           `json:"amount"` // signed
	BalanceBefore   int64           `json:"balance_before"`
	BalanceAfter    int64           `json:"balance_after"`
	ReferenceType   string          `json:"reference_type,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Trade records one execution between a YES order and a NO order. The two
// prices are complementary halves of the payout unit: YesPrice + NoPrice
// never exceeds 10000.
type Trade struct {
	ID           string    `json:"id" gorm:"primaryKey"`
	MarketID     string    `json:"market_id" gorm:"index"`
	TakerOrderID string    `json:"taker_order_id"`
	MakerOrderID string    `json:"maker_order_id"`
	YesOrderID   string    `json:"yes_order_id"`
	NoOrderID    string    `json:"no_order_id"`
	YesPrice     int64     `json:"yes_price"`
	NoPrice      int64     `json:"no_price"`
	Quantity     int64     `json:"quantity"`
	YesAmount    int64     `json:"yes_amount"`
	NoAmount     int64     `json:"no_amount"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// MarketStatus is owned by the external market catalog; the engine only
// reads it to gate trading.
type MarketStatus string

const (
	MarketActive    MarketStatus = "active"
	MarketSuspended MarketStatus = "suspended"
	MarketClosed    MarketStatus = "closed"
	MarketResolved  MarketStatus = "resolved"
)

// Market carries the fields the engine reads (trading window, per-order
// amount bounds) and the derived aggregates it writes. The aggregates are a
// recomputable cache over the order store, never a source of truth.
type Market struct {
	ID             string       `json:"id" gorm:"primaryKey"`
	MarketCode     string       `json:"market_code" gorm:"uniqueIndex"`
	Title          string       `json:"title"`
	Status         MarketStatus `json:"status"`
	OpenAt         time.Time    `json:"open_at"`
	CloseAt        time.Time    `json:"close_at"`
	MinTradeAmount int64        `json:"min_trade_amount"`
	MaxTradeAmount int64        `json:"max_trade_amount"`
	TotalVolume    int64        `json:"total_volume"`
	YesVolume      int64        `json:"yes_volume"`
	NoVolume       int64        `json:"no_volume"`
	UniqueTraders  int64        `json:"unique_traders"`
	LastYesPrice   *int64       `json:"last_yes_price,omitempty"`
	LastNoPrice    *int64       `json:"last_no_price,omitempty"`
	LastTradeAt    *time.Time   `json:"last_trade_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// OpenForTrading reports whether the market accepts matching at now.
func (m *Market) OpenForTrading(now time.Time) bool {
	return m.Status == MarketActive && !now.Before(m.OpenAt) && now.Before(m.CloseAt)
}

// MarketStats is the derived aggregate set written back to a market by the
// stats aggregator.
type MarketStats struct {
	TotalVolume   int64      `json:"total_volume"`
	YesVolume     int64      `json:"yes_volume"`
	NoVolume      int64      `json:"no_volume"`
	UniqueTraders int64      `json:"unique_traders"`
	LastYesPrice  *int64     `json:"last_yes_price,omitempty"`
	LastNoPrice   *int64     `json:"last_no_price,omitempty"`
	LastTradeAt   *time.Time `json:"last_trade_at,omitempty"`
}

// BookLevel is one aggregated price level of the resting book.
type BookLevel struct {
	Price       int64           `json:"price"`
	Quantity    int64           `json:"quantity"`
	OrderCount  int64           `json:"order_count"`
	Probability decimal.Decimal `json:"probability"` // price / 10000
}

// OrderBook is the aggregated resting book for one market.
type OrderBook struct {
	MarketID  string      `json:"market_id"`
	YesLevels []BookLevel `json:"yes_levels"`
	NoLevels  []BookLevel `json:"no_levels"`
}

// Position is a trader's aggregate holding in one market, derived from
// filled order quantities and marked to the market's last prices.
type Position struct {
	UserID        string          `json:"user_id"`
	MarketID      string          `json:"market_id"`
	YesShares     int64           `json:"yes_shares"`
	NoShares      int64           `json:"no_shares"`
	CostBasis     int64           `json:"cost_basis"` // Σ amountFilled
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}
