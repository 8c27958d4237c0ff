// Package wallet implements the wallet ledger: per-user balance state with
// an append-only transaction history. Every mutation acquires an exclusive
// hold on the target wallet for its whole duration and is persisted
// together with exactly one ledger entry — this is the engine's
// money-safety boundary.
package wallet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/predikta/exchange-engine/internal/metrics"
	"github.com/predikta/exchange-engine/internal/model"
	"github.com/predikta/exchange-engine/internal/store"
)

// Service owns all wallet mutations.
type Service struct {
	store store.Store
	locks *lockTable
	log   *slog.Logger
}

// NewService creates a wallet ledger over the given store.
func NewService(st store.Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: st, locks: newLockTable(), log: log}
}

// Balance is a wallet's balance snapshot.
type Balance struct {
	Available int64 `json:"available"`
	Locked    int64 `json:"locked"`
	Total     int64 `json:"total"`
}

// CreateWallet provisions an empty wallet for a user. Idempotent: an
// existing wallet is returned unchanged.
func (s *Service) CreateWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if existing, err := s.store.GetWalletByUser(ctx, userID); err == nil {
		return existing, nil
	}

	now := time.Now().UTC()
	w := &model.Wallet{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("create wallet for user %s: %w", userID, err)
	}
	return w, nil
}

// GetBalance returns the wallet's current balances.
func (s *Service) GetBalance(ctx context.Context, userID string) (Balance, error) {
	w, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Available: w.BalanceAvailable,
		Locked:    w.BalanceLocked,
		Total:     w.BalanceAvailable + w.BalanceLocked,
	}, nil
}

// History returns a wallet's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, f store.LedgerFilter) ([]model.LedgerEntry, error) {
	w, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.LedgerEntries(ctx, w.ID, f)
}

// Deposit credits the available balance.
func (s *Service) Deposit(ctx context.Context, userID string, amount int64, description string) (*model.Wallet, *model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, nil, model.ErrInvalidAmount
	}
	if description == "" {
		description = "Deposit"
	}

	return s.mutate(ctx, userID, func(w *model.Wallet) (*model.LedgerEntry, error) {
		before := w.BalanceAvailable
		w.BalanceAvailable += amount
		w.TotalDeposits += amount
		return s.entry(w, model.TxDeposit, amount, before, "", "", description), nil
	})
}

// Withdraw debits the available balance, failing when it would overdraw.
func (s *Service) Withdraw(ctx context.Context, userID string, amount int64, description string) (*model.Wallet, *model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, nil, model.ErrInvalidAmount
	}
	if description == "" {
		description = "Withdrawal"
	}

	return s.mutate(ctx, userID, func(w *model.Wallet) (*model.LedgerEntry, error) {
		if w.BalanceAvailable < amount {
			return nil, model.ErrInsufficientBalance
		}
		before := w.BalanceAvailable
		w.BalanceAvailable -= amount
		w.TotalWithdrawals += amount
		return s.entry(w, model.TxWithdrawal, -amount, before, "", "", description), nil
	})
}

// LockFunds reserves amount against an order, moving it from available to
// locked.
func (s *Service) LockFunds(ctx context.Context, userID string, amount int64, orderID string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	w, _, err := s.mutate(ctx, userID, func(w *model.Wallet) (*model.LedgerEntry, error) {
		if w.BalanceAvailable < amount {
			return nil, model.ErrInsufficientBalance
		}
		before := w.BalanceAvailable
		w.BalanceAvailable -= amount
		w.BalanceLocked += amount
		return s.entry(w, model.TxTradeBuy, -amount, before, "order", orderID,
			"Funds locked for order"), nil
	})
	return w, err
}

// UnlockFunds returns a reservation from locked back to available, used on
// cancellation, expiry, and lock rollback.
func (s *Service) UnlockFunds(ctx context.Context, userID string, amount int64, orderID string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}

	w, _, err := s.mutate(ctx, userID, func(w *model.Wallet) (*model.LedgerEntry, error) {
		if w.BalanceLocked < amount {
			return nil, fmt.Errorf("unlock %d exceeds locked balance %d: %w",
				amount, w.BalanceLocked, model.ErrInvariantViolation)
		}
		before := w.BalanceAvailable
		w.BalanceLocked -= amount
		w.BalanceAvailable += amount
		return s.entry(w, model.TxRefund, amount, before, "order", orderID,
			"Funds unlocked from order"), nil
	})
	return w, err
}

// Hold acquires exclusive holds on the given wallets in ascending id order
// and returns the release function. The matching engine holds every wallet
// touched by a match for the duration of the atomic commit.
func (s *Service) Hold(walletIDs ...string) func() {
	return s.locks.hold(walletIDs...)
}

// PrepareSettlement converts locked funds into a final trade settlement on
// a wallet copy, returning the paired ledger entry. It does not persist:
// the engine composes the result into the match commit so the wallet
// mutation, order updates and trade records land atomically. The caller
// must hold the wallet.
func (s *Service) PrepareSettlement(w *model.Wallet, amount int64, tradeID string, at time.Time) (*model.LedgerEntry, error) {
	return s.prepareTradeDebit(w, amount, tradeID, at, model.TxSettlement, "Trade settlement")
}

// PrepareMakerSettlement is PrepareSettlement for the resting side of a
// trade. The maker leg is recorded as a trade_sell entry: the resting
// order sold liquidity at its quoted price.
func (s *Service) PrepareMakerSettlement(w *model.Wallet, amount int64, tradeID string, at time.Time) (*model.LedgerEntry, error) {
	return s.prepareTradeDebit(w, amount, tradeID, at, model.TxTradeSell, "Trade settlement (maker)")
}

func (s *Service) prepareTradeDebit(w *model.Wallet, amount int64, tradeID string, at time.Time, t model.TransactionType, desc string) (*model.LedgerEntry, error) {
	if amount < 0 {
		return nil, model.ErrInvalidAmount
	}
	if w.BalanceLocked < amount {
		return nil, fmt.Errorf("settle %d exceeds locked balance %d: %w",
			amount, w.BalanceLocked, model.ErrInvariantViolation)
	}
	before := w.BalanceLocked
	w.BalanceLocked -= amount
	w.TotalTrades += amount
	w.UpdatedAt = at

	e := s.entry(w, t, -amount, before, "trade", tradeID, desc)
	e.CreatedAt = at
	return e, nil
}

// PrepareRefund returns a residual lock to the available balance on a
// wallet copy, without persisting. Used for the floor-rounding remainder
// released when an order fills completely.
func (s *Service) PrepareRefund(w *model.Wallet, amount int64, orderID string, at time.Time) (*model.LedgerEntry, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	if w.BalanceLocked < amount {
		return nil, fmt.Errorf("refund %d exceeds locked balance %d: %w",
			amount, w.BalanceLocked, model.ErrInvariantViolation)
	}
	before := w.BalanceAvailable
	w.BalanceLocked -= amount
	w.BalanceAvailable += amount
	w.UpdatedAt = at

	e := s.entry(w, model.TxRefund, amount, before, "order", orderID, "Residual lock released")
	e.CreatedAt = at
	return e, nil
}

// mutate runs one wallet mutation under the wallet's exclusive hold and
// persists the result with its paired ledger entry.
func (s *Service) mutate(ctx context.Context, userID string, fn func(*model.Wallet) (*model.LedgerEntry, error)) (*model.Wallet, *model.LedgerEntry, error) {
	// Resolve the wallet id outside the hold, then re-read under it so the
	// mutation applies to current state.
	ref, err := s.store.GetWalletByUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	release := s.locks.hold(ref.ID)
	defer release()

	w, err := s.store.GetWallet(ctx, ref.ID)
	if err != nil {
		return nil, nil, err
	}

	entry, err := fn(w)
	if err != nil {
		return nil, nil, err
	}
	w.UpdatedAt = time.Now().UTC()

	if w.BalanceAvailable < 0 || w.BalanceLocked < 0 {
		// Never absorbed: abort before anything is persisted.
		s.log.Error("wallet balance invariant violated",
			"wallet_id", w.ID,
			"available", w.BalanceAvailable,
			"locked", w.BalanceLocked,
			"tx_type", entry.TransactionType,
		)
		return nil, nil, model.ErrInvariantViolation
	}

	if err := s.store.ApplyWalletOp(ctx, w, entry); err != nil {
		return nil, nil, fmt.Errorf("apply wallet op: %w", err)
	}

	metrics.LedgerEntriesTotal.WithLabelValues(string(entry.TransactionType)).Inc()
	s.log.Debug("wallet mutated",
		"wallet_id", w.ID,
		"tx_type", entry.TransactionType,
		"amount", entry.Amount,
		"available", w.BalanceAvailable,
		"locked", w.BalanceLocked,
	)
	return w, entry, nil
}

func (s *Service) entry(w *model.Wallet, t model.TransactionType, amount, before int64, refType, refID, desc string) *model.LedgerEntry {
	return &model.LedgerEntry{
		ID:              uuid.New().String(),
		WalletID:        w.ID,
		UserID:          w.UserID,
		TransactionType: t,
		Amount:          amount,
		BalanceBefore:   before,
		BalanceAfter:    before + amount,
		ReferenceType:   refType,
		ReferenceID:     refID,
		Description:     desc,
		CreatedAt:       time.Now().UTC(),
	}
}
