package model

import "errors"

// Sentinel errors for the engine's failure taxonomy. Validation errors are
// expected business outcomes surfaced to the caller without retry;
// ErrConcurrentModification is retried locally with bounded backoff;
// ErrInvariantViolation is never retried and never silently recovered — it
// aborts the enclosing transaction and is logged for operator attention.
var (
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidSide            = errors.New("side must be yes or no")
	ErrInvalidPrice           = errors.New("price must be within [0, 10000] basis points")
	ErrInvalidQuantity        = errors.New("quantity must be positive")
	ErrInsufficientBalance    = errors.New("insufficient available balance")
	ErrInvariantViolation     = errors.New("balance invariant violation")
	ErrOrderNotFound          = errors.New("order not found")
	ErrOrderNotCancellable    = errors.New("order is not in a cancellable status")
	ErrWalletNotFound         = errors.New("wallet not found")
	ErrMarketNotFound         = errors.New("market not found")
	ErrMarketClosed           = errors.New("market is not open for trading")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrTradeLimitExceeded     = errors.New("order exceeds trade amount limits")
	ErrExposureLimitExceeded  = errors.New("order exceeds open exposure limit")
)
