package model

import "errors"

// Failure taxonomy shared by the trading and settlement engines. All of these
// are returned to callers verbatim; only ErrTransactionConflict is retryable.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidPrice       = errors.New("invalid price")
	ErrInvalidOption      = errors.New("invalid option")
	ErrAccountNotFound    = errors.New("account not found")
	ErrAccountExists      = errors.New("account already exists")
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketClosed       = errors.New("market is not open for trading")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrLiquidity          = errors.New("pool liquidity would go negative")
	ErrPositionLimit      = errors.New("position limit exceeded")
	ErrInvalidTransition  = errors.New("invalid market status transition")
	ErrInvalidMarket      = errors.New("invalid market definition")

	// ErrAlreadyResolved marks an idempotent no-op, not a hard failure.
	ErrAlreadyResolved = errors.New("market already resolved")

	ErrResolutionMismatch   = errors.New("market is already settling to a different option")
	ErrSettlementInProgress = errors.New("settlement already in progress")

	ErrTransactionConflict = errors.New("transaction conflict")

	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
)
