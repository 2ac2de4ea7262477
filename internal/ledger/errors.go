package ledger

import (
	"errors"

	"github.com/tunevest/ledger-engine/internal/store"
)

// Business-rule failures. Detected inside the unit of work; the unit rolls
// back cleanly when one is returned.
var (
	ErrInsufficientBalance  = errors.New("ledger: insufficient balance")
	ErrInsufficientSupply   = errors.New("ledger: insufficient supply")
	ErrInsufficientHoldings = errors.New("ledger: insufficient holdings")
	ErrPositionLimit        = errors.New("ledger: position limit exceeded")
	ErrSupplyOverflow       = errors.New("ledger: sell would exceed total supply")
)

// Validation failures. Returned before any lock is taken.
var (
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	ErrInvalidPrice  = errors.New("ledger: price must be positive")
	ErrInvalidInput  = errors.New("ledger: invalid input")
)

// Lookups.
var (
	ErrTrackNotFound    = errors.New("ledger: track not found")
	ErrUserNotFound     = errors.New("ledger: user not found")
	ErrOrderNotFound    = errors.New("ledger: order not found")
	ErrAlertNotFound    = errors.New("ledger: alert not found")
	ErrUnknownReference = errors.New("ledger: unknown payment reference")
)

// State conflicts.
var (
	// ErrAlreadyProcessed marks an idempotent replay. It is not a failure:
	// callers receive the prior result alongside it.
	ErrAlreadyProcessed = errors.New("ledger: already processed")
	ErrExpiredIntent    = errors.New("ledger: payment intent expired")
	ErrNotOwner         = errors.New("ledger: not owner")
	ErrAlreadyFilled    = errors.New("ledger: order already filled")
	ErrAlreadyCancelled = errors.New("ledger: order already cancelled")
	ErrOrderExpired     = errors.New("ledger: order expired")
	ErrKeyConflict      = errors.New("ledger: idempotency key belongs to a different request")
)

// ErrLockTimeout is returned when a unit of work could not obtain its locks
// in time. It is the only retryable error.
var ErrLockTimeout = store.ErrLockTimeout

// IsRetryable reports whether err is safe to retry with the same
// idempotency key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsBusinessRule reports whether err is a normal market condition (balance
// spent, supply exhausted) rather than a fault.
func IsBusinessRule(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInsufficientSupply) ||
		errors.Is(err, ErrInsufficientHoldings) ||
		errors.Is(err, ErrPositionLimit) ||
		errors.Is(err, ErrSupplyOverflow)
}
