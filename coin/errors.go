/*
errors.go - Centralized error taxonomy for the settlement core

ERROR CATEGORIES:
  1. Token failures   - not found / already consumed / expired / voided
  2. Business failures - unknown or ineligible business
  3. Validation       - caller mistakes, never retried automatically
  4. Persistence      - transient store failures, retry-safe only via replay

Concurrency conflicts (AlreadyConsumed) are expected, normal outcomes of the
race between two settlement attempts - a negative result for all but one
caller, not an exceptional condition.
*/
package coin

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrTokenNotFound is returned when a token id does not exist.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenAlreadyConsumed is returned when the token has already been
	// settled. Exactly one of N racing callers avoids this error.
	ErrTokenAlreadyConsumed = errors.New("token already consumed")

	// ErrTokenExpired is returned when the token is past its expiry,
	// regardless of its stored status.
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenVoided is returned when the issuing business cancelled the
	// token before it was claimed.
	ErrTokenVoided = errors.New("token voided")

	// ErrBusinessNotFound is returned when a business id does not exist.
	ErrBusinessNotFound = errors.New("business not found")

	// ErrBusinessNotEligible is returned when the business is unverified or
	// deactivated and must not generate reward entries.
	ErrBusinessNotEligible = errors.New("business not eligible for settlement")

	// ErrInvalidAmount is returned when a face amount is outside the
	// configured bounds. Programmer/config error, not retryable.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidRate is returned when a rate schedule is out of bounds.
	ErrInvalidRate = errors.New("invalid rate")

	// ErrPersistence wraps transient store failures. Retrying the whole
	// settle call is safe because replay is detected by token id.
	ErrPersistence = errors.New("persistence failure")

	// ErrReconciliationRequired is returned when a token is consumed but its
	// ledger entries cannot be found. The reward must not be silently lost
	// or double-credited; a human has to look.
	ErrReconciliationRequired = errors.New("consumed token has no ledger entries, manual reconciliation required")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AlreadyConsumedError reports who consumed the token and when, so the
// engine can distinguish "someone else just used it" from a replay by the
// original consumer.
type AlreadyConsumedError struct {
	TokenID    TokenID
	ConsumedBy CustomerID
	ConsumedAt time.Time
}

func (e *AlreadyConsumedError) Error() string {
	return fmt.Sprintf("token %s already consumed by %s at %s",
		e.TokenID, e.ConsumedBy, e.ConsumedAt.Format(time.RFC3339))
}

func (e *AlreadyConsumedError) Unwrap() error { return ErrTokenAlreadyConsumed }

// InvalidAmountError reports the offending amount and the configured bounds.
type InvalidAmountError struct {
	Amount string
	Min    string
	Max    string
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("amount %s outside allowed range [%s, %s]", e.Amount, e.Min, e.Max)
}

func (e *InvalidAmountError) Unwrap() error { return ErrInvalidAmount }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole settle call may be retried from
// scratch. Replay detection makes that safe for persistence failures.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsClientError returns true if the error is a caller mistake or an
// expected negative outcome, as opposed to an internal failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrTokenAlreadyConsumed) ||
		errors.Is(err, ErrTokenExpired) ||
		errors.Is(err, ErrTokenVoided) ||
		errors.Is(err, ErrBusinessNotEligible) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidRate)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrBusinessNotFound)
}
