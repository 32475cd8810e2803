/*
errors.go - Error taxonomy for the loyalty engine

ERROR CATEGORIES:
  1. Validation        - bad input, rejected before any side effect
  2. Business outcome  - not enough points, pool empty; expected, not faults
  3. Dependency        - platform or pool failure; caller retries the whole op
  4. Compensation      - a debit could not be refunded; needs a human

USAGE:
  if errors.Is(err, loyalty.ErrInsufficientPoints) { ... }

  var cerr *loyalty.CompensationError
  if errors.As(err, &cerr) { page someone }
*/
package loyalty

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/loyalty-engine/platform"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCustomerNotFound is returned when the platform has no such record.
	ErrCustomerNotFound = platform.ErrCustomerNotFound

	// ErrMissingCustomerID is returned when a request carries no customer id.
	ErrMissingCustomerID = errors.New("customer id is required")

	// ErrInvalidRedemption is returned for a points amount that is not a
	// configured redemption tier or is outside the min/max limits.
	ErrInvalidRedemption = errors.New("invalid redemption amount")

	// ErrInsufficientPoints is returned when the balance cannot cover a debit.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrPoolExhausted is returned when no coupon was available and the
	// debit was refunded.
	ErrPoolExhausted = errors.New("no rewards currently available")

	// ErrCompensationFailed is returned when a refund of a debit failed.
	// The customer is left debited until reconciled by hand.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrReconciliationPending blocks redemptions for a customer with an
	// unresolved compensation failure. Retrying would debit twice.
	ErrReconciliationPending = errors.New("redemption pending manual reconciliation")

	// ErrInvalidSettings is returned when a settings document fails validation.
	ErrInvalidSettings = errors.New("invalid loyalty settings")

	// ErrRedemptionNotFound is returned when resolving an unknown redemption.
	ErrRedemptionNotFound = errors.New("redemption not found")

	// ErrRedemptionInProgress is returned when a request reuses the
	// idempotency key of a redemption that has not finished.
	ErrRedemptionInProgress = errors.New("redemption already in progress")

	// ErrIdempotencyKeyReused is returned when a key already names a
	// redemption for another customer or another amount.
	ErrIdempotencyKeyReused = errors.New("idempotency key already used for a different redemption")

	// ErrInvalidEvent is returned for an order or refund event missing
	// its id or carrying a negative amount.
	ErrInvalidEvent = errors.New("invalid event")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientPointsError details a balance shortage.
type InsufficientPointsError struct {
	CustomerID string
	Available  int64
	Requested  int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientPointsError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// RedemptionError is a dependency failure inside the redemption state
// machine. State is the last state reached.
type RedemptionError struct {
	RedemptionID string
	CustomerID   string
	Points       int64
	State        State
	Err          error
}

func (e *RedemptionError) Error() string {
	return fmt.Sprintf("redemption %s failed in %s (customer %s, %d points): %v",
		e.RedemptionID, e.State, e.CustomerID, e.Points, e.Err)
}

func (e *RedemptionError) Unwrap() error { return e.Err }

// CompensationError means the debit stands but no coupon was issued.
type CompensationError struct {
	RedemptionID string
	CustomerID   string
	Points       int64
	ClaimErr     error
	Err          error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("redemption %s: refund of %d points to customer %s failed after claim error (%v): %v",
		e.RedemptionID, e.Points, e.CustomerID, e.ClaimErr, e.Err)
}

func (e *CompensationError) Unwrap() []error { return []error{ErrCompensationFailed, e.Err} }

// SettingsError names the settings field that failed validation.
type SettingsError struct {
	Field  string
	Reason string
}

func (e *SettingsError) Error() string {
	return fmt.Sprintf("invalid loyalty settings: %s %s", e.Field, e.Reason)
}

func (e *SettingsError) Unwrap() error { return ErrInvalidSettings }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMissingCustomerID) ||
		errors.Is(err, ErrInvalidRedemption) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInvalidSettings)
}

// IsRetryable returns true if retrying the whole operation may succeed.
// Compensation failures are never retryable.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrCompensationFailed) || errors.Is(err, ErrReconciliationPending) {
		return false
	}
	var rerr *RedemptionError
	return errors.As(err, &rerr) ||
		errors.Is(err, platform.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
