/*
errors.go - Centralized error kinds for the booking and ledger core

PURPOSE:
  Every guard failure surfaces a typed error. Callers branch with
  errors.Is on the sentinel kind and errors.As on the structured error to
  read correction detail (conflicting range, current status, shortfall).

ERROR KINDS:
  ErrValidation          malformed input, rejected before any state change
  ErrStateConflict       transition invalid for the current status
  ErrRoomUnavailable     date range overlaps an active booking
  ErrPaymentPending      payment-dependent transition before settlement
  ErrPaymentFailed       required payment failed or expired
  ErrInsufficientBalance withdrawal exceeds available funds
  ErrAccountArchived     posting target is closed
  ErrNotFound            referenced record absent
  ErrUnauthorized        no identity
  ErrForbidden           role or ownership mismatch

INTERNAL:
  ErrDuplicateIdempotencyKey and ErrConcurrentModification are raised by
  stores. Services convert the first into an explicit, logged replay and
  retry the second once.

SEE ALSO:
  - api/errors.go: HTTP status mapping
*/
package core

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation          = errors.New("validation error")
	ErrStateConflict       = errors.New("state conflict")
	ErrRoomUnavailable     = errors.New("room unavailable")
	ErrPaymentPending      = errors.New("payment pending")
	ErrPaymentFailed       = errors.New("payment failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAccountArchived     = errors.New("account archived")
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")

	// ErrDuplicateIdempotencyKey is returned by stores when a unique
	// idempotency key or posting source already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a version-guarded update
	// matched no row.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry correction detail
// =============================================================================

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StateConflictError reports a transition attempted from the wrong status.
type StateConflictError struct {
	Entity  string
	ID      string
	Current string
	Action  string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.Current)
}

func (e *StateConflictError) Unwrap() error { return ErrStateConflict }

// RoomUnavailableError reports the booking the request collides with.
type RoomUnavailableError struct {
	RoomID               RoomID
	Requested            DateRange
	ConflictingBookingID BookingID
	Conflicting          DateRange
}

func (e *RoomUnavailableError) Error() string {
	return fmt.Sprintf("room %s unavailable for %s: overlaps booking %s %s",
		e.RoomID, e.Requested, e.ConflictingBookingID, e.Conflicting)
}

func (e *RoomUnavailableError) Unwrap() error { return ErrRoomUnavailable }

// PaymentPendingError reports money still outstanding on a booking.
type PaymentPendingError struct {
	BookingID   BookingID
	Outstanding Money
}

func (e *PaymentPendingError) Error() string {
	return fmt.Sprintf("booking %s has %s outstanding", e.BookingID, e.Outstanding.String())
}

func (e *PaymentPendingError) Unwrap() error { return ErrPaymentPending }

// PaymentFailedError reports that the payment a transition depends on failed.
type PaymentFailedError struct {
	BookingID BookingID
	PaymentID PaymentID
	Status    PaymentStatus
}

func (e *PaymentFailedError) Error() string {
	return fmt.Sprintf("payment %s for booking %s is %s", e.PaymentID, e.BookingID, e.Status)
}

func (e *PaymentFailedError) Unwrap() error { return ErrPaymentFailed }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	AccountID AccountID
	Available Money
	Requested Money
	Shortfall Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.String(), e.Requested.String(), e.Shortfall.String())
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

type AccountArchivedError struct {
	AccountID AccountID
}

func (e *AccountArchivedError) Error() string {
	return fmt.Sprintf("account %s is archived", e.AccountID)
}

func (e *AccountArchivedError) Unwrap() error { return ErrAccountArchived }

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.Entity, e.ID) }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ForbiddenError struct {
	Role   Role
	Action Action
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("role %s may not perform %s on this subject", e.Role, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrForbidden }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed once payment resolves
// or a concurrent writer finishes.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPaymentPending) ||
		errors.Is(err, ErrPaymentFailed) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrStateConflict) ||
		errors.Is(err, ErrRoomUnavailable) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountArchived) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrUnauthorized)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Kind returns the machine-readable kind of err, or "internal".
func Kind(err error) string {
	kinds := []struct {
		target error
		name   string
	}{
		{ErrValidation, "ValidationError"},
		{ErrStateConflict, "StateConflict"},
		{ErrRoomUnavailable, "RoomUnavailable"},
		{ErrPaymentPending, "PaymentPending"},
		{ErrPaymentFailed, "PaymentFailed"},
		{ErrInsufficientBalance, "InsufficientBalance"},
		{ErrAccountArchived, "AccountArchived"},
		{ErrNotFound, "NotFound"},
		{ErrUnauthorized, "Unauthorized"},
		{ErrForbidden, "Forbidden"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.name
		}
	}
	return "internal"
}
