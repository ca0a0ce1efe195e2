/*
booking.go - Booking entity and lifecycle statuses

PURPOSE:
  A Booking is one reservation of one room for one date range. It is
  created by a customer (online) or a receptionist (direct/walk-in) and is
  mutated only through guarded transitions in the booking and payment
  packages. Bookings are never deleted; they end CANCELLED or CHECKED_OUT.

LIFECYCLE:
  DRAFT → PENDING_PAYMENT → CONFIRMED → CHECKED_IN → CHECKED_OUT
  CANCELLED is reachable from DRAFT, PENDING_PAYMENT and CONFIRMED.
  Renewal extends a CHECKED_IN booking without changing its status.

ROOM CLAIM:
  While non-terminal, a booking claims [CheckIn, EffectiveEnd) on its room.
  A pending renewal widens the claim to the renewal's check-out so the
  extension window cannot be sold while the renewal payment is outstanding.

SEE ALSO:
  - booking/availability.go: overlap check against active claims
  - payment/tracker.go: settlement effects on the booking
*/
package core

import (
	"time"
)

// =============================================================================
// BOOKING STATUS
// =============================================================================

type BookingStatus string

const (
	BookingDraft          BookingStatus = "DRAFT"
	BookingPendingPayment BookingStatus = "PENDING_PAYMENT"
	BookingConfirmed      BookingStatus = "CONFIRMED"
	BookingCheckedIn      BookingStatus = "CHECKED_IN"
	BookingCheckedOut     BookingStatus = "CHECKED_OUT"
	BookingCancelled      BookingStatus = "CANCELLED"
)

// IsTerminal reports whether the booking no longer claims its room.
func (s BookingStatus) IsTerminal() bool {
	return s == BookingCancelled || s == BookingCheckedOut
}

// ActiveBookingStatuses are the statuses that hold a room claim.
var ActiveBookingStatuses = []BookingStatus{
	BookingDraft, BookingPendingPayment, BookingConfirmed, BookingCheckedIn,
}

// =============================================================================
// BOOKING
// =============================================================================

type Booking struct {
	ID         BookingID
	Code       string // KOS-YYYYMMDD-XXXXXX, unique
	RoomID     RoomID
	CustomerID CustomerID
	OperatorID OperatorID
	LeaseType  LeaseType

	CheckIn  Date
	CheckOut *Date // nil for open-ended leases

	ActualCheckIn  *time.Time
	ActualCheckOut *time.Time

	Status      BookingStatus
	TotalAmount Money

	// BalanceDue is set when a deposit settled but the total has not.
	BalanceDue bool

	PendingRenewal *Renewal

	IdempotencyKey string
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Renewal is an extension waiting on payment.
type Renewal struct {
	LeaseType   LeaseType
	Periods     int
	NewCheckOut Date
	Amount      Money
	Paid        Money
	DepositOnly bool
	RequestedAt time.Time
}

// Outstanding is the renewal amount not yet settled.
func (r Renewal) Outstanding() Money {
	return r.Amount.Sub(r.Paid).Max(Zero)
}

// Range is the planned stay [CheckIn, CheckOut).
func (b Booking) Range() DateRange {
	return DateRange{Start: b.CheckIn, End: b.CheckOut}
}

// EffectiveRange is the room claim, widened by a pending renewal.
func (b Booking) EffectiveRange() DateRange {
	r := b.Range()
	if b.PendingRenewal != nil && r.End != nil {
		r.End = DatePtr(Later(*r.End, b.PendingRenewal.NewCheckOut))
	}
	return r
}

// Subject returns the ownership of the booking for capability checks.
func (b Booking) Subject() Subject {
	return Subject{OperatorID: b.OperatorID, CustomerID: b.CustomerID}
}

// PayableCeiling is the most that may ever be settled against the booking:
// the agreed total plus any renewal still awaiting payment.
func (b Booking) PayableCeiling() Money {
	if b.PendingRenewal == nil {
		return b.TotalAmount
	}
	return b.TotalAmount.Add(b.PendingRenewal.Amount)
}

// BookingFilter narrows ListBookings. Zero fields match everything.
type BookingFilter struct {
	RoomID     RoomID
	CustomerID CustomerID
	OperatorID OperatorID
	Statuses   []BookingStatus
	Limit      int
}

// =============================================================================
// POLICY - Operator-configurable booking rules
// =============================================================================

// Policy holds the configurable guards for check-in and renewal.
type Policy struct {
	// CheckInGrace allows check-in this long before the planned date.
	CheckInGrace time.Duration

	// FullPaymentLeaseTypes must be fully settled before check-in.
	FullPaymentLeaseTypes []LeaseType

	// RenewalDepositExtends applies a renewal as soon as its deposit settles.
	// When false the extension waits for the full renewal amount.
	RenewalDepositExtends bool
}

// DefaultPolicy requires full payment for short stays.
func DefaultPolicy() Policy {
	return Policy{
		FullPaymentLeaseTypes: []LeaseType{LeaseDaily, LeaseWeekly},
	}
}

// RequiresFullPayment reports whether l must be paid in full before check-in.
func (p Policy) RequiresFullPayment(l LeaseType) bool {
	for _, t := range p.FullPaymentLeaseTypes {
		if t == l {
			return true
		}
	}
	return false
}
