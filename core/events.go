package core

import (
	"context"
	"time"
)

// =============================================================================
// EVENTS - Plain data handed to the notification dispatcher
// =============================================================================

type EventType string

const (
	EventBookingCreated    EventType = "booking.created"
	EventBookingConfirmed  EventType = "booking.confirmed"
	EventBookingCancelled  EventType = "booking.cancelled"
	EventBookingCheckedIn  EventType = "booking.checked_in"
	EventBookingCheckedOut EventType = "booking.checked_out"
	EventBookingRenewed    EventType = "booking.renewed"
	EventBookingDueSoon    EventType = "booking.due_soon"
	EventPaymentSettled    EventType = "payment.settled"
	EventPaymentFailed     EventType = "payment.failed"
	EventWithdrawalCreated EventType = "withdrawal.requested"
	EventWithdrawalDecided EventType = "withdrawal.decided"
	EventWithdrawalPaid    EventType = "withdrawal.paid"
)

// Event carries identifiers only; templating and delivery are external.
type Event struct {
	ID           string            `json:"id"`
	Type         EventType         `json:"type"`
	OperatorID   OperatorID        `json:"operator_id,omitempty"`
	CustomerID   CustomerID        `json:"customer_id,omitempty"`
	RoomID       RoomID            `json:"room_id,omitempty"`
	BookingID    BookingID         `json:"booking_id,omitempty"`
	PaymentID    PaymentID         `json:"payment_id,omitempty"`
	WithdrawalID WithdrawalID      `json:"withdrawal_id,omitempty"`
	Amount       string            `json:"amount,omitempty"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// Dispatcher delivers events. Implementations live in package notify.
type Dispatcher interface {
	Dispatch(ctx context.Context, events ...Event) error
}

// NopDispatcher drops every event.
type NopDispatcher struct{}

func (NopDispatcher) Dispatch(context.Context, ...Event) error { return nil }

// BookingEvent builds an event about b.
func BookingEvent(t EventType, b Booking, at time.Time) Event {
	return Event{
		ID:         NewID("evt"),
		Type:       t,
		OperatorID: b.OperatorID,
		CustomerID: b.CustomerID,
		RoomID:     b.RoomID,
		BookingID:  b.ID,
		Amount:     b.TotalAmount.String(),
		OccurredAt: at,
	}
}

// =============================================================================
// CLOCK
// =============================================================================

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

// FixedClock always returns t.
func FixedClock(t time.Time) Clock { return func() time.Time { return t } }
