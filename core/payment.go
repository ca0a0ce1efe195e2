package core

import "time"

// =============================================================================
// PAYMENT - Monetary event against one booking
// =============================================================================

type PaymentType string

const (
	PaymentDeposit PaymentType = "deposit"
	PaymentFull    PaymentType = "full"
	PaymentRenewal PaymentType = "renewal"
)

func (t PaymentType) Valid() bool {
	return t == PaymentDeposit || t == PaymentFull || t == PaymentRenewal
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSettled PaymentStatus = "settled"
	PaymentFailed  PaymentStatus = "failed"
	PaymentExpired PaymentStatus = "expired"
)

// IsFinal reports whether the payment can no longer change.
func (s PaymentStatus) IsFinal() bool { return s != PaymentPending }

type Payment struct {
	ID          PaymentID
	BookingID   BookingID
	OperatorID  OperatorID
	Type        PaymentType
	Amount      Money
	Status      PaymentStatus
	ExternalRef string

	Version   int64
	CreatedAt time.Time
	SettledAt *time.Time
	UpdatedAt time.Time
}

// PaymentTotals summarises the payments of one booking.
type PaymentTotals struct {
	Settled Money
	Pending Money

	// LastFailed is the most recent failed or expired payment, if any
	// payment after it is not pending or settled.
	LastFailed *Payment
}

// SumPayments aggregates a booking's payments by status.
func SumPayments(payments []Payment) PaymentTotals {
	totals := PaymentTotals{Settled: Zero, Pending: Zero}
	for i := range payments {
		p := payments[i]
		switch p.Status {
		case PaymentSettled:
			totals.Settled = totals.Settled.Add(p.Amount)
			totals.LastFailed = nil
		case PaymentPending:
			totals.Pending = totals.Pending.Add(p.Amount)
			totals.LastFailed = nil
		case PaymentFailed, PaymentExpired:
			totals.LastFailed = &p
		}
	}
	return totals
}
