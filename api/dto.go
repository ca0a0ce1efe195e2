/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the domain model from the external contract: amounts travel as decimal
  strings, dates as YYYY-MM-DD, timestamps as RFC 3339.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator tags. Handlers call
  h.bind, which decodes and validates in one step; domain rules (overlap,
  payable ceiling, balance) are still enforced by the services.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/warp/kos-engine/core"
)

// =============================================================================
// REQUESTS
// =============================================================================

// CreateBookingRequest is the body of POST /api/bookings.
type CreateBookingRequest struct {
	RoomID      string `json:"room_id" validate:"required"`
	OperatorID  string `json:"operator_id" validate:"required"`
	CustomerID  string `json:"customer_id,omitempty"`
	LeaseType   string `json:"lease_type" validate:"required,oneof=daily weekly monthly quarterly yearly"`
	CheckIn     string `json:"check_in" validate:"required,datetime=2006-01-02"`
	CheckOut    string `json:"check_out,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Periods     int    `json:"periods,omitempty" validate:"omitempty,min=1,max=120"`
	TotalAmount string `json:"total_amount" validate:"required,numeric"`
	Draft       bool   `json:"draft,omitempty"`
}

// DirectBookingRequest is the body of POST /api/bookings/direct.
type DirectBookingRequest struct {
	CreateBookingRequest
	CustomerID string               `json:"customer_id" validate:"required"`
	Payment    DirectPaymentRequest `json:"payment"`
}

type DirectPaymentRequest struct {
	Type        string `json:"type" validate:"required,oneof=deposit full"`
	Amount      string `json:"amount,omitempty" validate:"omitempty,numeric"`
	ExternalRef string `json:"external_ref,omitempty" validate:"max=128"`
}

type RenewBookingRequest struct {
	LeaseType string `json:"lease_type,omitempty" validate:"omitempty,oneof=daily weekly monthly quarterly yearly"`
	Periods   int    `json:"periods" validate:"required,min=1,max=120"`
	Amount    string `json:"amount" validate:"required,numeric"`
	Deposit   string `json:"deposit,omitempty" validate:"omitempty,numeric"`
}

type CancelBookingRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type RecordPaymentRequest struct {
	Type   string `json:"type" validate:"required,oneof=deposit full renewal"`
	Amount string `json:"amount,omitempty" validate:"omitempty,numeric"`
}

type SettlePaymentRequest struct {
	ExternalRef string `json:"external_ref" validate:"required,max=128"`
}

type CreateAccountRequest struct {
	Name string `json:"name" validate:"required,max=100"`
	Code string `json:"code" validate:"required,uppercase,max=32"`
}

type AdjustmentRequest struct {
	Amount string `json:"amount" validate:"required,numeric"`
	Memo   string `json:"memo" validate:"required,max=500"`
}

type ReverseEntryRequest struct {
	Memo string `json:"memo,omitempty" validate:"max=500"`
}

type CreateWithdrawalRequest struct {
	OperatorID  string `json:"operator_id" validate:"required"`
	AccountID   string `json:"account_id" validate:"required"`
	Amount      string `json:"amount" validate:"required,numeric"`
	BankAccount string `json:"bank_account" validate:"required,max=64"`
}

type DecideWithdrawalRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Reason   string `json:"reason,omitempty" validate:"required_if=Decision reject,max=500"`
}

type MarkPaidRequest struct {
	PayoutRef string `json:"payout_ref" validate:"required,max=128"`
}

// =============================================================================
// RESPONSES
// =============================================================================

type RenewalDTO struct {
	LeaseType   string `json:"lease_type"`
	Periods     int    `json:"periods"`
	NewCheckOut string `json:"new_check_out"`
	Amount      string `json:"amount"`
	Paid        string `json:"paid"`
	DepositOnly bool   `json:"deposit_only"`
}

type BookingDTO struct {
	ID             string      `json:"id"`
	Code           string      `json:"code"`
	RoomID         string      `json:"room_id"`
	CustomerID     string      `json:"customer_id"`
	OperatorID     string      `json:"operator_id"`
	LeaseType      string      `json:"lease_type"`
	CheckIn        string      `json:"check_in"`
	CheckOut       string      `json:"check_out,omitempty"`
	ActualCheckIn  *time.Time  `json:"actual_check_in,omitempty"`
	ActualCheckOut *time.Time  `json:"actual_check_out,omitempty"`
	Status         string      `json:"status"`
	TotalAmount    string      `json:"total_amount"`
	BalanceDue     bool        `json:"balance_due"`
	PendingRenewal *RenewalDTO `json:"pending_renewal,omitempty"`
	Version        int64       `json:"version"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

type PaymentDTO struct {
	ID          string     `json:"id"`
	BookingID   string     `json:"booking_id"`
	Type        string     `json:"type"`
	Amount      string     `json:"amount"`
	Status      string     `json:"status"`
	ExternalRef string     `json:"external_ref,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	SettledAt   *time.Time `json:"settled_at,omitempty"`
}

// BookingResponse wraps a booking with the payment created alongside it.
type BookingResponse struct {
	Booking  BookingDTO  `json:"booking"`
	Payment  *PaymentDTO `json:"payment,omitempty"`
	Replayed bool        `json:"replayed,omitempty"`
}

type AvailabilityDTO struct {
	RoomID    string `json:"room_id"`
	CheckIn   string `json:"check_in"`
	CheckOut  string `json:"check_out,omitempty"`
	Available bool   `json:"available"`
}

type AccountDTO struct {
	ID         string    `json:"id"`
	OperatorID string    `json:"operator_id"`
	Name       string    `json:"name"`
	Code       string    `json:"code"`
	System     bool      `json:"system"`
	Archived   bool      `json:"archived"`
	CreatedAt  time.Time `json:"created_at"`
}

type EntryDTO struct {
	ID         string    `json:"id"`
	AccountID  string    `json:"account_id"`
	Amount     string    `json:"amount"`
	SourceType string    `json:"source_type"`
	SourceID   string    `json:"source_id"`
	Memo       string    `json:"memo,omitempty"`
	PostedBy   string    `json:"posted_by,omitempty"`
	PostedAt   time.Time `json:"posted_at"`
}

type BalanceDTO struct {
	AccountID string    `json:"account_id"`
	Posted    string    `json:"posted"`
	Reserved  string    `json:"reserved"`
	Available string    `json:"available"`
	AsOf      time.Time `json:"as_of"`
}

type WithdrawalDTO struct {
	ID          string     `json:"id"`
	OperatorID  string     `json:"operator_id"`
	AccountID   string     `json:"account_id"`
	Amount      string     `json:"amount"`
	BankAccount string     `json:"bank_account"`
	Status      string     `json:"status"`
	RequestedBy string     `json:"requested_by,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedBy   string     `json:"decided_by,omitempty"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	PayoutRef   string     `json:"payout_ref,omitempty"`
	PaidAt      *time.Time `json:"paid_at,omitempty"`
}

type AuditDTO struct {
	Actor  string    `json:"actor"`
	Role   string    `json:"role"`
	Action string    `json:"action"`
	From   string    `json:"from,omitempty"`
	To     string    `json:"to,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type DueSoonDTO struct {
	Emitted int    `json:"emitted"`
	Window  string `json:"window"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toBookingDTO(b core.Booking) BookingDTO {
	dto := BookingDTO{
		ID:             string(b.ID),
		Code:           b.Code,
		RoomID:         string(b.RoomID),
		CustomerID:     string(b.CustomerID),
		OperatorID:     string(b.OperatorID),
		LeaseType:      string(b.LeaseType),
		CheckIn:        b.CheckIn.String(),
		ActualCheckIn:  b.ActualCheckIn,
		ActualCheckOut: b.ActualCheckOut,
		Status:         string(b.Status),
		TotalAmount:    b.TotalAmount.String(),
		BalanceDue:     b.BalanceDue,
		Version:        b.Version,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
	if b.CheckOut != nil {
		dto.CheckOut = b.CheckOut.String()
	}
	if r := b.PendingRenewal; r != nil {
		dto.PendingRenewal = &RenewalDTO{
			LeaseType:   string(r.LeaseType),
			Periods:     r.Periods,
			NewCheckOut: r.NewCheckOut.String(),
			Amount:      r.Amount.String(),
			Paid:        r.Paid.String(),
			DepositOnly: r.DepositOnly,
		}
	}
	return dto
}

func toPaymentDTO(p core.Payment) PaymentDTO {
	return PaymentDTO{
		ID:          string(p.ID),
		BookingID:   string(p.BookingID),
		Type:        string(p.Type),
		Amount:      p.Amount.String(),
		Status:      string(p.Status),
		ExternalRef: p.ExternalRef,
		CreatedAt:   p.CreatedAt,
		SettledAt:   p.SettledAt,
	}
}

func toAccountDTO(a core.LedgerAccount) AccountDTO {
	return AccountDTO{
		ID:         string(a.ID),
		OperatorID: string(a.OperatorID),
		Name:       a.Name,
		Code:       a.Code,
		System:     a.System,
		Archived:   a.Archived,
		CreatedAt:  a.CreatedAt,
	}
}

func toEntryDTO(e core.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:         string(e.ID),
		AccountID:  string(e.AccountID),
		Amount:     e.Amount.String(),
		SourceType: string(e.SourceType),
		SourceID:   e.SourceID,
		Memo:       e.Memo,
		PostedBy:   string(e.PostedBy),
		PostedAt:   e.PostedAt,
	}
}

func toBalanceDTO(v core.BalanceView) BalanceDTO {
	return BalanceDTO{
		AccountID: string(v.AccountID),
		Posted:    v.Posted.String(),
		Reserved:  v.Reserved.String(),
		Available: v.Available.String(),
		AsOf:      v.AsOf,
	}
}

func toWithdrawalDTO(w core.Withdrawal) WithdrawalDTO {
	return WithdrawalDTO{
		ID:          string(w.ID),
		OperatorID:  string(w.OperatorID),
		AccountID:   string(w.AccountID),
		Amount:      w.Amount.String(),
		BankAccount: w.BankAccount,
		Status:      string(w.Status),
		RequestedBy: string(w.RequestedBy),
		RequestedAt: w.RequestedAt,
		DecidedBy:   string(w.DecidedBy),
		DecidedAt:   w.DecidedAt,
		Reason:      w.Reason,
		PayoutRef:   w.PayoutRef,
		PaidAt:      w.PaidAt,
	}
}

func toAuditDTO(e core.AuditEntry) AuditDTO {
	return AuditDTO{
		Actor:  string(e.Actor),
		Role:   string(e.Role),
		Action: e.Action,
		From:   e.From,
		To:     e.To,
		Detail: e.Detail,
		At:     e.At,
	}
}
