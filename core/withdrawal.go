package core

import "time"

// =============================================================================
// WITHDRAWAL - Operator payout request
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "PENDING"
	WithdrawalApproved WithdrawalStatus = "APPROVED"
	WithdrawalRejected WithdrawalStatus = "REJECTED"
	WithdrawalPaid     WithdrawalStatus = "PAID"
)

// Withdrawal moves funds out of an operator account. While PENDING its
// amount is reserved against the account's available balance.
type Withdrawal struct {
	ID          WithdrawalID
	OperatorID  OperatorID
	AccountID   AccountID
	Amount      Money
	BankAccount string
	Status      WithdrawalStatus

	RequestedBy UserID
	RequestedAt time.Time
	DecidedAt   *time.Time
	DecidedBy   UserID
	Reason      string // rejection reason
	PayoutRef   string // set by the payout rail when PAID
	PaidAt      *time.Time

	Version   int64
	UpdatedAt time.Time
}

type WithdrawalFilter struct {
	OperatorID OperatorID
	AccountID  AccountID
	Statuses   []WithdrawalStatus
	Limit      int
}

// =============================================================================
// AUDIT - Who did what when
// =============================================================================

type AuditEntry struct {
	ID          string
	Actor       UserID
	Role        Role
	Action      string
	SubjectType string // booking, payment, withdrawal, account
	SubjectID   string
	From        string
	To          string
	Detail      string
	At          time.Time
}
