/*
store.go - Persistence contracts for bookings, payments, ledger and payouts

PURPOSE:
  Defines the interface between the workflows and the database. Services
  never hold in-process locks; every check-and-commit runs inside
  TxStore.WithTx so it stays correct when several instances share a
  database.

KEY INTERFACES:
  BookingStore:    bookings, with a unique idempotency key
  PaymentStore:    payment attempts per booking
  LedgerStore:     accounts plus APPEND-ONLY entries
  WithdrawalStore: payout requests
  AuditLog:        transition trail
  Locker:          per-key serialisation inside a transaction
  TxStore:         WithTx for atomic multi-table writes

VERSIONED UPDATES:
  Update* methods match on ID and the caller's Version. On success the
  stored and in-memory Version are incremented; when no row matches the
  store returns ErrConcurrentModification.

UNIQUENESS:
  Stores return ErrDuplicateIdempotencyKey when a unique constraint
  rejects a write: a booking idempotency key, or a second ledger entry for
  the same (source type, source id, account).

IMPLEMENTATIONS:
  - store/sqlstore: SQLite and PostgreSQL
  - store/memory: in-memory for tests and development

SEE ALSO:
  - ledger.go: balance derivation on top of LedgerStore
*/
package core

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type BookingStore interface {
	CreateBooking(ctx context.Context, b Booking) error
	UpdateBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, id BookingID) (Booking, error)

	// FindBookingByIdempotencyKey returns ok=false when no booking holds key.
	FindBookingByIdempotencyKey(ctx context.Context, key string) (b Booking, ok bool, err error)

	// ActiveBookingsForRoom returns the non-terminal bookings of a room.
	ActiveBookingsForRoom(ctx context.Context, room RoomID) ([]Booking, error)
	ListBookings(ctx context.Context, filter BookingFilter) ([]Booking, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, p Payment) error
	UpdatePayment(ctx context.Context, p *Payment) error
	GetPayment(ctx context.Context, id PaymentID) (Payment, error)
	FindPaymentByExternalRef(ctx context.Context, ref string) (p Payment, ok bool, err error)

	// ListPayments returns a booking's payments oldest first.
	ListPayments(ctx context.Context, booking BookingID) ([]Payment, error)
}

// LedgerStore persists accounts and entries.
// IMPORTANT: entries are APPEND-ONLY. There is no update or delete.
type LedgerStore interface {
	CreateAccount(ctx context.Context, a LedgerAccount) error
	UpdateAccount(ctx context.Context, a LedgerAccount) error
	GetAccount(ctx context.Context, id AccountID) (LedgerAccount, error)
	FindAccountByCode(ctx context.Context, operator OperatorID, code string) (a LedgerAccount, ok bool, err error)
	ListAccounts(ctx context.Context, operator OperatorID) ([]LedgerAccount, error)

	AppendEntry(ctx context.Context, e LedgerEntry) error
	GetEntry(ctx context.Context, id EntryID) (LedgerEntry, error)

	// Entries returns an account's entries with PostedAt <= asOf, oldest first.
	Entries(ctx context.Context, account AccountID, asOf time.Time) ([]LedgerEntry, error)
}

type WithdrawalStore interface {
	CreateWithdrawal(ctx context.Context, w Withdrawal) error
	UpdateWithdrawal(ctx context.Context, w *Withdrawal) error
	GetWithdrawal(ctx context.Context, id WithdrawalID) (Withdrawal, error)
	ListWithdrawals(ctx context.Context, filter WithdrawalFilter) ([]Withdrawal, error)
}

// AuditLog stores audit entries. Also append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	AuditTrail(ctx context.Context, subjectType, subjectID string) ([]AuditEntry, error)
}

// Locker serialises writers on one key for the rest of the enclosing
// transaction. Outside a transaction the calls are no-ops.
type Locker interface {
	LockRoom(ctx context.Context, room RoomID) error
	LockAccount(ctx context.Context, account AccountID) error
}

// Store is everything a workflow reads or writes.
type Store interface {
	BookingStore
	PaymentStore
	LedgerStore
	WithdrawalStore
	AuditLog
	Locker
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Audit appends an audit entry describing a transition by id.
func Audit(ctx context.Context, s AuditLog, id Identity, action, subjectType, subjectID, from, to string, at time.Time) error {
	return s.AppendAudit(ctx, AuditEntry{
		ID:          NewID("aud"),
		Actor:       id.UserID,
		Role:        id.Role,
		Action:      action,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		From:        from,
		To:          to,
		At:          at,
	})
}

// WithTxRetry runs WithTx and retries once when a versioned update lost a
// race. fn must not carry state between attempts.
func WithTxRetry(ctx context.Context, s TxStore, fn func(Store) error) error {
	err := s.WithTx(ctx, fn)
	if errors.Is(err, ErrConcurrentModification) {
		err = s.WithTx(ctx, fn)
	}
	return err
}
