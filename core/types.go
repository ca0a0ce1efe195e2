/*
Package core provides the shared engine for the boarding-house booking and
operator ledger subsystem.

PURPOSE:
  This package holds the domain-agnostic building blocks every workflow
  uses: money, identifiers, calendar dates, error kinds, entities, store
  interfaces and the append-only ledger. The workflows themselves live in
  the booking, payment and withdrawal packages and talk to persistence only
  through the interfaces declared here.

KEY CONCEPTS IN THIS FILE (types.go):
  - Money: an exact decimal amount in the operator's currency (IDR)
  - IDs: type-safe identifiers for rooms, bookings, operators, accounts
  - Identity: the resolved caller handed in by the authentication layer

DESIGN PRINCIPLES:
  1. Immutability: ledger entries are never modified, only reversed
  2. Precision: decimal.Decimal everywhere money is touched
  3. Type Safety: distinct ID types so a room ID cannot be posted as an account
  4. Auditability: every state change records actor, source and timestamp

SEE ALSO:
  - booking.go: Booking entity and its lifecycle statuses
  - ledger.go: Ledger Store (post, balance, available balance)
  - store.go: persistence contracts
*/
package core

import (
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY - Exact decimal amount
// =============================================================================

// Money is an amount of the operator's currency. Positive values are
// inflows (credits), negative values outflows (debits).
type Money struct {
	decimal.Decimal
}

// Zero is the zero amount.
var Zero = Money{Decimal: decimal.Zero}

func NewMoney(value int64) Money { return Money{Decimal: decimal.NewFromInt(value)} }

func MoneyFromDecimal(d decimal.Decimal) Money { return Money{Decimal: d} }

// ParseMoney parses a decimal string such as "1500000" or "1500000.50".
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Zero, err
	}
	return Money{Decimal: d}, nil
}

// MustParseMoney is ParseMoney for trusted input; malformed strings yield Zero.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		return Zero
	}
	return m
}

func (m Money) Add(o Money) Money { return Money{Decimal: m.Decimal.Add(o.Decimal)} }
func (m Money) Sub(o Money) Money { return Money{Decimal: m.Decimal.Sub(o.Decimal)} }
func (m Money) Neg() Money { return Money{Decimal: m.Decimal.Neg()} }
func (m Money) GreaterThan(o Money) bool { return m.Decimal.GreaterThan(o.Decimal) }
func (m Money) LessThan(o Money) bool { return m.Decimal.LessThan(o.Decimal) }
func (m Money) Equal(o Money) bool { return m.Decimal.Equal(o.Decimal) }
func (m Money) IsPositive() bool { return m.Decimal.IsPositive() }
func (m Money) IsNegative() bool { return m.Decimal.IsNegative() }
func (m Money) IsZero() bool { return m.Decimal.IsZero() }

// Max returns the larger of m and o.
func (m Money) Max(o Money) Money {
	if m.GreaterThan(o) {
		return m
	}
	return o
}

// Sum adds up a list of amounts.
func Sum(amounts ...Money) Money {
	total := Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type RoomID string
type BookingID string
type CustomerID string
type OperatorID string
type PaymentID string
type AccountID string
type EntryID string
type WithdrawalID string
type UserID string

// NewID returns a random identifier with the given prefix, e.g. "bkg-<uuid>".
func NewID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// =============================================================================
// IDENTITY - Resolved caller supplied by the authentication layer
// =============================================================================

// Identity is the caller as resolved by the external authentication layer.
// The core trusts it and only checks capabilities against it.
type Identity struct {
	UserID     UserID
	Role       Role
	OperatorID OperatorID // set for ADMINKOS and RECEPTIONIST
	CustomerID CustomerID // set for CUSTOMER
}

// SystemIdentity is used for callbacks that arrive without a user, such as
// payment-gateway settlement notifications.
var SystemIdentity = Identity{UserID: "system", Role: RoleSystem}

// IsZero reports whether no identity was resolved.
func (id Identity) IsZero() bool { return id.UserID == "" && id.Role == "" }
