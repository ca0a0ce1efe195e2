/*
ledger.go - Append-only operator ledger

PURPOSE:
  The ledger is the immutable source of truth for an operator's money.
  Every settled payment, approved withdrawal, manual adjustment and
  reversal is recorded as an entry. Balance is always computed by summing
  entries; there is no stored balance field that can get out of sync.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. ARCHIVED ACCOUNTS: accept no new entries
  3. ONE POSTING PER SOURCE: a payment, withdrawal or reversed entry posts
     at most once to a given account
  4. NON-NEGATIVE: debits never take available balance below zero

AVAILABLE BALANCE:
  available = posted balance - sum(PENDING withdrawals on the account)
  Pending withdrawals reserve funds without touching the ledger.

CORRECTIONS:
  A mistaken entry is not edited. Reverse posts the negated amount with
  source type "reversal"; both entries stay in the ledger.

TX HELPERS:
  PostTx, BalanceTx, AvailableTx and EnsureIncomeAccountTx run against the
  Store handed to a WithTx callback so payment settlement and withdrawal
  workflows can post inside their own transaction.

SEE ALSO:
  - store.go: LedgerStore
  - withdrawal/workflow.go: reservation and debit
*/
package core

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// ACCOUNTS AND ENTRIES
// =============================================================================

// IncomeAccountCode is the system account credited by settled payments.
const (
	IncomeAccountCode = "RENTAL_INCOME"
	IncomeAccountName = "Rental Income"
)

type LedgerAccount struct {
	ID         AccountID
	OperatorID OperatorID
	Name       string
	Code       string
	System     bool
	Archived   bool
	CreatedAt  time.Time
}

type SourceType string

const (
	SourcePayment    SourceType = "payment"
	SourceWithdrawal SourceType = "withdrawal"
	SourceAdjustment SourceType = "adjustment"
	SourceReversal   SourceType = "reversal"
)

// LedgerEntry is immutable. Positive amounts are credits.
type LedgerEntry struct {
	ID         EntryID
	AccountID  AccountID
	OperatorID OperatorID
	Amount     Money
	SourceType SourceType
	SourceID   string
	Memo       string
	PostedBy   UserID
	PostedAt   time.Time
}

// BalanceView is an account balance split into posted and reserved funds.
type BalanceView struct {
	AccountID AccountID
	Posted    Money
	Reserved  Money
	Available Money
	AsOf      time.Time
}

var accountCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,31}$`)

// =============================================================================
// TX HELPERS - Run inside WithTx
// =============================================================================

// PostTx appends e after checking the target account accepts postings.
func PostTx(ctx context.Context, s Store, e LedgerEntry) (LedgerEntry, error) {
	if e.Amount.IsZero() {
		return LedgerEntry{}, Invalid("amount", "must not be zero")
	}
	acct, err := s.GetAccount(ctx, e.AccountID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if acct.Archived {
		return LedgerEntry{}, &AccountArchivedError{AccountID: acct.ID}
	}
	if e.ID == "" {
		e.ID = EntryID(NewID("ent"))
	}
	e.OperatorID = acct.OperatorID
	if err := s.AppendEntry(ctx, e); err != nil {
		return LedgerEntry{}, err
	}
	return e, nil
}

// BalanceTx sums the entries of account posted at or before asOf.
func BalanceTx(ctx context.Context, s LedgerStore, account AccountID, asOf time.Time) (Money, error) {
	entries, err := s.Entries(ctx, account, asOf)
	if err != nil {
		return Zero, err
	}
	balance := Zero
	for _, e := range entries {
		balance = balance.Add(e.Amount)
	}
	return balance, nil
}

// ReservedTx sums PENDING withdrawals on account, skipping exclude.
func ReservedTx(ctx context.Context, s WithdrawalStore, account AccountID, exclude WithdrawalID) (Money, error) {
	pending, err := s.ListWithdrawals(ctx, WithdrawalFilter{
		AccountID: account,
		Statuses:  []WithdrawalStatus{WithdrawalPending},
	})
	if err != nil {
		return Zero, err
	}
	reserved := Zero
	for _, w := range pending {
		if w.ID == exclude {
			continue
		}
		reserved = reserved.Add(w.Amount)
	}
	return reserved, nil
}

// AvailableTx returns the balance view of account at asOf.
func AvailableTx(ctx context.Context, s Store, account AccountID, asOf time.Time) (BalanceView, error) {
	return availableExcluding(ctx, s, account, asOf, "")
}

func availableExcluding(ctx context.Context, s Store, account AccountID, asOf time.Time, exclude WithdrawalID) (BalanceView, error) {
	posted, err := BalanceTx(ctx, s, account, asOf)
	if err != nil {
		return BalanceView{}, err
	}
	reserved, err := ReservedTx(ctx, s, account, exclude)
	if err != nil {
		return BalanceView{}, err
	}
	return BalanceView{
		AccountID: account,
		Posted:    posted,
		Reserved:  reserved,
		Available: posted.Sub(reserved),
		AsOf:      asOf,
	}, nil
}

// DebitTx posts a negative amount after locking the account and checking
// that available funds, ignoring the reservation held by exclude, cover it.
func DebitTx(ctx context.Context, s Store, e LedgerEntry, exclude WithdrawalID) (LedgerEntry, error) {
	if err := s.LockAccount(ctx, e.AccountID); err != nil {
		return LedgerEntry{}, err
	}
	view, err := availableExcluding(ctx, s, e.AccountID, e.PostedAt, exclude)
	if err != nil {
		return LedgerEntry{}, err
	}
	debit := e.Amount.Neg()
	if debit.GreaterThan(view.Available) {
		return LedgerEntry{}, &InsufficientBalanceError{
			AccountID: e.AccountID,
			Available: view.Available,
			Requested: debit,
			Shortfall: debit.Sub(view.Available),
		}
	}
	return PostTx(ctx, s, e)
}

// EnsureIncomeAccountTx returns the operator's income account, creating it
// on first use.
func EnsureIncomeAccountTx(ctx context.Context, s Store, operator OperatorID, at time.Time) (LedgerAccount, error) {
	acct, ok, err := s.FindAccountByCode(ctx, operator, IncomeAccountCode)
	if err != nil || ok {
		return acct, err
	}
	acct = LedgerAccount{
		ID:         AccountID(NewID("acc")),
		OperatorID: operator,
		Name:       IncomeAccountName,
		Code:       IncomeAccountCode,
		System:     true,
		CreatedAt:  at,
	}
	if err := s.CreateAccount(ctx, acct); err != nil {
		return LedgerAccount{}, err
	}
	return acct, nil
}

// =============================================================================
// LEDGER SERVICE
// =============================================================================

// Ledger exposes the ledger store contract and account administration.
type Ledger struct {
	store TxStore
	now   Clock
	log   zerolog.Logger
}

func NewLedger(store TxStore, log zerolog.Logger, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock
	}
	return &Ledger{store: store, now: clock, log: log.With().Str("component", "ledger").Logger()}
}

// Post appends one entry. It fails with AccountArchived if the account is
// closed and ErrDuplicateIdempotencyKey if the source already posted. A
// debit larger than the available balance fails with InsufficientBalance.
func (l *Ledger) Post(ctx context.Context, account AccountID, amount Money, sourceType SourceType, sourceID string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		e := LedgerEntry{
			AccountID:  account,
			Amount:     amount,
			SourceType: sourceType,
			SourceID:   sourceID,
			PostedBy:   SystemIdentity.UserID,
			PostedAt:   l.now(),
		}
		var err error
		if amount.IsNegative() {
			entry, err = DebitTx(ctx, s, e, "")
		} else {
			entry, err = PostTx(ctx, s, e)
		}
		return err
	})
	return entry, err
}

// Balance is the sum of entries with PostedAt <= asOf.
func (l *Ledger) Balance(ctx context.Context, account AccountID, asOf time.Time) (Money, error) {
	if _, err := l.store.GetAccount(ctx, account); err != nil {
		return Zero, err
	}
	return BalanceTx(ctx, l.store, account, asOf)
}

// AvailableBalance is the posted balance minus pending withdrawals.
func (l *Ledger) AvailableBalance(ctx context.Context, operator OperatorID, account AccountID) (BalanceView, error) {
	acct, err := l.store.GetAccount(ctx, account)
	if err != nil {
		return BalanceView{}, err
	}
	if acct.OperatorID != operator {
		return BalanceView{}, &NotFoundError{Entity: "account", ID: string(account)}
	}
	var view BalanceView
	err = l.store.WithTx(ctx, func(s Store) error {
		var err error
		view, err = AvailableTx(ctx, s, account, l.now())
		return err
	})
	return view, err
}

// ViewBalance is AvailableBalance for a caller, as of asOf when given.
func (l *Ledger) ViewBalance(ctx context.Context, id Identity, account AccountID, asOf *time.Time) (BalanceView, error) {
	acct, err := l.store.GetAccount(ctx, account)
	if err != nil {
		return BalanceView{}, err
	}
	if err := Authorize(id, ActionViewBalance, Subject{OperatorID: acct.OperatorID}); err != nil {
		return BalanceView{}, err
	}
	at := l.now()
	if asOf != nil {
		at = *asOf
	}
	var view BalanceView
	err = l.store.WithTx(ctx, func(s Store) error {
		var err error
		view, err = AvailableTx(ctx, s, account, at)
		return err
	})
	return view, err
}

// EnsureSystemAccounts creates the platform-defined accounts of an operator.
func (l *Ledger) EnsureSystemAccounts(ctx context.Context, operator OperatorID) ([]LedgerAccount, error) {
	if operator == "" {
		return nil, Invalid("operator_id", "is required")
	}
	var accounts []LedgerAccount
	err := l.store.WithTx(ctx, func(s Store) error {
		acct, err := EnsureIncomeAccountTx(ctx, s, operator, l.now())
		if err != nil {
			return err
		}
		accounts = []LedgerAccount{acct}
		return nil
	})
	return accounts, err
}

// CreateAccount opens a named bucket for an operator.
func (l *Ledger) CreateAccount(ctx context.Context, id Identity, operator OperatorID, name, code string) (LedgerAccount, error) {
	if err := Authorize(id, ActionManageAccounts, Subject{OperatorID: operator}); err != nil {
		return LedgerAccount{}, err
	}
	name = strings.TrimSpace(name)
	code = strings.ToUpper(strings.TrimSpace(code))
	if name == "" {
		return LedgerAccount{}, Invalid("name", "is required")
	}
	if !accountCodePattern.MatchString(code) {
		return LedgerAccount{}, Invalid("code", "must be 2-32 upper-case letters, digits or underscores")
	}

	acct := LedgerAccount{
		ID:         AccountID(NewID("acc")),
		OperatorID: operator,
		Name:       name,
		Code:       code,
		CreatedAt:  l.now(),
	}
	err := l.store.WithTx(ctx, func(s Store) error {
		if _, ok, err := s.FindAccountByCode(ctx, operator, code); err != nil {
			return err
		} else if ok {
			return Invalid("code", "account %s already exists", code)
		}
		if err := s.CreateAccount(ctx, acct); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				return Invalid("code", "account %s already exists", code)
			}
			return err
		}
		return Audit(ctx, s, id, "account.create", "account", string(acct.ID), "", "open", acct.CreatedAt)
	})
	if err != nil {
		return LedgerAccount{}, err
	}
	l.log.Info().Str("account_id", string(acct.ID)).Str("operator_id", string(operator)).Str("code", code).Msg("account created")
	return acct, nil
}

// ArchiveAccount closes an account to new postings. Its entries remain.
func (l *Ledger) ArchiveAccount(ctx context.Context, id Identity, account AccountID) (LedgerAccount, error) {
	var acct LedgerAccount
	err := l.store.WithTx(ctx, func(s Store) error {
		var err error
		if acct, err = s.GetAccount(ctx, account); err != nil {
			return err
		}
		if err := Authorize(id, ActionManageAccounts, Subject{OperatorID: acct.OperatorID}); err != nil {
			return err
		}
		if acct.Archived {
			return &StateConflictError{Entity: "account", ID: string(account), Current: "archived", Action: "archive"}
		}
		acct.Archived = true
		if err := s.UpdateAccount(ctx, acct); err != nil {
			return err
		}
		return Audit(ctx, s, id, "account.archive", "account", string(account), "open", "archived", l.now())
	})
	return acct, err
}

func (l *Ledger) ListAccounts(ctx context.Context, id Identity, operator OperatorID) ([]LedgerAccount, error) {
	if err := Authorize(id, ActionViewBalance, Subject{OperatorID: operator}); err != nil {
		return nil, err
	}
	return l.store.ListAccounts(ctx, operator)
}

// Entries returns the entries of an account up to asOf (now when nil).
func (l *Ledger) Entries(ctx context.Context, id Identity, account AccountID, asOf *time.Time) ([]LedgerEntry, error) {
	acct, err := l.store.GetAccount(ctx, account)
	if err != nil {
		return nil, err
	}
	if err := Authorize(id, ActionViewBalance, Subject{OperatorID: acct.OperatorID}); err != nil {
		return nil, err
	}
	at := l.now()
	if asOf != nil {
		at = *asOf
	}
	return l.store.Entries(ctx, account, at)
}

// Adjust posts a manual correction. Debits may not exceed available funds.
func (l *Ledger) Adjust(ctx context.Context, id Identity, account AccountID, amount Money, memo string) (LedgerEntry, error) {
	if strings.TrimSpace(memo) == "" {
		return LedgerEntry{}, Invalid("memo", "is required for adjustments")
	}
	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		acct, err := s.GetAccount(ctx, account)
		if err != nil {
			return err
		}
		if err := Authorize(id, ActionManageAccounts, Subject{OperatorID: acct.OperatorID}); err != nil {
			return err
		}
		e := LedgerEntry{
			AccountID:  account,
			Amount:     amount,
			SourceType: SourceAdjustment,
			SourceID:   NewID("adj"),
			Memo:       memo,
			PostedBy:   id.UserID,
			PostedAt:   l.now(),
		}
		if amount.IsNegative() {
			entry, err = DebitTx(ctx, s, e, "")
		} else {
			entry, err = PostTx(ctx, s, e)
		}
		if err != nil {
			return err
		}
		return Audit(ctx, s, id, "ledger.adjust", "account", string(account), "", entry.Amount.String(), entry.PostedAt)
	})
	return entry, err
}

// Reverse posts the negation of an entry. Each entry reverses at most once.
func (l *Ledger) Reverse(ctx context.Context, id Identity, entryID EntryID, memo string) (LedgerEntry, error) {
	var entry LedgerEntry
	err := l.store.WithTx(ctx, func(s Store) error {
		orig, err := s.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if err := Authorize(id, ActionManageAccounts, Subject{OperatorID: orig.OperatorID}); err != nil {
			return err
		}
		if orig.SourceType == SourceReversal {
			return Invalid("entry_id", "a reversal cannot itself be reversed")
		}
		e := LedgerEntry{
			AccountID:  orig.AccountID,
			Amount:     orig.Amount.Neg(),
			SourceType: SourceReversal,
			SourceID:   string(orig.ID),
			Memo:       memo,
			PostedBy:   id.UserID,
			PostedAt:   l.now(),
		}
		if e.Amount.IsNegative() {
			entry, err = DebitTx(ctx, s, e, "")
		} else {
			entry, err = PostTx(ctx, s, e)
		}
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			return &StateConflictError{Entity: "entry", ID: string(entryID), Current: "reversed", Action: "reverse"}
		}
		if err != nil {
			return err
		}
		return Audit(ctx, s, id, "ledger.reverse", "entry", string(entryID), "", string(entry.ID), entry.PostedAt)
	})
	return entry, err
}
