package core_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/store/memory"
)

var (
	ctx      = context.Background()
	owner    = core.Identity{UserID: "u-admin", Role: core.RoleAdminKos, OperatorID: "op-1"}
	desk     = core.Identity{UserID: "u-rcp", Role: core.RoleReceptionist, OperatorID: "op-1"}
	platform = core.Identity{UserID: "u-super", Role: core.RoleSuperAdmin}
)

// steppingClock advances one minute per reading so entries get distinct
// posting times.
type steppingClock struct{ t time.Time }

func (c *steppingClock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newLedger(t *testing.T) (*core.Ledger, *memory.Memory, *steppingClock) {
	t.Helper()
	store := memory.New()
	clock := &steppingClock{t: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
	return core.NewLedger(store, zerolog.Nop(), clock.now), store, clock
}

func TestLedger_BalanceIsSumOfEntries(t *testing.T) {
	// GIVEN: An account with two credits and a debit
	ledger, _, _ := newLedger(t)
	acct, err := ledger.CreateAccount(ctx, owner, "op-1", "Deposits", "deposits")
	require.NoError(t, err)
	assert.Equal(t, "DEPOSITS", acct.Code, "codes are normalised to upper case")

	first, err := ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(500), "opening")
	require.NoError(t, err)
	_, err = ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(300), "top up")
	require.NoError(t, err)
	_, err = ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(-200), "bank fee")
	require.NoError(t, err)

	// WHEN: The balance is read now and as of the first posting
	now, err := ledger.Balance(ctx, acct.ID, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	then, err := ledger.Balance(ctx, acct.ID, first.PostedAt)
	require.NoError(t, err)

	// THEN: Each is the sum of the entries posted by then
	assert.True(t, now.Equal(core.NewMoney(600)), "got %s", now)
	assert.True(t, then.Equal(core.NewMoney(500)), "got %s", then)
}

func TestLedger_AdjustGuards(t *testing.T) {
	ledger, _, _ := newLedger(t)
	acct, err := ledger.CreateAccount(ctx, owner, "op-1", "Deposits", "DEPOSITS")
	require.NoError(t, err)

	_, err = ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(100), "  ")
	assert.ErrorIs(t, err, core.ErrValidation, "adjustments need a memo")

	_, err = ledger.Adjust(ctx, owner, acct.ID, core.Zero, "nothing")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(-1), "overdraw")
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)

	_, err = ledger.Adjust(ctx, desk, acct.ID, core.NewMoney(100), "desk")
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = ledger.Adjust(ctx, platform, acct.ID, core.NewMoney(100), "platform correction")
	assert.NoError(t, err)
}

func TestLedger_ArchivedAccountRejectsPostings(t *testing.T) {
	ledger, store, _ := newLedger(t)
	acct, err := ledger.CreateAccount(ctx, owner, "op-1", "Old", "OLD")
	require.NoError(t, err)
	_, err = ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(100), "opening")
	require.NoError(t, err)

	archived, err := ledger.ArchiveAccount(ctx, owner, acct.ID)
	require.NoError(t, err)
	assert.True(t, archived.Archived)

	_, err = ledger.Post(ctx, acct.ID, core.NewMoney(50), core.SourceAdjustment, "adj-x")
	assert.ErrorIs(t, err, core.ErrAccountArchived)

	_, err = ledger.ArchiveAccount(ctx, owner, acct.ID)
	assert.ErrorIs(t, err, core.ErrStateConflict)

	// History stays readable.
	entries, err := ledger.Entries(ctx, desk, acct.ID, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	trail, err := store.AuditTrail(ctx, "account", string(acct.ID))
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	assert.Equal(t, "account.archive", trail[len(trail)-1].Action)
}

func TestLedger_OnePostingPerSource(t *testing.T) {
	ledger, _, _ := newLedger(t)
	acct, err := ledger.CreateAccount(ctx, owner, "op-1", "Deposits", "DEPOSITS")
	require.NoError(t, err)

	_, err = ledger.Post(ctx, acct.ID, core.NewMoney(100), core.SourcePayment, "pay-1")
	require.NoError(t, err)
	_, err = ledger.Post(ctx, acct.ID, core.NewMoney(100), core.SourcePayment, "pay-1")
	assert.ErrorIs(t, err, core.ErrDuplicateIdempotencyKey)

	bal, err := ledger.Balance(ctx, acct.ID, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, bal.Equal(core.NewMoney(100)))
}

func TestLedger_Post(t *testing.T) {
	// GIVEN: An account credited by a payment
	ledger, _, _ := newLedger(t)
	acct, err := ledger.CreateAccount(ctx, owner, "op-1", "Deposits", "DEPOSITS")
	require.NoError(t, err)

	credit, err := ledger.Post(ctx, acct.ID, core.NewMoney(300), core.SourcePayment, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, core.OperatorID("op-1"), credit.OperatorID)
	assert.Equal(t, core.SystemIdentity.UserID, credit.PostedBy)

	// WHEN: A debit exceeds what the account holds
	_, err = ledger.Post(ctx, acct.ID, core.NewMoney(-301), core.SourceWithdrawal, "wdr-1")

	// THEN: It is rejected with the shortfall and nothing is appended
	var short *core.InsufficientBalanceError
	require.ErrorAs(t, err, &short)
	assert.True(t, short.Shortfall.Equal(core.NewMoney(1)), "got %s", short.Shortfall)

	debit, err := ledger.Post(ctx, acct.ID, core.NewMoney(-300), core.SourceWithdrawal, "wdr-2")
	require.NoError(t, err)
	assert.True(t, debit.Amount.Equal(core.NewMoney(-300)))

	_, err = ledger.Post(ctx, acct.ID, core.NewMoney(300), core.SourcePayment, "pay-1")
	assert.ErrorIs(t, err, core.ErrDuplicateIdempotencyKey)

	bal, err := ledger.Balance(ctx, acct.ID, time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "got %s", bal)

	_, err = ledger.ArchiveAccount(ctx, owner, acct.ID)
	require.NoError(t, err)
	_, err = ledger.Post(ctx, acct.ID, core.NewMoney(50), core.SourcePayment, "pay-2")
	assert.ErrorIs(t, err, core.ErrAccountArchived)
}

func TestLedger_Reverse(t *testing.T) {
	// GIVEN: A mistaken credit
	ledger, _, _ := newLedger(t)
	acct, err := ledger.CreateAccount(ctx, owner, "op-1", "Deposits", "DEPOSITS")
	require.NoError(t, err)
	wrong, err := ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(700), "typo")
	require.NoError(t, err)

	// WHEN: It is reversed
	rev, err := ledger.Reverse(ctx, owner, wrong.ID, "undo typo")
	require.NoError(t, err)

	// THEN: Both entries remain and the balance is back to zero
	assert.Equal(t, core.SourceReversal, rev.SourceType)
	assert.Equal(t, string(wrong.ID), rev.SourceID)
	assert.True(t, rev.Amount.Equal(core.NewMoney(-700)))

	entries, err := ledger.Entries(ctx, owner, acct.ID, nil)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	view, err := ledger.ViewBalance(ctx, owner, acct.ID, nil)
	require.NoError(t, err)
	assert.True(t, view.Available.IsZero())

	_, err = ledger.Reverse(ctx, owner, wrong.ID, "again")
	assert.ErrorIs(t, err, core.ErrStateConflict, "an entry reverses once")

	_, err = ledger.Reverse(ctx, owner, rev.ID, "undo the undo")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = ledger.Reverse(ctx, owner, "ent-missing", "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestLedger_ReversalCannotOverdraw(t *testing.T) {
	ledger, _, _ := newLedger(t)
	acct, err := ledger.CreateAccount(ctx, owner, "op-1", "Deposits", "DEPOSITS")
	require.NoError(t, err)
	credit, err := ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(700), "credit")
	require.NoError(t, err)
	_, err = ledger.Adjust(ctx, owner, acct.ID, core.NewMoney(-500), "spent")
	require.NoError(t, err)

	_, err = ledger.Reverse(ctx, owner, credit.ID, "too late")
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)
}

func TestLedger_Accounts(t *testing.T) {
	ledger, _, _ := newLedger(t)

	system, err := ledger.EnsureSystemAccounts(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, system, 1)
	assert.Equal(t, core.IncomeAccountCode, system[0].Code)
	assert.True(t, system[0].System)

	again, err := ledger.EnsureSystemAccounts(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, system[0].ID, again[0].ID, "system accounts are created once")

	_, err = ledger.CreateAccount(ctx, owner, "op-1", "Income", core.IncomeAccountCode)
	assert.ErrorIs(t, err, core.ErrValidation, "codes are unique per operator")

	_, err = ledger.CreateAccount(ctx, owner, "op-1", "Bad", "x")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = ledger.CreateAccount(ctx, owner, "op-2", "Elsewhere", "ELSEWHERE")
	assert.ErrorIs(t, err, core.ErrForbidden)

	accounts, err := ledger.ListAccounts(ctx, desk, "op-1")
	require.NoError(t, err)
	assert.Len(t, accounts, 1)

	_, err = ledger.AvailableBalance(ctx, "op-2", system[0].ID)
	assert.ErrorIs(t, err, core.ErrNotFound, "accounts are invisible to other operators")
}
