package withdrawal_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/store/memory"
	"github.com/warp/kos-engine/withdrawal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	ctx        = context.Background()
	now        = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)
	admin      = core.Identity{UserID: "u-admin", Role: core.RoleAdminKos, OperatorID: "op-1"}
	otherAdmin = core.Identity{UserID: "u-admin-2", Role: core.RoleAdminKos, OperatorID: "op-2"}
	desk       = core.Identity{UserID: "u-rcp", Role: core.RoleReceptionist, OperatorID: "op-1"}
	platform   = core.Identity{UserID: "u-super", Role: core.RoleSuperAdmin}
)

type fixture struct {
	store    *memory.Memory
	ledger   *core.Ledger
	workflow *withdrawal.Workflow
	account  core.AccountID
}

// newFixture opens an op-1 account holding funded.
func newFixture(t *testing.T, funded int64) *fixture {
	t.Helper()
	store := memory.New()
	clock := core.FixedClock(now)
	f := &fixture{
		store:  store,
		ledger: core.NewLedger(store, zerolog.Nop(), clock),
		workflow: withdrawal.NewWorkflow(withdrawal.Options{
			Store:  store,
			Clock:  clock,
			Logger: zerolog.Nop(),
		}),
	}
	acct, err := f.ledger.CreateAccount(ctx, admin, "op-1", "Payouts", "PAYOUTS")
	require.NoError(t, err)
	f.account = acct.ID
	if funded > 0 {
		_, err = f.ledger.Adjust(ctx, admin, acct.ID, core.NewMoney(funded), "opening balance")
		require.NoError(t, err)
	}
	return f
}

func (f *fixture) view(t *testing.T) core.BalanceView {
	t.Helper()
	v, err := f.ledger.AvailableBalance(ctx, "op-1", f.account)
	require.NoError(t, err)
	return v
}

// =============================================================================
// REQUEST
// =============================================================================

func TestRequest_ReservesAvailableBalance(t *testing.T) {
	// GIVEN: An account with 1,000,000 posted
	f := newFixture(t, 1_000_000)

	// WHEN: The operator requests 400,000
	wd, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(400_000), "BCA 1234567890")
	require.NoError(t, err)

	// THEN: The withdrawal is PENDING and the amount is held, not posted
	assert.Equal(t, core.WithdrawalPending, wd.Status)
	assert.Equal(t, core.UserID("u-admin"), wd.RequestedBy)
	v := f.view(t)
	assert.True(t, v.Posted.Equal(core.NewMoney(1_000_000)), "posted %s", v.Posted)
	assert.True(t, v.Reserved.Equal(core.NewMoney(400_000)), "reserved %s", v.Reserved)
	assert.True(t, v.Available.Equal(core.NewMoney(600_000)), "available %s", v.Available)
}

func TestRequest_InsufficientBalance(t *testing.T) {
	f := newFixture(t, 1_000_000)
	_, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(600_000), "BCA 1")
	require.NoError(t, err)

	_, err = f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(500_000), "BCA 1")

	var ierr *core.InsufficientBalanceError
	require.ErrorAs(t, err, &ierr)
	assert.True(t, ierr.Available.Equal(core.NewMoney(400_000)))
	assert.True(t, ierr.Shortfall.Equal(core.NewMoney(100_000)))
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)
}

func TestRequest_Validation(t *testing.T) {
	f := newFixture(t, 1_000_000)

	tests := []struct {
		name   string
		id     core.Identity
		amount int64
		bank   string
		want   error
	}{
		{"zero amount", admin, 0, "BCA 1", core.ErrValidation},
		{"negative amount", admin, -5, "BCA 1", core.ErrValidation},
		{"missing bank account", admin, 100, "  ", core.ErrValidation},
		{"receptionist cannot request", desk, 100, "BCA 1", core.ErrForbidden},
		{"other operator", otherAdmin, 100, "BCA 1", core.ErrForbidden},
		{"anonymous", core.Identity{}, 100, "BCA 1", core.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.workflow.Request(ctx, tt.id, "op-1", f.account, core.NewMoney(tt.amount), tt.bank)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestRequest_AccountOfAnotherOperatorIsHidden(t *testing.T) {
	f := newFixture(t, 1_000_000)

	_, err := f.workflow.Request(ctx, otherAdmin, "op-2", f.account, core.NewMoney(100), "BCA 2")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRequest_ArchivedAccount(t *testing.T) {
	f := newFixture(t, 1_000_000)
	_, err := f.ledger.ArchiveAccount(ctx, admin, f.account)
	require.NoError(t, err)

	_, err = f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(100), "BCA 1")
	assert.ErrorIs(t, err, core.ErrAccountArchived)
}

func TestRequest_ConcurrentRequestsCannotOverdraw(t *testing.T) {
	// GIVEN: 1,000,000 available
	// WHEN: Two requests of 700,000 race
	// THEN: Exactly one is accepted
	f := newFixture(t, 1_000_000)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		refused  int
	)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(700_000), "BCA 1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, core.ErrInsufficientBalance):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, refused)
	assert.True(t, f.view(t).Available.Equal(core.NewMoney(300_000)))
}

// =============================================================================
// DECIDE
// =============================================================================

func TestDecide_ApprovePostsDebit(t *testing.T) {
	f := newFixture(t, 1_000_000)
	wd, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(1_000_000), "BCA 1")
	require.NoError(t, err)

	// Approval may spend the funds its own request reserved.
	approved, err := f.workflow.Decide(ctx, platform, wd.ID, withdrawal.Approve, "")
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalApproved, approved.Status)
	assert.Equal(t, core.UserID("u-super"), approved.DecidedBy)
	require.NotNil(t, approved.DecidedAt)

	v := f.view(t)
	assert.True(t, v.Posted.IsZero(), "posted %s", v.Posted)
	assert.True(t, v.Reserved.IsZero(), "reserved %s", v.Reserved)

	entries, err := f.store.Entries(ctx, f.account, now)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	debit := entries[1]
	assert.Equal(t, core.SourceWithdrawal, debit.SourceType)
	assert.Equal(t, string(wd.ID), debit.SourceID)
	assert.True(t, debit.Amount.Equal(core.NewMoney(-1_000_000)))

	_, err = f.workflow.Decide(ctx, platform, wd.ID, withdrawal.Approve, "")
	assert.ErrorIs(t, err, core.ErrStateConflict, "a decided withdrawal cannot be decided again")
}

func TestDecide_RejectReleasesReservation(t *testing.T) {
	f := newFixture(t, 1_000_000)
	wd, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(800_000), "BCA 1")
	require.NoError(t, err)

	rejected, err := f.workflow.Decide(ctx, platform, wd.ID, withdrawal.Reject, "bank account mismatch")
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalRejected, rejected.Status)
	assert.Equal(t, "bank account mismatch", rejected.Reason)

	v := f.view(t)
	assert.True(t, v.Available.Equal(core.NewMoney(1_000_000)))

	entries, err := f.store.Entries(ctx, f.account, now)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "rejection posts nothing")
}

func TestDecide_Guards(t *testing.T) {
	f := newFixture(t, 1_000_000)
	wd, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(100), "BCA 1")
	require.NoError(t, err)

	_, err = f.workflow.Decide(ctx, admin, wd.ID, withdrawal.Approve, "")
	assert.ErrorIs(t, err, core.ErrForbidden, "operators cannot approve their own payouts")

	_, err = f.workflow.Decide(ctx, platform, wd.ID, withdrawal.Decision("maybe"), "")
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.workflow.Decide(ctx, platform, "wdr-missing", withdrawal.Approve, "")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestDecide_ApprovalSpendsItsOwnReservation(t *testing.T) {
	// GIVEN: A pending request and a later correction that spends the rest
	f := newFixture(t, 1_000_000)
	wd, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(600_000), "BCA 1")
	require.NoError(t, err)
	_, err = f.ledger.Adjust(ctx, admin, f.account, core.NewMoney(-400_000), "duplicate cash entry")
	require.NoError(t, err)

	// WHEN: A further debit would dip into the reservation
	_, err = f.ledger.Adjust(ctx, platform, f.account, core.NewMoney(-1), "rounding")

	// THEN: It is refused, but approval can still spend the held funds
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)

	approved, err := f.workflow.Decide(ctx, platform, wd.ID, withdrawal.Approve, "")
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalApproved, approved.Status)
	assert.True(t, f.view(t).Available.IsZero())
}

// =============================================================================
// MARK PAID
// =============================================================================

func TestMarkPaid(t *testing.T) {
	f := newFixture(t, 1_000_000)
	wd, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(250_000), "BCA 1")
	require.NoError(t, err)

	_, err = f.workflow.MarkPaid(ctx, platform, wd.ID, "payout-1")
	assert.ErrorIs(t, err, core.ErrStateConflict, "pending withdrawals are not paid out")

	_, err = f.workflow.Decide(ctx, platform, wd.ID, withdrawal.Approve, "")
	require.NoError(t, err)

	_, err = f.workflow.MarkPaid(ctx, platform, wd.ID, "")
	assert.ErrorIs(t, err, core.ErrValidation)

	paid, err := f.workflow.MarkPaid(ctx, core.SystemIdentity, wd.ID, "payout-1")
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalPaid, paid.Status)
	assert.Equal(t, "payout-1", paid.PayoutRef)
	require.NotNil(t, paid.PaidAt)

	again, err := f.workflow.MarkPaid(ctx, core.SystemIdentity, wd.ID, "payout-1")
	require.NoError(t, err, "the same payout report is a replay")
	assert.Equal(t, core.WithdrawalPaid, again.Status)

	_, err = f.workflow.MarkPaid(ctx, core.SystemIdentity, wd.ID, "payout-2")
	assert.ErrorIs(t, err, core.ErrStateConflict)

	entries, err := f.store.Entries(ctx, f.account, now)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "paying out posts nothing further")
}

// =============================================================================
// LIST
// =============================================================================

func TestList_ScopedByRole(t *testing.T) {
	f := newFixture(t, 1_000_000)
	_, err := f.workflow.Request(ctx, admin, "op-1", f.account, core.NewMoney(100), "BCA 1")
	require.NoError(t, err)

	mine, err := f.workflow.List(ctx, desk, core.WithdrawalFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := f.workflow.List(ctx, otherAdmin, core.WithdrawalFilter{})
	require.NoError(t, err)
	assert.Empty(t, theirs)

	_, err = f.workflow.List(ctx, otherAdmin, core.WithdrawalFilter{OperatorID: "op-1"})
	assert.ErrorIs(t, err, core.ErrForbidden)

	all, err := f.workflow.List(ctx, platform, core.WithdrawalFilter{Statuses: []core.WithdrawalStatus{core.WithdrawalPending}})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	customer := core.Identity{UserID: "u-c", Role: core.RoleCustomer, CustomerID: "cust-1"}
	_, err = f.workflow.List(ctx, customer, core.WithdrawalFilter{})
	assert.ErrorIs(t, err, core.ErrForbidden)
}
