package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kos-engine/core"
)

var (
	ctx = context.Background()
	t0  = time.Date(2024, time.January, 1, 12, 0, 0, 0, time.UTC)
)

func booking(id core.BookingID, key string) core.Booking {
	return core.Booking{
		ID:             id,
		Code:           "KOS-" + string(id),
		RoomID:         "room-1",
		CustomerID:     "cust-1",
		OperatorID:     "op-1",
		LeaseType:      core.LeaseMonthly,
		CheckIn:        core.NewDate(2024, time.January, 1),
		Status:         core.BookingPendingPayment,
		TotalAmount:    core.NewMoney(100),
		IdempotencyKey: key,
		Version:        1,
		CreatedAt:      t0,
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A transaction that writes and then fails
	m := New()
	boom := errors.New("boom")

	err := m.WithTx(ctx, func(s core.Store) error {
		if err := s.CreateBooking(ctx, booking("bkg-1", "k1")); err != nil {
			return err
		}
		return boom
	})

	// THEN: Nothing it wrote is visible
	assert.ErrorIs(t, err, boom)
	_, err = m.GetBooking(ctx, "bkg-1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, ok, err := m.FindBookingByIdempotencyKey(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateBooking_Versioned(t *testing.T) {
	m := New()
	require.NoError(t, m.CreateBooking(ctx, booking("bkg-1", "")))

	a, err := m.GetBooking(ctx, "bkg-1")
	require.NoError(t, err)
	b, err := m.GetBooking(ctx, "bkg-1")
	require.NoError(t, err)

	a.Status = core.BookingConfirmed
	require.NoError(t, m.UpdateBooking(ctx, &a))
	assert.Equal(t, int64(2), a.Version)

	b.Status = core.BookingCancelled
	assert.ErrorIs(t, m.UpdateBooking(ctx, &b), core.ErrConcurrentModification, "stale copy loses")

	stored, err := m.GetBooking(ctx, "bkg-1")
	require.NoError(t, err)
	assert.Equal(t, core.BookingConfirmed, stored.Status)
}

func TestStoredBookingsAreDetached(t *testing.T) {
	m := New()
	b := booking("bkg-1", "")
	b.PendingRenewal = &core.Renewal{Amount: core.NewMoney(50), Paid: core.Zero}
	require.NoError(t, m.CreateBooking(ctx, b))

	b.PendingRenewal.Paid = core.NewMoney(50)

	stored, err := m.GetBooking(ctx, "bkg-1")
	require.NoError(t, err)
	assert.True(t, stored.PendingRenewal.Paid.IsZero())
}

func TestUniqueKeys(t *testing.T) {
	m := New()
	b := booking("bkg-1", "key-1")
	require.NoError(t, m.CreateBooking(ctx, b))

	dup := booking("bkg-2", "key-1")
	assert.ErrorIs(t, m.CreateBooking(ctx, dup), core.ErrDuplicateIdempotencyKey)

	sameCode := booking("bkg-3", "")
	sameCode.Code = b.Code
	assert.ErrorIs(t, m.CreateBooking(ctx, sameCode), core.ErrDuplicateIdempotencyKey)

	found, ok, err := m.FindBookingByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.BookingID("bkg-1"), found.ID)

	_, ok, err = m.FindBookingByIdempotencyKey(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListBookings_Filters(t *testing.T) {
	m := New()
	for i, st := range []core.BookingStatus{core.BookingConfirmed, core.BookingCancelled, core.BookingCheckedIn} {
		b := booking(core.BookingID("bkg-"+string(rune('a'+i))), "")
		b.Status = st
		b.CreatedAt = t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, m.CreateBooking(ctx, b))
	}
	other := booking("bkg-z", "")
	other.RoomID = "room-2"
	other.CustomerID = "cust-2"
	require.NoError(t, m.CreateBooking(ctx, other))

	active, err := m.ActiveBookingsForRoom(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, core.BookingID("bkg-a"), active[0].ID, "oldest first")
	assert.Equal(t, core.BookingID("bkg-c"), active[1].ID)

	mine, err := m.ListBookings(ctx, core.BookingFilter{CustomerID: "cust-2"})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	limited, err := m.ListBookings(ctx, core.BookingFilter{OperatorID: "op-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestEntries_OrderedAndAsOf(t *testing.T) {
	m := New()
	require.NoError(t, m.CreateAccount(ctx, core.LedgerAccount{ID: "acc-1", OperatorID: "op-1", Code: "CASH"}))

	// Appended out of posting order.
	late := core.LedgerEntry{ID: "e2", AccountID: "acc-1", Amount: core.NewMoney(2), SourceType: core.SourceAdjustment, SourceID: "a2", PostedAt: t0.Add(2 * time.Hour)}
	early := core.LedgerEntry{ID: "e1", AccountID: "acc-1", Amount: core.NewMoney(1), SourceType: core.SourceAdjustment, SourceID: "a1", PostedAt: t0.Add(time.Hour)}
	require.NoError(t, m.AppendEntry(ctx, late))
	require.NoError(t, m.AppendEntry(ctx, early))

	all, err := m.Entries(ctx, "acc-1", t0.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, core.EntryID("e1"), all[0].ID)

	asOf, err := m.Entries(ctx, "acc-1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, asOf, 1, "the as-of bound is inclusive")

	again := early
	again.ID = "e3"
	assert.ErrorIs(t, m.AppendEntry(ctx, again), core.ErrDuplicateIdempotencyKey)

	sameCode := core.LedgerAccount{ID: "acc-2", OperatorID: "op-1", Code: "CASH"}
	assert.ErrorIs(t, m.CreateAccount(ctx, sameCode), core.ErrDuplicateIdempotencyKey)
	sameCode.OperatorID = "op-2"
	assert.NoError(t, m.CreateAccount(ctx, sameCode), "codes are unique per operator")
}

func TestWithdrawals_ListInRequestOrder(t *testing.T) {
	m := New()
	for i, st := range []core.WithdrawalStatus{core.WithdrawalPending, core.WithdrawalRejected, core.WithdrawalPending} {
		require.NoError(t, m.CreateWithdrawal(ctx, core.Withdrawal{
			ID:          core.WithdrawalID("wdr-" + string(rune('a'+i))),
			OperatorID:  "op-1",
			AccountID:   "acc-1",
			Amount:      core.NewMoney(10),
			Status:      st,
			RequestedAt: t0,
			Version:     1,
		}))
	}

	pending, err := m.ListWithdrawals(ctx, core.WithdrawalFilter{AccountID: "acc-1", Statuses: []core.WithdrawalStatus{core.WithdrawalPending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, core.WithdrawalID("wdr-a"), pending[0].ID)
	assert.Equal(t, core.WithdrawalID("wdr-c"), pending[1].ID)

	w := pending[0]
	w.Status = core.WithdrawalApproved
	require.NoError(t, m.UpdateWithdrawal(ctx, &w))
	stale := pending[0]
	assert.ErrorIs(t, m.UpdateWithdrawal(ctx, &stale), core.ErrConcurrentModification)
}
