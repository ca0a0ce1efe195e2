package sqlstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kos-engine/booking"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/payment"
	"github.com/warp/kos-engine/store/sqlstore"
	"github.com/warp/kos-engine/withdrawal"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	ctx      = context.Background()
	jan1     = core.NewDate(2024, time.January, 1)
	feb1     = core.NewDate(2024, time.February, 1)
	now      = time.Date(2024, time.January, 1, 9, 0, 0, 0, time.UTC)
	cust     = core.Identity{UserID: "u-cust-1", Role: core.RoleCustomer, CustomerID: "cust-1"}
	desk     = core.Identity{UserID: "u-rcp", Role: core.RoleReceptionist, OperatorID: "op-1"}
	owner    = core.Identity{UserID: "u-admin", Role: core.RoleAdminKos, OperatorID: "op-1"}
	platform = core.Identity{UserID: "u-super", Role: core.RoleSuperAdmin}
)

func openStore(t *testing.T) *sqlstore.Store {
	t.Helper()
	store, err := sqlstore.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type services struct {
	bookings    *booking.Service
	payments    *payment.Tracker
	withdrawals *withdrawal.Workflow
	ledger      *core.Ledger
}

func newServices(store *sqlstore.Store, clock core.Clock) services {
	log := zerolog.Nop()
	return services{
		bookings: booking.NewService(booking.Options{
			Store: store, Policy: core.DefaultPolicy(), Clock: clock, Logger: log,
		}),
		payments: payment.NewTracker(payment.Options{
			Store: store, Policy: core.DefaultPolicy(), Clock: clock, Logger: log,
		}),
		withdrawals: withdrawal.NewWorkflow(withdrawal.Options{
			Store: store, Clock: clock, Logger: log,
		}),
		ledger: core.NewLedger(store, log, clock),
	}
}

func monthly(room core.RoomID, key string) booking.CreateRequest {
	return booking.CreateRequest{
		RoomID:         room,
		OperatorID:     "op-1",
		CustomerID:     "cust-1",
		LeaseType:      core.LeaseMonthly,
		CheckIn:        jan1,
		Periods:        1,
		TotalAmount:    core.NewMoney(1_500_000),
		IdempotencyKey: key,
	}
}

// =============================================================================
// END TO END
// =============================================================================

func TestSQLite_BookingToPayout(t *testing.T) {
	store := openStore(t)
	svc := newServices(store, core.FixedClock(now))

	// GIVEN: A customer books online and retries the request
	created, err := svc.bookings.CreateOnline(ctx, cust, monthly("room-101", "web-1"))
	require.NoError(t, err)
	again, err := svc.bookings.CreateOnline(ctx, cust, monthly("room-101", "web-1"))
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, created.Booking.ID, again.Booking.ID)

	// WHEN: The gateway reports the payment twice
	p, err := svc.payments.RecordIntent(ctx, cust, created.Booking.ID, core.PaymentFull, core.Zero)
	require.NoError(t, err)
	cb := payment.Callback{PaymentID: p.ID, ExternalRef: "trx-1", Status: core.PaymentSettled}
	_, err = svc.payments.HandleCallback(ctx, cb)
	require.NoError(t, err)
	_, err = svc.payments.HandleCallback(ctx, cb)
	require.NoError(t, err)

	// THEN: The booking is confirmed and income posted once
	b, err := svc.bookings.Get(ctx, desk, created.Booking.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BookingConfirmed, b.Status)
	assert.Equal(t, int64(2), b.Version)

	income, ok, err := store.FindAccountByCode(ctx, "op-1", core.IncomeAccountCode)
	require.NoError(t, err)
	require.True(t, ok)
	view, err := svc.ledger.ViewBalance(ctx, owner, income.ID, nil)
	require.NoError(t, err)
	assert.True(t, view.Posted.Equal(core.NewMoney(1_500_000)), "posted %s", view.Posted)

	// AND: The operator withdraws part of it
	wd, err := svc.withdrawals.Request(ctx, owner, "op-1", income.ID, core.NewMoney(1_000_000), "BCA 123")
	require.NoError(t, err)
	_, err = svc.withdrawals.Request(ctx, owner, "op-1", income.ID, core.NewMoney(600_000), "BCA 123")
	assert.ErrorIs(t, err, core.ErrInsufficientBalance)

	_, err = svc.withdrawals.Decide(ctx, platform, wd.ID, withdrawal.Approve, "")
	require.NoError(t, err)
	paid, err := svc.withdrawals.MarkPaid(ctx, core.SystemIdentity, wd.ID, "payout-1")
	require.NoError(t, err)
	assert.Equal(t, core.WithdrawalPaid, paid.Status)

	view, err = svc.ledger.ViewBalance(ctx, owner, income.ID, nil)
	require.NoError(t, err)
	assert.True(t, view.Available.Equal(core.NewMoney(500_000)), "available %s", view.Available)

	history, err := svc.bookings.History(ctx, desk, b.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "booking.create", history[0].Action)
	assert.Equal(t, "booking.confirm", history[1].Action)
	assert.Equal(t, core.RoleSystem, history[1].Role)
}

func TestSQLite_RenewalRoundTrip(t *testing.T) {
	store := openStore(t)
	svc := newServices(store, core.FixedClock(now))

	res, err := svc.bookings.CreateDirect(ctx, desk, monthly("room-7", "walkin-7"), booking.DirectPayment{Type: core.PaymentFull, ExternalRef: "cash-7"})
	require.NoError(t, err)
	_, err = svc.bookings.CheckIn(ctx, desk, res.Booking.ID)
	require.NoError(t, err)

	renewed, p, err := svc.bookings.Renew(ctx, cust, res.Booking.ID, booking.RenewRequest{Amount: core.NewMoney(1_500_000)})
	require.NoError(t, err)
	require.NotNil(t, renewed.PendingRenewal)

	// The pending renewal survives a reload.
	stored, err := store.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.PendingRenewal)
	assert.Equal(t, "2024-03-01", stored.PendingRenewal.NewCheckOut.String())
	assert.True(t, stored.PendingRenewal.Amount.Equal(core.NewMoney(1_500_000)))
	require.NotNil(t, stored.ActualCheckIn)
	assert.True(t, now.Equal(*stored.ActualCheckIn))

	_, err = svc.payments.HandleCallback(ctx, payment.Callback{PaymentID: p.ID, ExternalRef: "trx-renew", Status: core.PaymentSettled})
	require.NoError(t, err)

	stored, err = store.GetBooking(ctx, res.Booking.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.PendingRenewal)
	assert.Equal(t, "2024-03-01", stored.CheckOut.String())
	assert.True(t, stored.TotalAmount.Equal(core.NewMoney(3_000_000)))
}

func TestSQLite_ConcurrentBookingsForOneRoom(t *testing.T) {
	// GIVEN: Several customers racing for the same dates
	store := openStore(t)
	svc := newServices(store, core.FixedClock(now))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		conflict int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := core.Identity{UserID: core.UserID("u-" + string(rune('a'+i))), Role: core.RoleCustomer, CustomerID: core.CustomerID("cust-" + string(rune('a'+i)))}
			req := monthly("room-9", "")
			req.CustomerID = ""
			_, err := svc.bookings.CreateOnline(ctx, id, req)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, core.ErrRoomUnavailable):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// THEN: Exactly one holds the room
	assert.Equal(t, 1, won)
	assert.Equal(t, 4, conflict)
	active, err := store.ActiveBookingsForRoom(ctx, "room-9")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

// =============================================================================
// STORE CONTRACT
// =============================================================================

func TestSQLite_VersionedUpdates(t *testing.T) {
	store := openStore(t)
	b := core.Booking{
		ID: "bkg-1", Code: "KOS-1", RoomID: "room-1", CustomerID: "cust-1", OperatorID: "op-1",
		LeaseType: core.LeaseYearly, CheckIn: jan1, Status: core.BookingPendingPayment,
		TotalAmount: core.MustParseMoney("1250000.50"), Version: 1, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.CreateBooking(ctx, b))

	loaded, err := store.GetBooking(ctx, "bkg-1")
	require.NoError(t, err)
	assert.Nil(t, loaded.CheckOut, "open-ended lease has no check-out")
	assert.True(t, loaded.TotalAmount.Equal(core.MustParseMoney("1250000.50")))
	assert.True(t, now.Equal(loaded.CreatedAt))

	stale := loaded
	loaded.Status = core.BookingConfirmed
	require.NoError(t, store.UpdateBooking(ctx, &loaded))
	assert.Equal(t, int64(2), loaded.Version)

	stale.Status = core.BookingCancelled
	assert.ErrorIs(t, store.UpdateBooking(ctx, &stale), core.ErrConcurrentModification)

	missing := core.Booking{ID: "bkg-missing", Version: 1}
	assert.ErrorIs(t, store.UpdateBooking(ctx, &missing), core.ErrNotFound)

	dup := b
	dup.ID = "bkg-2"
	assert.ErrorIs(t, store.CreateBooking(ctx, dup), core.ErrDuplicateIdempotencyKey, "booking codes are unique")
}

func TestSQLite_LedgerConstraints(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.CreateAccount(ctx, core.LedgerAccount{ID: "acc-1", OperatorID: "op-1", Name: "Cash", Code: "CASH", CreatedAt: now}))
	assert.ErrorIs(t,
		store.CreateAccount(ctx, core.LedgerAccount{ID: "acc-2", OperatorID: "op-1", Name: "Cash 2", Code: "CASH", CreatedAt: now}),
		core.ErrDuplicateIdempotencyKey)

	entry := core.LedgerEntry{
		ID: "ent-1", AccountID: "acc-1", OperatorID: "op-1", Amount: core.NewMoney(100),
		SourceType: core.SourcePayment, SourceID: "pay-1", PostedAt: now,
	}
	require.NoError(t, store.AppendEntry(ctx, entry))
	entry.ID = "ent-2"
	assert.ErrorIs(t, store.AppendEntry(ctx, entry), core.ErrDuplicateIdempotencyKey)

	// A failed transaction leaves nothing behind.
	err := store.WithTx(ctx, func(s core.Store) error {
		if err := s.AppendEntry(ctx, core.LedgerEntry{
			ID: "ent-3", AccountID: "acc-1", OperatorID: "op-1", Amount: core.NewMoney(5),
			SourceType: core.SourceAdjustment, SourceID: "adj-1", PostedAt: now.Add(time.Minute),
		}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	entries, err := store.Entries(ctx, "acc-1", now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, core.EntryID("ent-1"), entries[0].ID)

	before, err := store.Entries(ctx, "acc-1", now.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, before)
}

func TestSQLite_PaymentsByExternalRef(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.CreateBooking(ctx, core.Booking{
		ID: "bkg-1", Code: "KOS-1", RoomID: "room-1", CustomerID: "cust-1", OperatorID: "op-1",
		LeaseType: core.LeaseMonthly, CheckIn: jan1, CheckOut: core.DatePtr(feb1),
		Status: core.BookingPendingPayment, TotalAmount: core.NewMoney(100), Version: 1, CreatedAt: now, UpdatedAt: now,
	}))
	for _, id := range []core.PaymentID{"pay-1", "pay-2"} {
		require.NoError(t, store.CreatePayment(ctx, core.Payment{
			ID: id, BookingID: "bkg-1", OperatorID: "op-1", Type: core.PaymentDeposit,
			Amount: core.NewMoney(10), Status: core.PaymentPending, Version: 1, CreatedAt: now, UpdatedAt: now,
		}))
	}

	p, err := store.GetPayment(ctx, "pay-1")
	require.NoError(t, err)
	p.Status = core.PaymentSettled
	p.ExternalRef = "trx-9"
	p.SettledAt = &now
	require.NoError(t, store.UpdatePayment(ctx, &p))

	found, ok, err := store.FindPaymentByExternalRef(ctx, "trx-9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.PaymentID("pay-1"), found.ID)
	require.NotNil(t, found.SettledAt)

	q, err := store.GetPayment(ctx, "pay-2")
	require.NoError(t, err)
	q.ExternalRef = "trx-9"
	assert.ErrorIs(t, store.UpdatePayment(ctx, &q), core.ErrDuplicateIdempotencyKey)

	list, err := store.ListPayments(ctx, "bkg-1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, core.PaymentID("pay-1"), list[0].ID, "payments list in creation order")
}
