/*
Package payment tracks money owed on bookings and reconciles gateway
settlements into ledger postings.

PURPOSE:
  A payment intent is recorded pending. When the gateway (or a receptionist
  taking cash) reports success the payment is settled: exactly one ledger
  entry credits the operator's Rental Income account and the booking
  advances. Failed and expired payments post nothing.

SETTLEMENT IDEMPOTENCY:
  Callbacks may be duplicated or arrive out of order. Two guards keep one
  settlement event to one posting:
  1. The payment's prior status is read inside the transaction and the
     update is version-guarded; an already-settled payment is a logged
     no-op replay.
  2. The ledger rejects a second entry for the same (payment, account).
  A transaction that loses on either guard rereads the payment and, if the
  winner settled it, answers as a replay.

SETTLEMENT EFFECTS ON THE BOOKING:
  deposit/full:  PENDING_PAYMENT → CONFIRMED; BalanceDue while unpaid
  renewal:       applied (check-out extended, total raised) once fully
                 paid, or on deposit when Policy.RenewalDepositExtends
  failure:       a renewal with nothing paid lapses; otherwise unchanged

SEE ALSO:
  - gateway.go: token creation and callback signatures
  - booking/service.go: direct bookings settle inside their create
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/metrics"
)

// Tracker is the Payment Tracker.
type Tracker struct {
	store   core.TxStore
	gateway Gateway
	events  core.Dispatcher
	policy  core.Policy
	now     core.Clock
	log     zerolog.Logger
}

type Options struct {
	Store   core.TxStore
	Gateway Gateway
	Events  core.Dispatcher
	Policy  core.Policy
	Clock   core.Clock
	Logger  zerolog.Logger
}

func NewTracker(opts Options) *Tracker {
	t := &Tracker{
		store:   opts.Store,
		gateway: opts.Gateway,
		events:  opts.Events,
		policy:  opts.Policy,
		now:     opts.Clock,
		log:     opts.Logger.With().Str("component", "payment").Logger(),
	}
	if t.events == nil {
		t.events = core.NopDispatcher{}
	}
	if t.now == nil {
		t.now = core.SystemClock
	}
	return t
}

// SettleResult describes the outcome of one settlement attempt.
type SettleResult struct {
	Payment  core.Payment
	Booking  core.Booking
	Entry    *core.LedgerEntry
	Replayed bool
	Events   []core.Event
}

// =============================================================================
// RECORD INTENT
// =============================================================================

// RecordIntent creates a pending payment on a booking.
func (t *Tracker) RecordIntent(ctx context.Context, id core.Identity, bookingID core.BookingID, typ core.PaymentType, amount core.Money) (core.Payment, error) {
	var p core.Payment
	err := core.WithTxRetry(ctx, t.store, func(s core.Store) error {
		b, err := s.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := core.Authorize(id, core.ActionRecordPayment, b.Subject()); err != nil {
			return err
		}
		p, err = RecordIntentTx(ctx, s, id, b, typ, amount, t.now())
		return err
	})
	if err != nil {
		return core.Payment{}, err
	}
	t.log.Info().Str("payment_id", string(p.ID)).Str("booking_id", string(bookingID)).
		Str("type", string(typ)).Str("amount", p.Amount.String()).Msg("payment intent recorded")
	return p, nil
}

// RecordIntentTx validates and inserts a pending payment inside a
// transaction. A zero amount on a full or renewal payment means "everything
// still owed".
func RecordIntentTx(ctx context.Context, s core.Store, id core.Identity, b core.Booking, typ core.PaymentType, amount core.Money, at time.Time) (core.Payment, error) {
	if !typ.Valid() {
		return core.Payment{}, core.Invalid("type", "must be deposit, full or renewal")
	}
	if amount.IsNegative() {
		return core.Payment{}, core.Invalid("amount", "must be positive")
	}

	switch {
	case typ == core.PaymentRenewal && b.Status != core.BookingCheckedIn:
		return core.Payment{}, &core.StateConflictError{Entity: "booking", ID: string(b.ID), Current: string(b.Status), Action: "pay renewal for"}
	case typ == core.PaymentRenewal && b.PendingRenewal == nil:
		return core.Payment{}, core.Invalid("type", "booking %s has no pending renewal", b.ID)
	case typ != core.PaymentRenewal && b.Status != core.BookingPendingPayment &&
		b.Status != core.BookingConfirmed && b.Status != core.BookingCheckedIn:
		return core.Payment{}, &core.StateConflictError{Entity: "booking", ID: string(b.ID), Current: string(b.Status), Action: "record payment for"}
	}

	payments, err := s.ListPayments(ctx, b.ID)
	if err != nil {
		return core.Payment{}, err
	}
	owed := outstanding(b, payments, typ == core.PaymentRenewal)
	if !owed.IsPositive() {
		return core.Payment{}, &core.StateConflictError{Entity: "booking", ID: string(b.ID), Current: "paid", Action: "record payment for"}
	}

	switch typ {
	case core.PaymentDeposit:
		if !amount.IsPositive() {
			return core.Payment{}, core.Invalid("amount", "must be positive")
		}
		if !amount.LessThan(owed) {
			return core.Payment{}, core.Invalid("amount", "deposit %s must be less than the %s still owed; use a full payment", amount.String(), owed.String())
		}
	default:
		if amount.IsZero() {
			amount = owed
		}
		if !amount.Equal(owed) && typ == core.PaymentFull {
			return core.Payment{}, core.Invalid("amount", "full payment must be %s", owed.String())
		}
		if amount.GreaterThan(owed) {
			return core.Payment{}, core.Invalid("amount", "exceeds the %s still owed", owed.String())
		}
	}

	p := core.Payment{
		ID:         core.PaymentID(core.NewID("pay")),
		BookingID:  b.ID,
		OperatorID: b.OperatorID,
		Type:       typ,
		Amount:     amount,
		Status:     core.PaymentPending,
		Version:    1,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
	if err := s.CreatePayment(ctx, p); err != nil {
		return core.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	if err := core.Audit(ctx, s, id, "payment.intent", "payment", string(p.ID), "", string(p.Status), at); err != nil {
		return core.Payment{}, err
	}
	return p, nil
}

// outstanding is what may still be requested: the base stay when renewal
// is false, the pending renewal otherwise. Pending intents count as
// requested so settled plus pending never exceeds the payable ceiling.
func outstanding(b core.Booking, payments []core.Payment, renewal bool) core.Money {
	var settledBase, pendingBase, pendingRenewal = core.Zero, core.Zero, core.Zero
	for _, p := range payments {
		switch {
		case p.Status == core.PaymentSettled:
			settledBase = settledBase.Add(p.Amount)
		case p.Status == core.PaymentPending && p.Type == core.PaymentRenewal:
			pendingRenewal = pendingRenewal.Add(p.Amount)
		case p.Status == core.PaymentPending:
			pendingBase = pendingBase.Add(p.Amount)
		}
	}
	if b.PendingRenewal != nil {
		// Settled renewal money sits in the renewal until it is applied.
		settledBase = settledBase.Sub(b.PendingRenewal.Paid)
	}
	if renewal {
		if b.PendingRenewal == nil {
			return core.Zero
		}
		return b.PendingRenewal.Outstanding().Sub(pendingRenewal)
	}
	return b.TotalAmount.Sub(settledBase).Sub(pendingBase)
}

// =============================================================================
// SETTLE
// =============================================================================

// Settle marks a payment settled and posts it to the operator's income
// account. Settling an already-settled payment is a no-op.
func (t *Tracker) Settle(ctx context.Context, id core.Identity, paymentID core.PaymentID, externalRef string) (SettleResult, error) {
	var res SettleResult
	err := core.WithTxRetry(ctx, t.store, func(s core.Store) error {
		p, err := s.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := core.Authorize(id, core.ActionSettlePayment, core.Subject{OperatorID: p.OperatorID}); err != nil {
			return err
		}
		res, err = SettleTx(ctx, s, id, p, externalRef, t.policy, t.now())
		return err
	})
	if errors.Is(err, core.ErrDuplicateIdempotencyKey) || errors.Is(err, core.ErrConcurrentModification) {
		res, err = t.settledElsewhere(ctx, paymentID, res, err)
	}
	t.finishSettle(ctx, paymentID, res, err)
	return res, err
}

// settledElsewhere turns a lost settlement race into a replay when the
// winning transaction left the payment settled. Otherwise cause stands.
func (t *Tracker) settledElsewhere(ctx context.Context, paymentID core.PaymentID, res SettleResult, cause error) (SettleResult, error) {
	p, err := t.store.GetPayment(ctx, paymentID)
	if err != nil || p.Status != core.PaymentSettled {
		return res, cause
	}
	b, err := t.store.GetBooking(ctx, p.BookingID)
	if err != nil {
		return res, cause
	}
	t.log.Info().Err(cause).Str("payment_id", string(paymentID)).Msg("concurrent duplicate settlement converted to replay")
	return SettleResult{Payment: p, Booking: b, Replayed: true}, nil
}

func (t *Tracker) finishSettle(ctx context.Context, paymentID core.PaymentID, res SettleResult, err error) {
	switch {
	case err != nil:
		metrics.PaymentOutcomes.WithLabelValues("settle_" + core.Kind(err)).Inc()
		t.log.Warn().Err(err).Str("payment_id", string(paymentID)).Msg("settlement rejected")
	case res.Replayed:
		metrics.PaymentOutcomes.WithLabelValues("replayed").Inc()
		metrics.IdempotentReplays.WithLabelValues("settlement").Inc()
		t.log.Info().Str("payment_id", string(paymentID)).Str("external_ref", res.Payment.ExternalRef).
			Msg("duplicate settlement ignored: payment already settled")
	default:
		metrics.PaymentOutcomes.WithLabelValues("settled").Inc()
		metrics.LedgerPostings.WithLabelValues(string(core.SourcePayment)).Inc()
		t.log.Info().Str("payment_id", string(paymentID)).Str("booking_id", string(res.Booking.ID)).
			Str("amount", res.Payment.Amount.String()).Str("booking_status", string(res.Booking.Status)).
			Msg("payment settled")
		t.dispatch(ctx, res.Events...)
	}
}

// SettleTx settles p inside a transaction.
func SettleTx(ctx context.Context, s core.Store, id core.Identity, p core.Payment, externalRef string, policy core.Policy, at time.Time) (SettleResult, error) {
	switch p.Status {
	case core.PaymentSettled:
		b, err := s.GetBooking(ctx, p.BookingID)
		return SettleResult{Payment: p, Booking: b, Replayed: true}, err
	case core.PaymentFailed, core.PaymentExpired:
		return SettleResult{}, &core.StateConflictError{Entity: "payment", ID: string(p.ID), Current: string(p.Status), Action: "settle"}
	}

	if externalRef != "" {
		other, ok, err := s.FindPaymentByExternalRef(ctx, externalRef)
		if err != nil {
			return SettleResult{}, err
		}
		if ok && other.ID != p.ID {
			return SettleResult{}, core.Invalid("external_ref", "already used by payment %s", other.ID)
		}
	}

	b, err := s.GetBooking(ctx, p.BookingID)
	if err != nil {
		return SettleResult{}, err
	}
	if b.Status.IsTerminal() || b.Status == core.BookingDraft {
		return SettleResult{}, &core.StateConflictError{Entity: "booking", ID: string(b.ID), Current: string(b.Status), Action: "settle payment for"}
	}
	payments, err := s.ListPayments(ctx, b.ID)
	if err != nil {
		return SettleResult{}, err
	}
	settled := core.SumPayments(payments).Settled.Add(p.Amount)
	if settled.GreaterThan(b.PayableCeiling()) {
		return SettleResult{}, core.Invalid("amount", "settling %s would exceed the agreed %s", p.Amount.String(), b.PayableCeiling().String())
	}

	acct, err := core.EnsureIncomeAccountTx(ctx, s, b.OperatorID, at)
	if err != nil {
		return SettleResult{}, err
	}
	entry, err := core.PostTx(ctx, s, core.LedgerEntry{
		AccountID:  acct.ID,
		Amount:     p.Amount,
		SourceType: core.SourcePayment,
		SourceID:   string(p.ID),
		Memo:       fmt.Sprintf("%s payment for booking %s", p.Type, b.Code),
		PostedBy:   id.UserID,
		PostedAt:   at,
	})
	if err != nil {
		return SettleResult{}, err
	}

	p.Status = core.PaymentSettled
	if externalRef != "" {
		p.ExternalRef = externalRef
	}
	p.SettledAt = &at
	p.UpdatedAt = at
	if err := s.UpdatePayment(ctx, &p); err != nil {
		return SettleResult{}, err
	}
	if err := core.Audit(ctx, s, id, "payment.settle", "payment", string(p.ID), string(core.PaymentPending), string(core.PaymentSettled), at); err != nil {
		return SettleResult{}, err
	}

	from := b.Status
	confirmed, renewed := applySettlement(&b, p, settled, policy)
	b.UpdatedAt = at
	if err := s.UpdateBooking(ctx, &b); err != nil {
		return SettleResult{}, err
	}

	res := SettleResult{Payment: p, Booking: b, Entry: &entry}
	settledEvt := core.BookingEvent(core.EventPaymentSettled, b, at)
	settledEvt.PaymentID = p.ID
	settledEvt.Amount = p.Amount.String()
	res.Events = append(res.Events, settledEvt)
	if confirmed {
		if err := core.Audit(ctx, s, id, "booking.confirm", "booking", string(b.ID), string(from), string(b.Status), at); err != nil {
			return SettleResult{}, err
		}
		res.Events = append(res.Events, core.BookingEvent(core.EventBookingConfirmed, b, at))
	}
	if renewed {
		if err := core.Audit(ctx, s, id, "booking.renewal_applied", "booking", string(b.ID), "", b.CheckOut.String(), at); err != nil {
			return SettleResult{}, err
		}
		res.Events = append(res.Events, core.BookingEvent(core.EventBookingRenewed, b, at))
	}
	return res, nil
}

// applySettlement advances b for a newly settled payment. settled is the
// booking's settled total including p.
func applySettlement(b *core.Booking, p core.Payment, settled core.Money, policy core.Policy) (confirmed, renewed bool) {
	if p.Type == core.PaymentRenewal && b.PendingRenewal != nil {
		r := *b.PendingRenewal
		r.Paid = r.Paid.Add(p.Amount)
		if !r.Paid.LessThan(r.Amount) || policy.RenewalDepositExtends {
			b.CheckOut = core.DatePtr(r.NewCheckOut)
			b.TotalAmount = b.TotalAmount.Add(r.Amount)
			b.LeaseType = r.LeaseType
			b.PendingRenewal = nil
			renewed = true
		} else {
			b.PendingRenewal = &r
		}
	} else if b.Status == core.BookingPendingPayment {
		b.Status = core.BookingConfirmed
		confirmed = true
	}

	base := settled
	if b.PendingRenewal != nil {
		base = base.Sub(b.PendingRenewal.Paid)
	}
	b.BalanceDue = base.LessThan(b.TotalAmount)
	return confirmed, renewed
}

// =============================================================================
// FAIL / EXPIRE
// =============================================================================

// Fail records a failed or expired payment. Nothing is posted; a renewal
// with nothing yet paid lapses and the original check-out stands.
func (t *Tracker) Fail(ctx context.Context, id core.Identity, paymentID core.PaymentID, status core.PaymentStatus, externalRef string) (core.Payment, error) {
	var (
		p        core.Payment
		b        core.Booking
		replayed bool
	)
	err := core.WithTxRetry(ctx, t.store, func(s core.Store) error {
		cur, err := s.GetPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if err := core.Authorize(id, core.ActionSettlePayment, core.Subject{OperatorID: cur.OperatorID}); err != nil {
			return err
		}
		p, b, replayed, err = FailTx(ctx, s, id, cur, status, externalRef, t.now())
		return err
	})
	if err != nil {
		return core.Payment{}, err
	}
	if replayed {
		metrics.IdempotentReplays.WithLabelValues("payment_failure").Inc()
		t.log.Info().Str("payment_id", string(paymentID)).Str("status", string(status)).
			Msg("duplicate failure callback ignored")
		return p, nil
	}
	metrics.PaymentOutcomes.WithLabelValues(string(status)).Inc()
	t.log.Info().Str("payment_id", string(paymentID)).Str("status", string(status)).Msg("payment closed without settlement")
	evt := core.BookingEvent(core.EventPaymentFailed, b, t.now())
	evt.PaymentID = p.ID
	evt.Amount = p.Amount.String()
	t.dispatch(ctx, evt)
	return p, nil
}

// FailTx closes p as failed or expired inside a transaction.
func FailTx(ctx context.Context, s core.Store, id core.Identity, p core.Payment, status core.PaymentStatus, externalRef string, at time.Time) (core.Payment, core.Booking, bool, error) {
	if status != core.PaymentFailed && status != core.PaymentExpired {
		return core.Payment{}, core.Booking{}, false, core.Invalid("status", "must be failed or expired")
	}
	if p.Status == status {
		return p, core.Booking{}, true, nil
	}
	if p.Status != core.PaymentPending {
		return core.Payment{}, core.Booking{}, false, &core.StateConflictError{Entity: "payment", ID: string(p.ID), Current: string(p.Status), Action: "mark " + string(status)}
	}

	from := p.Status
	p.Status = status
	if externalRef != "" {
		p.ExternalRef = externalRef
	}
	p.UpdatedAt = at
	if err := s.UpdatePayment(ctx, &p); err != nil {
		return core.Payment{}, core.Booking{}, false, err
	}
	if err := core.Audit(ctx, s, id, "payment."+string(status), "payment", string(p.ID), string(from), string(status), at); err != nil {
		return core.Payment{}, core.Booking{}, false, err
	}

	b, err := s.GetBooking(ctx, p.BookingID)
	if err != nil {
		return core.Payment{}, core.Booking{}, false, err
	}
	if p.Type != core.PaymentRenewal || b.PendingRenewal == nil || !b.PendingRenewal.Paid.IsZero() {
		return p, b, false, nil
	}
	payments, err := s.ListPayments(ctx, b.ID)
	if err != nil {
		return core.Payment{}, core.Booking{}, false, err
	}
	for _, other := range payments {
		if other.Type == core.PaymentRenewal && other.Status == core.PaymentPending {
			return p, b, false, nil
		}
	}
	b.PendingRenewal = nil
	b.UpdatedAt = at
	if err := s.UpdateBooking(ctx, &b); err != nil {
		return core.Payment{}, core.Booking{}, false, err
	}
	if err := core.Audit(ctx, s, id, "booking.renewal_lapsed", "booking", string(b.ID), "", "", at); err != nil {
		return core.Payment{}, core.Booking{}, false, err
	}
	return p, b, false, nil
}

// ExpirePendingTx expires the pending payments of a booking accepted by
// match (all of them when match is nil).
// Used when a booking is cancelled or checked out.
func ExpirePendingTx(ctx context.Context, s core.Store, id core.Identity, bookingID core.BookingID, match func(core.Payment) bool, at time.Time) (int, error) {
	payments, err := s.ListPayments(ctx, bookingID)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range payments {
		p := payments[i]
		if p.Status != core.PaymentPending || (match != nil && !match(p)) {
			continue
		}
		p.Status = core.PaymentExpired
		p.UpdatedAt = at
		if err := s.UpdatePayment(ctx, &p); err != nil {
			return n, err
		}
		if err := core.Audit(ctx, s, id, "payment.expired", "payment", string(p.ID), string(core.PaymentPending), string(core.PaymentExpired), at); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// =============================================================================
// GATEWAY CALLBACKS
// =============================================================================

// Callback is a settlement notification from the payment gateway.
type Callback struct {
	PaymentID   core.PaymentID     `json:"order_id" validate:"required"`
	ExternalRef string             `json:"transaction_id" validate:"required"`
	Status      core.PaymentStatus `json:"status" validate:"required,oneof=settled failed expired"`
}

// HandleCallback reconciles a gateway callback. Duplicates are replays.
func (t *Tracker) HandleCallback(ctx context.Context, cb Callback) (core.Payment, error) {
	if cb.PaymentID == "" {
		return core.Payment{}, core.Invalid("order_id", "is required")
	}
	if cb.ExternalRef != "" {
		p, ok, err := t.store.FindPaymentByExternalRef(ctx, cb.ExternalRef)
		if err != nil {
			return core.Payment{}, err
		}
		if ok && p.ID != cb.PaymentID {
			return core.Payment{}, core.Invalid("transaction_id", "already used by payment %s", p.ID)
		}
	}
	switch cb.Status {
	case core.PaymentSettled:
		res, err := t.Settle(ctx, core.SystemIdentity, cb.PaymentID, cb.ExternalRef)
		return res.Payment, err
	case core.PaymentFailed, core.PaymentExpired:
		return t.Fail(ctx, core.SystemIdentity, cb.PaymentID, cb.Status, cb.ExternalRef)
	default:
		return core.Payment{}, core.Invalid("status", "unknown callback status %q", cb.Status)
	}
}

// Token asks the gateway for a payable token for a pending payment.
func (t *Tracker) Token(ctx context.Context, id core.Identity, paymentID core.PaymentID) (Token, error) {
	p, err := t.store.GetPayment(ctx, paymentID)
	if err != nil {
		return Token{}, err
	}
	b, err := t.store.GetBooking(ctx, p.BookingID)
	if err != nil {
		return Token{}, err
	}
	if err := core.Authorize(id, core.ActionRecordPayment, b.Subject()); err != nil {
		return Token{}, err
	}
	if p.Status != core.PaymentPending {
		return Token{}, &core.StateConflictError{Entity: "payment", ID: string(p.ID), Current: string(p.Status), Action: "create token for"}
	}
	if t.gateway == nil {
		return Token{}, errors.New("no payment gateway configured")
	}
	return t.gateway.CreateToken(ctx, p)
}

// Payments lists the payments of a booking.
func (t *Tracker) Payments(ctx context.Context, id core.Identity, bookingID core.BookingID) ([]core.Payment, error) {
	b, err := t.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if err := core.Authorize(id, core.ActionViewBooking, b.Subject()); err != nil {
		return nil, err
	}
	return t.store.ListPayments(ctx, bookingID)
}

func (t *Tracker) dispatch(ctx context.Context, events ...core.Event) {
	if len(events) == 0 {
		return
	}
	if err := t.events.Dispatch(ctx, events...); err != nil {
		t.log.Error().Err(err).Int("events", len(events)).Msg("event dispatch failed")
	}
}
