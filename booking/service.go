/*
service.go - Booking state machine

PURPOSE:
  Owns every booking transition and its guards. Each transition reads the
  booking inside a transaction, checks the caller's capability and the
  source status, writes a version-guarded update and an audit entry, and
  emits notification events after commit.

TRANSITIONS:
  ┌────────┐ submit ┌─────────────────┐ settle ┌───────────┐ check-in ┌────────────┐ check-out ┌─────────────┐
  │ DRAFT  │──────▶ │ PENDING_PAYMENT │──────▶ │ CONFIRMED │────────▶ │ CHECKED_IN │─────────▶ │ CHECKED_OUT │
  └────────┘        └─────────────────┘        └───────────┘          └────────────┘           └─────────────┘
      │                     │                        │                   │    ▲
      └──────── cancel ─────┴────────────────────────┘                   └────┘ renew
                  ▼
             CANCELLED

CREATION:
  Online (customer): PENDING_PAYMENT, or DRAFT when requested.
  Direct (receptionist/operator): requires an idempotency key; the booking
  and its recorded payment are created, settled and posted in one
  transaction, ending CONFIRMED. A repeated key returns the original
  booking unchanged.

SEE ALSO:
  - availability.go: overlap checks
  - payment/tracker.go: settlement moves PENDING_PAYMENT → CONFIRMED
*/
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/metrics"
	"github.com/warp/kos-engine/payment"
)

// Service is the Booking State Machine.
type Service struct {
	store  core.TxStore
	events core.Dispatcher
	policy core.Policy
	now    core.Clock
	log    zerolog.Logger
}

type Options struct {
	Store  core.TxStore
	Events core.Dispatcher
	Policy core.Policy
	Clock  core.Clock
	Logger zerolog.Logger
}

func NewService(opts Options) *Service {
	s := &Service{
		store:  opts.Store,
		events: opts.Events,
		policy: opts.Policy,
		now:    opts.Clock,
		log:    opts.Logger.With().Str("component", "booking").Logger(),
	}
	if s.events == nil {
		s.events = core.NopDispatcher{}
	}
	if s.now == nil {
		s.now = core.SystemClock
	}
	return s
}

// =============================================================================
// REQUESTS
// =============================================================================

// CreateRequest describes a new reservation. Give CheckOut or Periods (a
// count of lease durations); neither means an open-ended lease.
type CreateRequest struct {
	RoomID         core.RoomID
	OperatorID     core.OperatorID
	CustomerID     core.CustomerID
	LeaseType      core.LeaseType
	CheckIn        core.Date
	CheckOut       *core.Date
	Periods        int
	TotalAmount    core.Money
	IdempotencyKey string
	Draft          bool
}

// DirectPayment is the payment a receptionist records with a walk-in.
type DirectPayment struct {
	Type        core.PaymentType
	Amount      core.Money // zero with Type full means the total
	ExternalRef string     // receipt or terminal reference
}

// CreateResult is a created or replayed booking.
type CreateResult struct {
	Booking  core.Booking
	Payment  *core.Payment
	Replayed bool
}

// RenewRequest extends a checked-in stay by Periods of LeaseType.
// A Deposit below Amount makes the renewal deposit-only.
type RenewRequest struct {
	LeaseType core.LeaseType
	Periods   int
	Amount    core.Money
	Deposit   core.Money
}

func (r *CreateRequest) normalize() error {
	if r.RoomID == "" {
		return core.Invalid("room_id", "is required")
	}
	if r.OperatorID == "" {
		return core.Invalid("operator_id", "is required")
	}
	if r.CustomerID == "" {
		return core.Invalid("customer_id", "is required")
	}
	if !r.LeaseType.Valid() {
		return core.Invalid("lease_type", "must be daily, weekly, monthly, quarterly or yearly")
	}
	if r.Periods < 0 {
		return core.Invalid("periods", "must not be negative")
	}
	if r.Periods > 0 {
		if r.CheckOut != nil {
			return core.Invalid("periods", "give check_out or periods, not both")
		}
		r.CheckOut = core.DatePtr(r.LeaseType.Extend(r.CheckIn, r.Periods))
	}
	if err := (core.DateRange{Start: r.CheckIn, End: r.CheckOut}).Validate(); err != nil {
		return err
	}
	if !r.TotalAmount.IsPositive() {
		return core.Invalid("total_amount", "must be positive")
	}
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	return nil
}

// NewBookingCode returns a human-readable code, KOS-YYYYMMDD-XXXXXX.
func NewBookingCode(at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("KOS-%s-%s", at.UTC().Format("20060102"), suffix)
}

// =============================================================================
// CREATE
// =============================================================================

// CreateOnline creates a customer booking in PENDING_PAYMENT (or DRAFT).
func (s *Service) CreateOnline(ctx context.Context, id core.Identity, req CreateRequest) (CreateResult, error) {
	if id.Role == core.RoleCustomer && req.CustomerID == "" {
		req.CustomerID = id.CustomerID
	}
	res, err := s.create(ctx, id, core.ActionCreateOnlineBooking, req, nil)
	s.record("create_online", err)
	return res, err
}

// CreateDirect creates a walk-in booking with its payment settled, ending
// CONFIRMED. The idempotency key is required.
func (s *Service) CreateDirect(ctx context.Context, id core.Identity, req CreateRequest, pay DirectPayment) (CreateResult, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return CreateResult{}, core.Invalid("idempotency_key", "is required for direct bookings")
	}
	if pay.Type == "" {
		pay.Type = core.PaymentFull
	}
	if pay.Type == core.PaymentRenewal {
		return CreateResult{}, core.Invalid("payment.type", "must be deposit or full")
	}
	req.Draft = false
	res, err := s.create(ctx, id, core.ActionCreateDirectBooking, req, &pay)
	s.record("create_direct", err)
	return res, err
}

func (s *Service) create(ctx context.Context, id core.Identity, action core.Action, req CreateRequest, pay *DirectPayment) (CreateResult, error) {
	if err := req.normalize(); err != nil {
		return CreateResult{}, err
	}
	if err := core.Authorize(id, action, core.Subject{OperatorID: req.OperatorID, CustomerID: req.CustomerID}); err != nil {
		return CreateResult{}, err
	}

	var (
		res    CreateResult
		events []core.Event
	)
	err := s.store.WithTx(ctx, func(st core.Store) error {
		res, events = CreateResult{}, nil

		replayed, err := s.replayByKey(ctx, st, id, req, &res)
		if err != nil || replayed {
			return err
		}
		if err := st.LockRoom(ctx, req.RoomID); err != nil {
			return err
		}
		// A request with the same key may have committed while this one
		// waited for the room.
		if replayed, err = s.replayByKey(ctx, st, id, req, &res); err != nil || replayed {
			return err
		}
		requested := core.DateRange{Start: req.CheckIn, End: req.CheckOut}
		if err := CheckAvailabilityTx(ctx, st, req.RoomID, requested, ""); err != nil {
			return err
		}

		now := s.now()
		b := core.Booking{
			ID:             core.BookingID(core.NewID("bkg")),
			Code:           NewBookingCode(now),
			RoomID:         req.RoomID,
			CustomerID:     req.CustomerID,
			OperatorID:     req.OperatorID,
			LeaseType:      req.LeaseType,
			CheckIn:        req.CheckIn,
			CheckOut:       req.CheckOut,
			Status:         core.BookingPendingPayment,
			TotalAmount:    req.TotalAmount,
			IdempotencyKey: req.IdempotencyKey,
			Version:        1,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if req.Draft {
			b.Status = core.BookingDraft
		}
		if err := st.CreateBooking(ctx, b); err != nil {
			return err
		}
		if err := core.Audit(ctx, st, id, "booking.create", "booking", string(b.ID), "", string(b.Status), now); err != nil {
			return err
		}
		events = append(events, core.BookingEvent(core.EventBookingCreated, b, now))
		res.Booking = b

		if pay == nil {
			return nil
		}
		p, err := payment.RecordIntentTx(ctx, st, id, b, pay.Type, pay.Amount, now)
		if err != nil {
			return err
		}
		settled, err := payment.SettleTx(ctx, st, id, p, pay.ExternalRef, s.policy, now)
		if err != nil {
			return err
		}
		res.Booking = settled.Booking
		res.Payment = &settled.Payment
		events = append(events, settled.Events...)
		return nil
	})

	// A racing insert with the same key lost on the unique index: answer
	// with the winner's booking.
	if errors.Is(err, core.ErrDuplicateIdempotencyKey) && req.IdempotencyKey != "" {
		existing, ok, findErr := s.store.FindBookingByIdempotencyKey(ctx, req.IdempotencyKey)
		if findErr != nil {
			return CreateResult{}, findErr
		}
		if ok {
			return s.replay(ctx, s.store, id, existing, req)
		}
	}
	if err != nil {
		return CreateResult{}, err
	}
	if res.Replayed {
		return res, nil
	}

	s.log.Info().Str("booking_id", string(res.Booking.ID)).Str("code", res.Booking.Code).
		Str("room_id", string(req.RoomID)).Str("range", res.Booking.Range().String()).
		Str("status", string(res.Booking.Status)).Msg("booking created")
	s.dispatch(ctx, events...)
	return res, nil
}

// replayByKey fills res from the booking already stored under the request's
// idempotency key, if any.
func (s *Service) replayByKey(ctx context.Context, st core.Store, id core.Identity, req CreateRequest, res *CreateResult) (bool, error) {
	if req.IdempotencyKey == "" {
		return false, nil
	}
	existing, ok, err := st.FindBookingByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil || !ok {
		return false, err
	}
	*res, err = s.replay(ctx, st, id, existing, req)
	return true, err
}

// replay answers a repeated idempotency key with the stored booking.
func (s *Service) replay(ctx context.Context, st core.Store, id core.Identity, existing core.Booking, req CreateRequest) (CreateResult, error) {
	if err := core.Authorize(id, core.ActionViewBooking, existing.Subject()); err != nil {
		return CreateResult{}, err
	}
	res := CreateResult{Booking: existing, Replayed: true}
	payments, err := st.ListPayments(ctx, existing.ID)
	if err != nil {
		return CreateResult{}, err
	}
	if len(payments) > 0 {
		res.Payment = &payments[0]
	}

	metrics.IdempotentReplays.WithLabelValues("booking_create").Inc()
	evt := s.log.Info()
	if existing.RoomID != req.RoomID || !existing.CheckIn.Equal(req.CheckIn) {
		evt = s.log.Warn().Str("requested_room_id", string(req.RoomID)).Str("requested_check_in", req.CheckIn.String())
	}
	evt.Str("idempotency_key", req.IdempotencyKey).Str("booking_id", string(existing.ID)).
		Msg("idempotent replay: returning existing booking")
	return res, nil
}

// =============================================================================
// TRANSITIONS
// =============================================================================

// Submit moves a DRAFT to PENDING_PAYMENT.
func (s *Service) Submit(ctx context.Context, id core.Identity, bookingID core.BookingID) (core.Booking, error) {
	return s.transition(ctx, id, bookingID, core.ActionSubmitBooking, "submit", func(_ core.Store, b *core.Booking, _ time.Time) error {
		if b.Status != core.BookingDraft {
			return conflict(*b, "submit")
		}
		b.Status = core.BookingPendingPayment
		return nil
	})
}

// CheckIn moves CONFIRMED to CHECKED_IN on or after the planned date (less
// the grace window) once the payment the lease type requires has settled.
func (s *Service) CheckIn(ctx context.Context, id core.Identity, bookingID core.BookingID) (core.Booking, error) {
	b, err := s.transition(ctx, id, bookingID, core.ActionCheckIn, "check_in", func(st core.Store, b *core.Booking, now time.Time) error {
		if b.Status != core.BookingConfirmed {
			return conflict(*b, "check in")
		}
		opens := b.CheckIn.Time().Add(-s.policy.CheckInGrace)
		if now.Before(opens) {
			return core.Invalid("check_in", "booking %s starts %s; check-in opens at %s",
				b.ID, b.CheckIn, opens.Format(time.RFC3339))
		}
		if err := s.requireSettled(ctx, st, *b); err != nil {
			return err
		}
		b.Status = core.BookingCheckedIn
		b.ActualCheckIn = &now
		return nil
	})
	if err == nil {
		s.dispatch(ctx, core.BookingEvent(core.EventBookingCheckedIn, b, s.now()))
	}
	return b, err
}

// requireSettled reports PaymentPending or PaymentFailed while the booking
// lacks the settlement its lease type needs before check-in.
func (s *Service) requireSettled(ctx context.Context, st core.Store, b core.Booking) error {
	payments, err := st.ListPayments(ctx, b.ID)
	if err != nil {
		return err
	}
	totals := core.SumPayments(payments)
	owed := b.TotalAmount.Sub(totals.Settled)
	satisfied := totals.Settled.IsPositive()
	if s.policy.RequiresFullPayment(b.LeaseType) {
		satisfied = !owed.IsPositive()
	}
	if satisfied {
		return nil
	}
	if totals.Pending.IsZero() && totals.LastFailed != nil {
		return &core.PaymentFailedError{BookingID: b.ID, PaymentID: totals.LastFailed.ID, Status: totals.LastFailed.Status}
	}
	return &core.PaymentPendingError{BookingID: b.ID, Outstanding: owed}
}

// CheckOut moves CHECKED_IN to CHECKED_OUT and frees the room. A renewal
// still awaiting payment is dropped and its intents expired; whatever was
// already paid toward it is added to the total.
func (s *Service) CheckOut(ctx context.Context, id core.Identity, bookingID core.BookingID) (core.Booking, error) {
	b, err := s.transition(ctx, id, bookingID, core.ActionCheckOut, "check_out", func(st core.Store, b *core.Booking, now time.Time) error {
		if b.Status != core.BookingCheckedIn {
			return conflict(*b, "check out")
		}
		if r := b.PendingRenewal; r != nil {
			b.PendingRenewal = nil
			// Money already settled toward the renewal stays posted, so it
			// joins the stay total.
			if r.Paid.IsPositive() {
				from := b.TotalAmount
				b.TotalAmount = b.TotalAmount.Add(r.Paid)
				if err := core.Audit(ctx, st, id, "booking.renewal_partial", "booking", string(b.ID), from.String(), b.TotalAmount.String(), now); err != nil {
					return err
				}
			}
			renewalOnly := func(p core.Payment) bool { return p.Type == core.PaymentRenewal }
			if _, err := payment.ExpirePendingTx(ctx, st, id, b.ID, renewalOnly, now); err != nil {
				return err
			}
		}
		today := core.DateOf(now, nil)
		if b.CheckOut == nil && today.After(b.CheckIn) {
			b.CheckOut = core.DatePtr(today)
		}
		b.Status = core.BookingCheckedOut
		b.ActualCheckOut = &now
		return nil
	})
	if err == nil {
		s.dispatch(ctx, core.BookingEvent(core.EventBookingCheckedOut, b, s.now()))
	}
	return b, err
}

// Cancel releases the room claim of a booking that has not checked in.
// Pending payment intents expire; settled money stays posted.
func (s *Service) Cancel(ctx context.Context, id core.Identity, bookingID core.BookingID, reason string) (core.Booking, error) {
	b, err := s.transition(ctx, id, bookingID, core.ActionCancel, "cancel", func(st core.Store, b *core.Booking, now time.Time) error {
		switch b.Status {
		case core.BookingDraft, core.BookingPendingPayment, core.BookingConfirmed:
		default:
			return conflict(*b, "cancel")
		}
		if _, err := payment.ExpirePendingTx(ctx, st, id, b.ID, nil, now); err != nil {
			return err
		}
		b.Status = core.BookingCancelled
		return nil
	})
	if err == nil {
		evt := core.BookingEvent(core.EventBookingCancelled, b, s.now())
		if reason != "" {
			evt.Attributes = map[string]string{"reason": reason}
		}
		s.dispatch(ctx, evt)
	}
	return b, err
}

// Renew records a pending extension of a CHECKED_IN booking and its renewal
// payment intent. The planned check-out moves only when the payment settles.
func (s *Service) Renew(ctx context.Context, id core.Identity, bookingID core.BookingID, req RenewRequest) (core.Booking, core.Payment, error) {
	if req.Periods == 0 {
		req.Periods = 1
	}
	if req.Periods < 0 {
		return core.Booking{}, core.Payment{}, core.Invalid("periods", "must be positive")
	}
	if !req.Amount.IsPositive() {
		return core.Booking{}, core.Payment{}, core.Invalid("amount", "must be positive")
	}
	if req.Deposit.IsNegative() || req.Deposit.GreaterThan(req.Amount) {
		return core.Booking{}, core.Payment{}, core.Invalid("deposit", "must be between 0 and the renewal amount")
	}

	var p core.Payment
	b, err := s.transition(ctx, id, bookingID, core.ActionRenew, "renew", func(st core.Store, b *core.Booking, now time.Time) error {
		if b.Status != core.BookingCheckedIn {
			return conflict(*b, "renew")
		}
		if b.PendingRenewal != nil {
			return &core.StateConflictError{Entity: "booking", ID: string(b.ID), Current: "renewal pending", Action: "renew"}
		}
		if b.CheckOut == nil {
			return core.Invalid("check_out", "open-ended lease %s has no check-out to extend", b.ID)
		}
		lease := req.LeaseType
		if lease == "" {
			lease = b.LeaseType
		}
		if !lease.Valid() {
			return core.Invalid("lease_type", "must be daily, weekly, monthly, quarterly or yearly")
		}

		newOut := lease.Extend(*b.CheckOut, req.Periods)
		if err := st.LockRoom(ctx, b.RoomID); err != nil {
			return err
		}
		extension := core.DateRange{Start: *b.CheckOut, End: core.DatePtr(newOut)}
		if err := CheckAvailabilityTx(ctx, st, b.RoomID, extension, b.ID); err != nil {
			return err
		}

		depositOnly := req.Deposit.IsPositive() && req.Deposit.LessThan(req.Amount)
		b.PendingRenewal = &core.Renewal{
			LeaseType:   lease,
			Periods:     req.Periods,
			NewCheckOut: newOut,
			Amount:      req.Amount,
			Paid:        core.Zero,
			DepositOnly: depositOnly,
			RequestedAt: now,
		}
		due := req.Amount
		if depositOnly {
			due = req.Deposit
		}
		var err error
		p, err = payment.RecordIntentTx(ctx, st, id, *b, core.PaymentRenewal, due, now)
		return err
	})
	if err != nil {
		return core.Booking{}, core.Payment{}, err
	}
	s.log.Info().Str("booking_id", string(b.ID)).Str("payment_id", string(p.ID)).
		Str("new_check_out", b.PendingRenewal.NewCheckOut.String()).Msg("renewal pending payment")
	return b, p, nil
}

// transition runs one guarded, audited, version-checked booking update.
func (s *Service) transition(ctx context.Context, id core.Identity, bookingID core.BookingID, action core.Action, name string,
	apply func(st core.Store, b *core.Booking, now time.Time) error) (core.Booking, error) {

	var out core.Booking
	err := core.WithTxRetry(ctx, s.store, func(st core.Store) error {
		b, err := st.GetBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if err := core.Authorize(id, action, b.Subject()); err != nil {
			return err
		}
		now := s.now()
		from := b.Status
		if err := apply(st, &b, now); err != nil {
			return err
		}
		b.UpdatedAt = now
		if err := st.UpdateBooking(ctx, &b); err != nil {
			return err
		}
		if err := core.Audit(ctx, st, id, "booking."+name, "booking", string(b.ID), string(from), string(b.Status), now); err != nil {
			return err
		}
		out = b
		return nil
	})
	s.record(name, err)
	if err != nil {
		s.log.Warn().Err(err).Str("booking_id", string(bookingID)).Str("transition", name).Msg("transition rejected")
		return core.Booking{}, err
	}
	s.log.Info().Str("booking_id", string(bookingID)).Str("transition", name).Str("status", string(out.Status)).Msg("booking transition")
	return out, nil
}

func conflict(b core.Booking, action string) error {
	return &core.StateConflictError{Entity: "booking", ID: string(b.ID), Current: string(b.Status), Action: action}
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Service) Get(ctx context.Context, id core.Identity, bookingID core.BookingID) (core.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return core.Booking{}, err
	}
	if err := core.Authorize(id, core.ActionViewBooking, b.Subject()); err != nil {
		return core.Booking{}, err
	}
	return b, nil
}

// List returns bookings visible to id, narrowed by filter.
func (s *Service) List(ctx context.Context, id core.Identity, filter core.BookingFilter) ([]core.Booking, error) {
	switch id.Role {
	case core.RoleCustomer:
		filter.CustomerID = id.CustomerID
	case core.RoleReceptionist, core.RoleAdminKos:
		if filter.OperatorID != "" && filter.OperatorID != id.OperatorID {
			return nil, &core.ForbiddenError{Role: id.Role, Action: core.ActionViewBooking}
		}
		filter.OperatorID = id.OperatorID
	case core.RoleSuperAdmin, core.RoleSystem:
	case "":
		return nil, core.ErrUnauthorized
	default:
		return nil, &core.ForbiddenError{Role: id.Role, Action: core.ActionViewBooking}
	}
	return s.store.ListBookings(ctx, filter)
}

// History returns the audit trail of a booking.
func (s *Service) History(ctx context.Context, id core.Identity, bookingID core.BookingID) ([]core.AuditEntry, error) {
	if _, err := s.Get(ctx, id, bookingID); err != nil {
		return nil, err
	}
	return s.store.AuditTrail(ctx, "booking", string(bookingID))
}

// EmitDueSoon emits a due-soon event for every checked-in booking whose
// planned check-out falls within window from today. It changes nothing.
func (s *Service) EmitDueSoon(ctx context.Context, window time.Duration) (int, error) {
	now := s.now()
	today := core.DateOf(now, nil)
	horizon := core.DateOf(now.Add(window), nil)

	active, err := s.store.ListBookings(ctx, core.BookingFilter{Statuses: []core.BookingStatus{core.BookingCheckedIn}})
	if err != nil {
		return 0, err
	}
	var events []core.Event
	for _, b := range active {
		if b.CheckOut == nil || b.CheckOut.Before(today) || b.CheckOut.After(horizon) {
			continue
		}
		evt := core.BookingEvent(core.EventBookingDueSoon, b, now)
		daysLeft := int(b.CheckOut.Time().Sub(today.Time()).Hours() / 24)
		evt.Attributes = map[string]string{
			"check_out":    b.CheckOut.String(),
			"days_left":    fmt.Sprint(daysLeft),
			"renewal_held": fmt.Sprint(b.PendingRenewal != nil),
		}
		events = append(events, evt)
	}
	s.dispatch(ctx, events...)
	s.log.Info().Int("due_soon", len(events)).Dur("window", window).Msg("due-soon sweep complete")
	return len(events), nil
}

func (s *Service) record(transition string, err error) {
	metrics.BookingTransitions.WithLabelValues(transition, metrics.Outcome(err)).Inc()
}

func (s *Service) dispatch(ctx context.Context, events ...core.Event) {
	if len(events) == 0 {
		return
	}
	if err := s.events.Dispatch(ctx, events...); err != nil {
		s.log.Error().Err(err).Int("events", len(events)).Msg("event dispatch failed")
	}
}
