/*
handlers.go - HTTP API handlers for bookings, payments, ledger and payouts

PURPOSE:
  Exposes the booking engine via REST API. Handles HTTP request/response,
  JSON serialization and validation, and delegates to the services. The
  caller's identity comes from the JWT middleware; the services perform
  every capability check.

ENDPOINTS:
  Bookings:
    POST   /api/bookings                 Online booking (customer)
    POST   /api/bookings/direct          Walk-in booking with payment (Idempotency-Key)
    GET    /api/bookings                 List, filtered by room/customer/operator/status
    GET    /api/bookings/{id}            Booking details
    GET    /api/bookings/{id}/history    Audit trail
    POST   /api/bookings/{id}/submit     DRAFT → PENDING_PAYMENT
    POST   /api/bookings/{id}/check-in   CONFIRMED → CHECKED_IN
    POST   /api/bookings/{id}/check-out  CHECKED_IN → CHECKED_OUT
    POST   /api/bookings/{id}/cancel     → CANCELLED
    POST   /api/bookings/{id}/renew      Extend a checked-in stay
    POST   /api/bookings/{id}/payments   Record a payment intent
    GET    /api/bookings/{id}/payments   Payments of a booking
    GET    /api/rooms/{id}/availability  Overlap check

  Payments:
    GET    /api/payments/{id}/qr         PNG QR code of the payable token URL
    POST   /api/payments/{id}/settle     Counter settlement by staff
    POST   /api/payments/callback        Gateway callback (HMAC, no JWT)

  Ledger:
    GET    /api/operators/{id}/accounts  List accounts
    POST   /api/operators/{id}/accounts  Create account
    POST   /api/accounts/{id}/archive    Archive account
    GET    /api/accounts/{id}/balance    Posted, reserved and available balance
    GET    /api/accounts/{id}/entries    Entries as of a time
    POST   /api/accounts/{id}/adjustments Manual adjustment
    POST   /api/entries/{id}/reverse     Reverse an entry

  Withdrawals:
    POST   /api/withdrawals              Request payout
    GET    /api/withdrawals              List
    POST   /api/withdrawals/{id}/decide  Approve or reject
    POST   /api/withdrawals/{id}/paid    Payout rail confirmation

  Admin:
    POST   /api/admin/due-soon           Emit due-soon events now

ERROR HANDLING:
  Errors are returned as JSON {error, kind, details}; see errors.go for the
  kind to status mapping.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
	"github.com/warp/kos-engine/booking"
	"github.com/warp/kos-engine/core"
	"github.com/warp/kos-engine/payment"
	"github.com/warp/kos-engine/withdrawal"
)

// IdempotencyHeader carries the client's idempotency key for booking creation.
const IdempotencyHeader = "Idempotency-Key"

const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	bookings       *booking.Service
	payments       *payment.Tracker
	ledger         *core.Ledger
	withdrawals    *withdrawal.Workflow
	callbackSecret string
	dueSoonWindow  time.Duration
	log            zerolog.Logger
	validate       *validator.Validate
}

type HandlerOptions struct {
	Bookings       *booking.Service
	Payments       *payment.Tracker
	Ledger         *core.Ledger
	Withdrawals    *withdrawal.Workflow
	CallbackSecret string
	DueSoonWindow  time.Duration
	Logger         zerolog.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	window := opts.DueSoonWindow
	if window <= 0 {
		window = 72 * time.Hour
	}
	return &Handler{
		bookings:       opts.Bookings,
		payments:       opts.Payments,
		ledger:         opts.Ledger,
		withdrawals:    opts.Withdrawals,
		callbackSecret: opts.CallbackSecret,
		dueSoonWindow:  window,
		log:            opts.Logger.With().Str("component", "api").Logger(),
		validate:       v,
	}
}

// bind decodes the JSON body into dst and validates it.
func (h *Handler) bind(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return core.Invalid("body", "malformed JSON: %v", err)
	}
	return h.validate.Struct(dst)
}

// fail logs unexpected errors and renders err.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if statusFor(err) == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, r, err)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

func (req CreateBookingRequest) toCreate(key string) (booking.CreateRequest, error) {
	checkIn, err := core.ParseDate(req.CheckIn)
	if err != nil {
		return booking.CreateRequest{}, core.Invalid("check_in", "%v", err)
	}
	total, err := core.ParseMoney(req.TotalAmount)
	if err != nil {
		return booking.CreateRequest{}, core.Invalid("total_amount", "%v", err)
	}
	out := booking.CreateRequest{
		RoomID:         core.RoomID(req.RoomID),
		OperatorID:     core.OperatorID(req.OperatorID),
		CustomerID:     core.CustomerID(req.CustomerID),
		LeaseType:      core.LeaseType(req.LeaseType),
		CheckIn:        checkIn,
		Periods:        req.Periods,
		TotalAmount:    total,
		IdempotencyKey: key,
		Draft:          req.Draft,
	}
	if req.CheckOut != "" {
		d, err := core.ParseDate(req.CheckOut)
		if err != nil {
			return booking.CreateRequest{}, core.Invalid("check_out", "%v", err)
		}
		out.CheckOut = &d
	}
	return out, nil
}

func writeBookingResult(w http.ResponseWriter, res booking.CreateResult) {
	resp := BookingResponse{Booking: toBookingDTO(res.Booking), Replayed: res.Replayed}
	if res.Payment != nil {
		p := toPaymentDTO(*res.Payment)
		resp.Payment = &p
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

// CreateBooking handles an online booking. The customer defaults to the caller.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	var body CreateBookingRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if body.CustomerID == "" {
		body.CustomerID = string(id.CustomerID)
	}
	req, err := body.toCreate(r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.bookings.CreateOnline(r.Context(), id, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBookingResult(w, res)
}

// CreateDirectBooking handles a walk-in booking with its payment.
func (h *Handler) CreateDirectBooking(w http.ResponseWriter, r *http.Request) {
	var body DirectBookingRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	body.CreateBookingRequest.CustomerID = body.CustomerID
	req, err := body.CreateBookingRequest.toCreate(r.Header.Get(IdempotencyHeader))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pay := booking.DirectPayment{Type: core.PaymentType(body.Payment.Type), ExternalRef: body.Payment.ExternalRef}
	if body.Payment.Amount != "" {
		if pay.Amount, err = core.ParseMoney(body.Payment.Amount); err != nil {
			h.fail(w, r, core.Invalid("payment.amount", "%v", err))
			return
		}
	}
	res, err := h.bookings.CreateDirect(r.Context(), IdentityFrom(r.Context()), req, pay)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeBookingResult(w, res)
}

func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.BookingFilter{
		RoomID:     core.RoomID(q.Get("room_id")),
		CustomerID: core.CustomerID(q.Get("customer_id")),
		OperatorID: core.OperatorID(q.Get("operator_id")),
	}
	if s := q.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, core.BookingStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.Limit = limit

	list, err := h.bookings.List(r.Context(), IdentityFrom(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]BookingDTO, len(list))
	for i, b := range list {
		dtos[i] = toBookingDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Get(r.Context(), IdentityFrom(r.Context()), bookingParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

func (h *Handler) BookingHistory(w http.ResponseWriter, r *http.Request) {
	trail, err := h.bookings.History(r.Context(), IdentityFrom(r.Context()), bookingParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AuditDTO, len(trail))
	for i, e := range trail {
		dtos[i] = toAuditDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) SubmitBooking(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.Submit(r.Context(), IdentityFrom(r.Context()), bookingParam(r))
	h.writeBooking(w, r, b, err)
}

func (h *Handler) CheckIn(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.CheckIn(r.Context(), IdentityFrom(r.Context()), bookingParam(r))
	h.writeBooking(w, r, b, err)
}

func (h *Handler) CheckOut(w http.ResponseWriter, r *http.Request) {
	b, err := h.bookings.CheckOut(r.Context(), IdentityFrom(r.Context()), bookingParam(r))
	h.writeBooking(w, r, b, err)
}

func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	var body CancelBookingRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.bookings.Cancel(r.Context(), IdentityFrom(r.Context()), bookingParam(r), body.Reason)
	h.writeBooking(w, r, b, err)
}

func (h *Handler) RenewBooking(w http.ResponseWriter, r *http.Request) {
	var body RenewBookingRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	req := booking.RenewRequest{LeaseType: core.LeaseType(body.LeaseType), Periods: body.Periods}
	var err error
	if req.Amount, err = core.ParseMoney(body.Amount); err != nil {
		h.fail(w, r, core.Invalid("amount", "%v", err))
		return
	}
	if body.Deposit != "" {
		if req.Deposit, err = core.ParseMoney(body.Deposit); err != nil {
			h.fail(w, r, core.Invalid("deposit", "%v", err))
			return
		}
	}
	b, p, err := h.bookings.Renew(r.Context(), IdentityFrom(r.Context()), bookingParam(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pdto := toPaymentDTO(p)
	writeJSON(w, http.StatusCreated, BookingResponse{Booking: toBookingDTO(b), Payment: &pdto})
}

func (h *Handler) writeBooking(w http.ResponseWriter, r *http.Request, b core.Booking, err error) {
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookingDTO(b))
}

// RoomAvailability answers whether [check_in, check_out) is free.
func (h *Handler) RoomAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	checkIn, err := core.ParseDate(q.Get("check_in"))
	if err != nil {
		h.fail(w, r, core.Invalid("check_in", "%v", err))
		return
	}
	var checkOut *core.Date
	if s := q.Get("check_out"); s != "" {
		d, err := core.ParseDate(s)
		if err != nil {
			h.fail(w, r, core.Invalid("check_out", "%v", err))
			return
		}
		checkOut = &d
	}
	room := core.RoomID(chi.URLParam(r, "id"))
	ok, err := h.bookings.IsAvailable(r.Context(), room, checkIn, checkOut)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dto := AvailabilityDTO{RoomID: string(room), CheckIn: checkIn.String(), Available: ok}
	if checkOut != nil {
		dto.CheckOut = checkOut.String()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var body RecordPaymentRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	amount := core.Zero
	if body.Amount != "" {
		var err error
		if amount, err = core.ParseMoney(body.Amount); err != nil {
			h.fail(w, r, core.Invalid("amount", "%v", err))
			return
		}
	}
	p, err := h.payments.RecordIntent(r.Context(), IdentityFrom(r.Context()), bookingParam(r), core.PaymentType(body.Type), amount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentDTO(p))
}

func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	list, err := h.payments.Payments(r.Context(), IdentityFrom(r.Context()), bookingParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]PaymentDTO, len(list))
	for i, p := range list {
		dtos[i] = toPaymentDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// SettlePayment records a counter payment confirmed by staff.
func (h *Handler) SettlePayment(w http.ResponseWriter, r *http.Request) {
	var body SettlePaymentRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.payments.Settle(r.Context(), IdentityFrom(r.Context()), core.PaymentID(chi.URLParam(r, "id")), body.ExternalRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	pdto := toPaymentDTO(res.Payment)
	writeJSON(w, http.StatusOK, BookingResponse{Booking: toBookingDTO(res.Booking), Payment: &pdto, Replayed: res.Replayed})
}

// PaymentQR renders the payable token URL of a pending payment as a PNG.
func (h *Handler) PaymentQR(w http.ResponseWriter, r *http.Request) {
	tok, err := h.payments.Token(r.Context(), IdentityFrom(r.Context()), core.PaymentID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	size := 256
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 64 || n > 1024 {
			h.fail(w, r, core.Invalid("size", "must be between 64 and 1024"))
			return
		}
		size = n
	}
	png, err := qrcode.Encode(tok.RedirectURL, qrcode.Medium, size)
	if err != nil {
		h.fail(w, r, fmt.Errorf("encode qr: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Payment-Token", tok.Token)
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// PaymentCallback reconciles a gateway notification. The body must carry a
// valid HMAC signature; duplicates answer 200 with the stored payment.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.fail(w, r, core.Invalid("body", "unreadable"))
		return
	}
	if !payment.VerifySignature(h.callbackSecret, body, r.Header.Get(payment.SignatureHeader)) {
		h.log.Warn().Str("remote", r.RemoteAddr).Msg("payment callback with bad signature")
		writeError(w, r, fmt.Errorf("bad callback signature: %w", core.ErrUnauthorized))
		return
	}
	var cb payment.Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		h.fail(w, r, core.Invalid("body", "malformed JSON: %v", err))
		return
	}
	if err := h.validate.Struct(cb); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.payments.HandleCallback(r.Context(), cb)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentDTO(p))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.ledger.ListAccounts(r.Context(), IdentityFrom(r.Context()), core.OperatorID(chi.URLParam(r, "id")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]AccountDTO, len(list))
	for i, a := range list {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var body CreateAccountRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.ledger.CreateAccount(r.Context(), IdentityFrom(r.Context()), core.OperatorID(chi.URLParam(r, "id")), body.Name, body.Code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(a))
}

func (h *Handler) ArchiveAccount(w http.ResponseWriter, r *http.Request) {
	a, err := h.ledger.ArchiveAccount(r.Context(), IdentityFrom(r.Context()), accountParam(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(a))
}

func (h *Handler) AccountBalance(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	view, err := h.ledger.ViewBalance(r.Context(), IdentityFrom(r.Context()), accountParam(r), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

func (h *Handler) AccountEntries(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseAsOf(r.URL.Query().Get("as_of"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.ledger.Entries(r.Context(), IdentityFrom(r.Context()), accountParam(r), asOf)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]EntryDTO, len(list))
	for i, e := range list {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var body AdjustmentRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := core.ParseMoney(body.Amount)
	if err != nil {
		h.fail(w, r, core.Invalid("amount", "%v", err))
		return
	}
	e, err := h.ledger.Adjust(r.Context(), IdentityFrom(r.Context()), accountParam(r), amount, body.Memo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

func (h *Handler) ReverseEntry(w http.ResponseWriter, r *http.Request) {
	var body ReverseEntryRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	e, err := h.ledger.Reverse(r.Context(), IdentityFrom(r.Context()), core.EntryID(chi.URLParam(r, "id")), body.Memo)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(e))
}

// =============================================================================
// WITHDRAWAL HANDLERS
// =============================================================================

func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	var body CreateWithdrawalRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := core.ParseMoney(body.Amount)
	if err != nil {
		h.fail(w, r, core.Invalid("amount", "%v", err))
		return
	}
	wd, err := h.withdrawals.Request(r.Context(), IdentityFrom(r.Context()),
		core.OperatorID(body.OperatorID), core.AccountID(body.AccountID), amount, body.BankAccount)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWithdrawalDTO(wd))
}

func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := core.WithdrawalFilter{
		OperatorID: core.OperatorID(q.Get("operator_id")),
		AccountID:  core.AccountID(q.Get("account_id")),
	}
	if s := q.Get("status"); s != "" {
		for _, st := range strings.Split(s, ",") {
			filter.Statuses = append(filter.Statuses, core.WithdrawalStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	filter.Limit = limit

	list, err := h.withdrawals.List(r.Context(), IdentityFrom(r.Context()), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]WithdrawalDTO, len(list))
	for i, wd := range list {
		dtos[i] = toWithdrawalDTO(wd)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) DecideWithdrawal(w http.ResponseWriter, r *http.Request) {
	var body DecideWithdrawalRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	wd, err := h.withdrawals.Decide(r.Context(), IdentityFrom(r.Context()),
		core.WithdrawalID(chi.URLParam(r, "id")), withdrawal.Decision(body.Decision), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wd))
}

func (h *Handler) MarkWithdrawalPaid(w http.ResponseWriter, r *http.Request) {
	var body MarkPaidRequest
	if err := h.bind(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	wd, err := h.withdrawals.MarkPaid(r.Context(), IdentityFrom(r.Context()),
		core.WithdrawalID(chi.URLParam(r, "id")), body.PayoutRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTO(wd))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerDueSoon runs the due-soon sweep now. SUPERADMIN only.
func (h *Handler) TriggerDueSoon(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	if id.IsZero() {
		writeError(w, r, core.ErrUnauthorized)
		return
	}
	if id.Role != core.RoleSuperAdmin {
		writeError(w, r, &core.ForbiddenError{Role: id.Role, Action: "booking.due_soon"})
		return
	}
	window := h.dueSoonWindow
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			h.fail(w, r, core.Invalid("window", "must be a positive duration such as 72h"))
			return
		}
		window = d
	}
	n, err := h.bookings.EmitDueSoon(r.Context(), window)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DueSoonDTO{Emitted: n, Window: window.String()})
}

// =============================================================================
// HELPERS
// =============================================================================

func bookingParam(r *http.Request) core.BookingID {
	return core.BookingID(chi.URLParam(r, "id"))
}

func accountParam(r *http.Request) core.AccountID {
	return core.AccountID(chi.URLParam(r, "id"))
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 1000 {
		return 0, core.Invalid("limit", "must be between 1 and 1000")
	}
	return n, nil
}

// parseAsOf accepts RFC 3339 or a calendar date, meaning the end of that
// day in UTC.
func parseAsOf(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	d, err := core.ParseDate(s)
	if err != nil {
		return nil, core.Invalid("as_of", "must be RFC 3339 or YYYY-MM-DD")
	}
	t := d.AddDays(1).Time().Add(-time.Nanosecond)
	return &t, nil
}
