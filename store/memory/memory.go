// Package memory provides an in-memory core.TxStore for tests and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/kos-engine/core"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory guards a state with a RWMutex. WithTx holds the write lock for the
// whole callback, which serialises every check-and-commit.
type Memory struct {
	mu    sync.RWMutex
	state *state
}

func New() *Memory {
	return &Memory{state: newState()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(ctx context.Context, fn func(core.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// ===== Locked wrappers =====

func (m *Memory) CreateBooking(ctx context.Context, b core.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateBooking(ctx, b)
}

func (m *Memory) UpdateBooking(ctx context.Context, b *core.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateBooking(ctx, b)
}

func (m *Memory) GetBooking(ctx context.Context, id core.BookingID) (core.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetBooking(ctx, id)
}

func (m *Memory) FindBookingByIdempotencyKey(ctx context.Context, key string) (core.Booking, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindBookingByIdempotencyKey(ctx, key)
}

func (m *Memory) ActiveBookingsForRoom(ctx context.Context, room core.RoomID) ([]core.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ActiveBookingsForRoom(ctx, room)
}

func (m *Memory) ListBookings(ctx context.Context, f core.BookingFilter) ([]core.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListBookings(ctx, f)
}

func (m *Memory) CreatePayment(ctx context.Context, p core.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreatePayment(ctx, p)
}

func (m *Memory) UpdatePayment(ctx context.Context, p *core.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdatePayment(ctx, p)
}

func (m *Memory) GetPayment(ctx context.Context, id core.PaymentID) (core.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetPayment(ctx, id)
}

func (m *Memory) FindPaymentByExternalRef(ctx context.Context, ref string) (core.Payment, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindPaymentByExternalRef(ctx, ref)
}

func (m *Memory) ListPayments(ctx context.Context, booking core.BookingID) ([]core.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListPayments(ctx, booking)
}

func (m *Memory) CreateAccount(ctx context.Context, a core.LedgerAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateAccount(ctx, a)
}

func (m *Memory) UpdateAccount(ctx context.Context, a core.LedgerAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateAccount(ctx, a)
}

func (m *Memory) GetAccount(ctx context.Context, id core.AccountID) (core.LedgerAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetAccount(ctx, id)
}

func (m *Memory) FindAccountByCode(ctx context.Context, operator core.OperatorID, code string) (core.LedgerAccount, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindAccountByCode(ctx, operator, code)
}

func (m *Memory) ListAccounts(ctx context.Context, operator core.OperatorID) ([]core.LedgerAccount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListAccounts(ctx, operator)
}

func (m *Memory) AppendEntry(ctx context.Context, e core.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendEntry(ctx, e)
}

func (m *Memory) GetEntry(ctx context.Context, id core.EntryID) (core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetEntry(ctx, id)
}

func (m *Memory) Entries(ctx context.Context, account core.AccountID, asOf time.Time) ([]core.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Entries(ctx, account, asOf)
}

func (m *Memory) CreateWithdrawal(ctx context.Context, w core.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.CreateWithdrawal(ctx, w)
}

func (m *Memory) UpdateWithdrawal(ctx context.Context, w *core.Withdrawal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UpdateWithdrawal(ctx, w)
}

func (m *Memory) GetWithdrawal(ctx context.Context, id core.WithdrawalID) (core.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetWithdrawal(ctx, id)
}

func (m *Memory) ListWithdrawals(ctx context.Context, f core.WithdrawalFilter) ([]core.Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListWithdrawals(ctx, f)
}

func (m *Memory) AppendAudit(ctx context.Context, e core.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendAudit(ctx, e)
}

func (m *Memory) AuditTrail(ctx context.Context, subjectType, subjectID string) ([]core.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.AuditTrail(ctx, subjectType, subjectID)
}

// LockRoom and LockAccount are no-ops: WithTx already holds the store lock.
func (m *Memory) LockRoom(context.Context, core.RoomID) error       { return nil }
func (m *Memory) LockAccount(context.Context, core.AccountID) error { return nil }

// =============================================================================
// STATE - Unlocked data, also the view handed to WithTx callbacks
// =============================================================================

type state struct {
	bookings     map[core.BookingID]core.Booking
	bookingKeys  map[string]core.BookingID
	bookingCodes map[string]core.BookingID

	payments        map[core.PaymentID]core.Payment
	bookingPayments map[core.BookingID][]core.PaymentID

	accounts      map[core.AccountID]core.LedgerAccount
	entries       []core.LedgerEntry
	entrySources  map[sourceKey]bool
	withdrawals   map[core.WithdrawalID]core.Withdrawal
	withdrawalSeq []core.WithdrawalID
	audit         []core.AuditEntry
}

type sourceKey struct {
	Type    core.SourceType
	ID      string
	Account core.AccountID
}

func newState() *state {
	return &state{
		bookings:        make(map[core.BookingID]core.Booking),
		bookingKeys:     make(map[string]core.BookingID),
		bookingCodes:    make(map[string]core.BookingID),
		payments:        make(map[core.PaymentID]core.Payment),
		bookingPayments: make(map[core.BookingID][]core.PaymentID),
		accounts:        make(map[core.AccountID]core.LedgerAccount),
		entrySources:    make(map[sourceKey]bool),
		withdrawals:     make(map[core.WithdrawalID]core.Withdrawal),
	}
}

// clone copies every container. Stored values are never mutated in place,
// so copying the values themselves is enough.
func (s *state) clone() *state {
	c := newState()
	for k, v := range s.bookings {
		c.bookings[k] = v
	}
	for k, v := range s.bookingKeys {
		c.bookingKeys[k] = v
	}
	for k, v := range s.bookingCodes {
		c.bookingCodes[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.bookingPayments {
		c.bookingPayments[k] = append([]core.PaymentID(nil), v...)
	}
	for k, v := range s.accounts {
		c.accounts[k] = v
	}
	c.entries = append([]core.LedgerEntry(nil), s.entries...)
	for k, v := range s.entrySources {
		c.entrySources[k] = v
	}
	for k, v := range s.withdrawals {
		c.withdrawals[k] = v
	}
	c.withdrawalSeq = append([]core.WithdrawalID(nil), s.withdrawalSeq...)
	c.audit = append([]core.AuditEntry(nil), s.audit...)
	return c
}

// cloneBooking detaches b from caller-owned pointers.
func cloneBooking(b core.Booking) core.Booking {
	if b.PendingRenewal != nil {
		r := *b.PendingRenewal
		b.PendingRenewal = &r
	}
	return b
}

func (s *state) LockRoom(context.Context, core.RoomID) error       { return nil }
func (s *state) LockAccount(context.Context, core.AccountID) error { return nil }

// ===== Bookings =====

func (s *state) CreateBooking(_ context.Context, b core.Booking) error {
	if _, exists := s.bookings[b.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	if b.IdempotencyKey != "" {
		if _, exists := s.bookingKeys[b.IdempotencyKey]; exists {
			return core.ErrDuplicateIdempotencyKey
		}
	}
	if _, exists := s.bookingCodes[b.Code]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	s.bookings[b.ID] = cloneBooking(b)
	if b.IdempotencyKey != "" {
		s.bookingKeys[b.IdempotencyKey] = b.ID
	}
	s.bookingCodes[b.Code] = b.ID
	return nil
}

func (s *state) UpdateBooking(_ context.Context, b *core.Booking) error {
	cur, ok := s.bookings[b.ID]
	if !ok {
		return &core.NotFoundError{Entity: "booking", ID: string(b.ID)}
	}
	if cur.Version != b.Version {
		return core.ErrConcurrentModification
	}
	b.Version++
	s.bookings[b.ID] = cloneBooking(*b)
	return nil
}

func (s *state) GetBooking(_ context.Context, id core.BookingID) (core.Booking, error) {
	b, ok := s.bookings[id]
	if !ok {
		return core.Booking{}, &core.NotFoundError{Entity: "booking", ID: string(id)}
	}
	return cloneBooking(b), nil
}

func (s *state) FindBookingByIdempotencyKey(_ context.Context, key string) (core.Booking, bool, error) {
	id, ok := s.bookingKeys[key]
	if !ok || key == "" {
		return core.Booking{}, false, nil
	}
	return cloneBooking(s.bookings[id]), true, nil
}

func (s *state) ActiveBookingsForRoom(ctx context.Context, room core.RoomID) ([]core.Booking, error) {
	return s.ListBookings(ctx, core.BookingFilter{RoomID: room, Statuses: core.ActiveBookingStatuses})
}

func (s *state) ListBookings(_ context.Context, f core.BookingFilter) ([]core.Booking, error) {
	var result []core.Booking
	for _, b := range s.bookings {
		if f.RoomID != "" && b.RoomID != f.RoomID {
			continue
		}
		if f.CustomerID != "" && b.CustomerID != f.CustomerID {
			continue
		}
		if f.OperatorID != "" && b.OperatorID != f.OperatorID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, b.Status) {
			continue
		}
		result = append(result, cloneBooking(b))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func containsStatus(statuses []core.BookingStatus, s core.BookingStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// ===== Payments =====

func (s *state) CreatePayment(_ context.Context, p core.Payment) error {
	if _, exists := s.payments[p.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	s.payments[p.ID] = p
	s.bookingPayments[p.BookingID] = append(s.bookingPayments[p.BookingID], p.ID)
	return nil
}

func (s *state) UpdatePayment(_ context.Context, p *core.Payment) error {
	cur, ok := s.payments[p.ID]
	if !ok {
		return &core.NotFoundError{Entity: "payment", ID: string(p.ID)}
	}
	if cur.Version != p.Version {
		return core.ErrConcurrentModification
	}
	p.Version++
	s.payments[p.ID] = *p
	return nil
}

func (s *state) GetPayment(_ context.Context, id core.PaymentID) (core.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return core.Payment{}, &core.NotFoundError{Entity: "payment", ID: string(id)}
	}
	return p, nil
}

func (s *state) FindPaymentByExternalRef(_ context.Context, ref string) (core.Payment, bool, error) {
	if ref == "" {
		return core.Payment{}, false, nil
	}
	for _, p := range s.payments {
		if p.ExternalRef == ref {
			return p, true, nil
		}
	}
	return core.Payment{}, false, nil
}

func (s *state) ListPayments(_ context.Context, booking core.BookingID) ([]core.Payment, error) {
	ids := s.bookingPayments[booking]
	result := make([]core.Payment, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.payments[id])
	}
	return result, nil
}

// ===== Ledger =====

func (s *state) CreateAccount(_ context.Context, a core.LedgerAccount) error {
	if _, exists := s.accounts[a.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	for _, existing := range s.accounts {
		if existing.OperatorID == a.OperatorID && existing.Code == a.Code {
			return core.ErrDuplicateIdempotencyKey
		}
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *state) UpdateAccount(_ context.Context, a core.LedgerAccount) error {
	if _, ok := s.accounts[a.ID]; !ok {
		return &core.NotFoundError{Entity: "account", ID: string(a.ID)}
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *state) GetAccount(_ context.Context, id core.AccountID) (core.LedgerAccount, error) {
	a, ok := s.accounts[id]
	if !ok {
		return core.LedgerAccount{}, &core.NotFoundError{Entity: "account", ID: string(id)}
	}
	return a, nil
}

func (s *state) FindAccountByCode(_ context.Context, operator core.OperatorID, code string) (core.LedgerAccount, bool, error) {
	for _, a := range s.accounts {
		if a.OperatorID == operator && a.Code == code {
			return a, true, nil
		}
	}
	return core.LedgerAccount{}, false, nil
}

func (s *state) ListAccounts(_ context.Context, operator core.OperatorID) ([]core.LedgerAccount, error) {
	var result []core.LedgerAccount
	for _, a := range s.accounts {
		if a.OperatorID == operator {
			result = append(result, a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Code < result[j].Code })
	return result, nil
}

// AppendEntry is append-only: entries are never updated or removed.
func (s *state) AppendEntry(_ context.Context, e core.LedgerEntry) error {
	k := sourceKey{Type: e.SourceType, ID: e.SourceID, Account: e.AccountID}
	if s.entrySources[k] {
		return core.ErrDuplicateIdempotencyKey
	}
	// Binary search keeps entries ordered by PostedAt.
	i := sort.Search(len(s.entries), func(i int) bool {
		return s.entries[i].PostedAt.After(e.PostedAt)
	})
	s.entries = append(s.entries, core.LedgerEntry{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = e
	s.entrySources[k] = true
	return nil
}

func (s *state) GetEntry(_ context.Context, id core.EntryID) (core.LedgerEntry, error) {
	for _, e := range s.entries {
		if e.ID == id {
			return e, nil
		}
	}
	return core.LedgerEntry{}, &core.NotFoundError{Entity: "entry", ID: string(id)}
}

func (s *state) Entries(_ context.Context, account core.AccountID, asOf time.Time) ([]core.LedgerEntry, error) {
	var result []core.LedgerEntry
	for _, e := range s.entries {
		if e.PostedAt.After(asOf) {
			break
		}
		if e.AccountID == account {
			result = append(result, e)
		}
	}
	return result, nil
}

// ===== Withdrawals =====

func (s *state) CreateWithdrawal(_ context.Context, w core.Withdrawal) error {
	if _, exists := s.withdrawals[w.ID]; exists {
		return core.ErrDuplicateIdempotencyKey
	}
	s.withdrawals[w.ID] = w
	s.withdrawalSeq = append(s.withdrawalSeq, w.ID)
	return nil
}

func (s *state) UpdateWithdrawal(_ context.Context, w *core.Withdrawal) error {
	cur, ok := s.withdrawals[w.ID]
	if !ok {
		return &core.NotFoundError{Entity: "withdrawal", ID: string(w.ID)}
	}
	if cur.Version != w.Version {
		return core.ErrConcurrentModification
	}
	w.Version++
	s.withdrawals[w.ID] = *w
	return nil
}

func (s *state) GetWithdrawal(_ context.Context, id core.WithdrawalID) (core.Withdrawal, error) {
	w, ok := s.withdrawals[id]
	if !ok {
		return core.Withdrawal{}, &core.NotFoundError{Entity: "withdrawal", ID: string(id)}
	}
	return w, nil
}

func (s *state) ListWithdrawals(_ context.Context, f core.WithdrawalFilter) ([]core.Withdrawal, error) {
	var result []core.Withdrawal
	for _, id := range s.withdrawalSeq {
		w := s.withdrawals[id]
		if f.OperatorID != "" && w.OperatorID != f.OperatorID {
			continue
		}
		if f.AccountID != "" && w.AccountID != f.AccountID {
			continue
		}
		if len(f.Statuses) > 0 && !containsWithdrawalStatus(f.Statuses, w.Status) {
			continue
		}
		result = append(result, w)
		if f.Limit > 0 && len(result) == f.Limit {
			break
		}
	}
	return result, nil
}

func containsWithdrawalStatus(statuses []core.WithdrawalStatus, s core.WithdrawalStatus) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

// ===== Audit =====

func (s *state) AppendAudit(_ context.Context, e core.AuditEntry) error {
	s.audit = append(s.audit, e)
	return nil
}

func (s *state) AuditTrail(_ context.Context, subjectType, subjectID string) ([]core.AuditEntry, error) {
	var result []core.AuditEntry
	for _, e := range s.audit {
		if e.SubjectType == subjectType && e.SubjectID == subjectID {
			result = append(result, e)
		}
	}
	return result, nil
}

var (
	_ core.TxStore = (*Memory)(nil)
	_ core.Store   = (*state)(nil)
)
