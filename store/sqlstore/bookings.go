package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/warp/kos-engine/core"
)

// =============================================================================
// BOOKING STORE
// =============================================================================

const bookingColumns = `id, code, room_id, customer_id, operator_id, lease_type,
	check_in, check_out, actual_check_in, actual_check_out, status, total_amount,
	balance_due, pending_renewal, idempotency_key, version, created_at, updated_at`

// renewalRecord is the JSON shape of a pending renewal.
type renewalRecord struct {
	LeaseType   core.LeaseType `json:"lease_type"`
	Periods     int            `json:"periods"`
	NewCheckOut string         `json:"new_check_out"`
	Amount      string         `json:"amount"`
	Paid        string         `json:"paid"`
	DepositOnly bool           `json:"deposit_only,omitempty"`
	RequestedAt string         `json:"requested_at"`
}

func encodeRenewal(r *core.Renewal) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(renewalRecord{
		LeaseType:   r.LeaseType,
		Periods:     r.Periods,
		NewCheckOut: r.NewCheckOut.String(),
		Amount:      r.Amount.String(),
		Paid:        r.Paid.String(),
		DepositOnly: r.DepositOnly,
		RequestedAt: formatTime(r.RequestedAt),
	})
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode renewal: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeRenewal(ns sql.NullString) (*core.Renewal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var rec renewalRecord
	if err := json.Unmarshal([]byte(ns.String), &rec); err != nil {
		return nil, fmt.Errorf("decode renewal: %w", err)
	}
	r := &core.Renewal{LeaseType: rec.LeaseType, Periods: rec.Periods, DepositOnly: rec.DepositOnly}
	var err error
	if r.NewCheckOut, err = core.ParseDate(rec.NewCheckOut); err != nil {
		return nil, err
	}
	if r.Amount, err = parseMoney(rec.Amount); err != nil {
		return nil, err
	}
	if r.Paid, err = parseMoney(rec.Paid); err != nil {
		return nil, err
	}
	if r.RequestedAt, err = parseTime(rec.RequestedAt); err != nil {
		return nil, err
	}
	return r, nil
}

func nullDate(d *core.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func (c *conn) CreateBooking(ctx context.Context, b core.Booking) error {
	renewal, err := encodeRenewal(b.PendingRenewal)
	if err != nil {
		return err
	}
	_, err = c.exec(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(b.ID),
		b.Code,
		string(b.RoomID),
		string(b.CustomerID),
		string(b.OperatorID),
		string(b.LeaseType),
		b.CheckIn.String(),
		nullDate(b.CheckOut),
		nullTime(b.ActualCheckIn),
		nullTime(b.ActualCheckOut),
		string(b.Status),
		b.TotalAmount.String(),
		boolInt(b.BalanceDue),
		renewal,
		nullString(b.IdempotencyKey),
		b.Version,
		formatTime(b.CreatedAt),
		formatTime(b.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert booking: %w", err)
	}
	return nil
}

func (c *conn) UpdateBooking(ctx context.Context, b *core.Booking) error {
	renewal, err := encodeRenewal(b.PendingRenewal)
	if err != nil {
		return err
	}
	err = c.updateVersioned(ctx, "bookings", string(b.ID), "booking", `
		UPDATE bookings SET
			lease_type = ?, check_in = ?, check_out = ?, actual_check_in = ?,
			actual_check_out = ?, status = ?, total_amount = ?, balance_due = ?,
			pending_renewal = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(b.LeaseType),
		b.CheckIn.String(),
		nullDate(b.CheckOut),
		nullTime(b.ActualCheckIn),
		nullTime(b.ActualCheckOut),
		string(b.Status),
		b.TotalAmount.String(),
		boolInt(b.BalanceDue),
		renewal,
		formatTime(b.UpdatedAt),
		string(b.ID),
		b.Version,
	)
	if err != nil {
		return err
	}
	b.Version++
	return nil
}

func (c *conn) GetBooking(ctx context.Context, id core.BookingID) (core.Booking, error) {
	row := c.queryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = ?`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Booking{}, &core.NotFoundError{Entity: "booking", ID: string(id)}
	}
	return b, err
}

func (c *conn) FindBookingByIdempotencyKey(ctx context.Context, key string) (core.Booking, bool, error) {
	if key == "" {
		return core.Booking{}, false, nil
	}
	row := c.queryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE idempotency_key = ?`, key)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Booking{}, false, nil
	}
	if err != nil {
		return core.Booking{}, false, err
	}
	return b, true, nil
}

func (c *conn) ActiveBookingsForRoom(ctx context.Context, room core.RoomID) ([]core.Booking, error) {
	return c.ListBookings(ctx, core.BookingFilter{RoomID: room, Statuses: core.ActiveBookingStatuses})
}

func (c *conn) ListBookings(ctx context.Context, f core.BookingFilter) ([]core.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE 1 = 1`
	var args []any
	if f.RoomID != "" {
		query += ` AND room_id = ?`
		args = append(args, string(f.RoomID))
	}
	if f.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, string(f.CustomerID))
	}
	if f.OperatorID != "" {
		query += ` AND operator_id = ?`
		args = append(args, string(f.OperatorID))
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()

	var result []core.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

// scanner is implemented by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBooking(sc scanner) (core.Booking, error) {
	var (
		b                             core.Booking
		id, room, customer, operator  string
		lease, checkIn, status, total string
		checkOut, actualIn, actualOut sql.NullString
		renewal, idemKey              sql.NullString
		balanceDue                    int
		createdAt, updatedAt          string
	)
	err := sc.Scan(&id, &b.Code, &room, &customer, &operator, &lease,
		&checkIn, &checkOut, &actualIn, &actualOut, &status, &total,
		&balanceDue, &renewal, &idemKey, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Booking{}, err
		}
		return core.Booking{}, fmt.Errorf("failed to scan booking: %w", err)
	}

	b.ID = core.BookingID(id)
	b.RoomID = core.RoomID(room)
	b.CustomerID = core.CustomerID(customer)
	b.OperatorID = core.OperatorID(operator)
	b.LeaseType = core.LeaseType(lease)
	b.Status = core.BookingStatus(status)
	b.BalanceDue = balanceDue != 0
	b.IdempotencyKey = idemKey.String

	if b.CheckIn, err = core.ParseDate(checkIn); err != nil {
		return core.Booking{}, err
	}
	if checkOut.Valid {
		d, err := core.ParseDate(checkOut.String)
		if err != nil {
			return core.Booking{}, err
		}
		b.CheckOut = &d
	}
	if b.ActualCheckIn, err = parseNullTime(actualIn); err != nil {
		return core.Booking{}, err
	}
	if b.ActualCheckOut, err = parseNullTime(actualOut); err != nil {
		return core.Booking{}, err
	}
	if b.TotalAmount, err = parseMoney(total); err != nil {
		return core.Booking{}, err
	}
	if b.PendingRenewal, err = decodeRenewal(renewal); err != nil {
		return core.Booking{}, err
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Booking{}, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Booking{}, err
	}
	return b, nil
}

// =============================================================================
// AUDIT LOG
// =============================================================================

// AppendAudit is append-only.
func (c *conn) AppendAudit(ctx context.Context, e core.AuditEntry) error {
	_, err := c.exec(ctx, `
		INSERT INTO audit_log (id, actor, role, action, subject_type, subject_id, from_state, to_state, detail, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		nullString(string(e.Actor)),
		nullString(string(e.Role)),
		e.Action,
		e.SubjectType,
		e.SubjectID,
		nullString(e.From),
		nullString(e.To),
		nullString(e.Detail),
		formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (c *conn) AuditTrail(ctx context.Context, subjectType, subjectID string) ([]core.AuditEntry, error) {
	rows, err := c.query(ctx, `
		SELECT id, actor, role, action, subject_type, subject_id, from_state, to_state, detail, at
		FROM audit_log WHERE subject_type = ? AND subject_id = ?
		ORDER BY seq`, subjectType, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit trail: %w", err)
	}
	defer rows.Close()

	var result []core.AuditEntry
	for rows.Next() {
		var (
			e                             core.AuditEntry
			actor, role, from, to, detail sql.NullString
			at                            string
		)
		if err := rows.Scan(&e.ID, &actor, &role, &e.Action, &e.SubjectType, &e.SubjectID, &from, &to, &detail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Actor = core.UserID(actor.String)
		e.Role = core.Role(role.String)
		e.From, e.To, e.Detail = from.String, to.String, detail.String
		var perr error
		if e.At, perr = parseTime(at); perr != nil {
			return nil, perr
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
