package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/kos-engine/core"
)

// =============================================================================
// PAYMENT STORE
// =============================================================================

const paymentColumns = `id, booking_id, operator_id, payment_type, amount, status,
	external_ref, version, created_at, settled_at, updated_at`

func (c *conn) CreatePayment(ctx context.Context, p core.Payment) error {
	_, err := c.exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(p.ID),
		string(p.BookingID),
		string(p.OperatorID),
		string(p.Type),
		p.Amount.String(),
		string(p.Status),
		nullString(p.ExternalRef),
		p.Version,
		formatTime(p.CreatedAt),
		nullTime(p.SettledAt),
		formatTime(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (c *conn) UpdatePayment(ctx context.Context, p *core.Payment) error {
	err := c.updateVersioned(ctx, "payments", string(p.ID), "payment", `
		UPDATE payments SET
			status = ?, external_ref = ?, settled_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(p.Status),
		nullString(p.ExternalRef),
		nullTime(p.SettledAt),
		formatTime(p.UpdatedAt),
		string(p.ID),
		p.Version,
	)
	if err != nil {
		return err
	}
	p.Version++
	return nil
}

func (c *conn) GetPayment(ctx context.Context, id core.PaymentID) (core.Payment, error) {
	p, err := scanPayment(c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Payment{}, &core.NotFoundError{Entity: "payment", ID: string(id)}
	}
	return p, err
}

func (c *conn) FindPaymentByExternalRef(ctx context.Context, ref string) (core.Payment, bool, error) {
	if ref == "" {
		return core.Payment{}, false, nil
	}
	p, err := scanPayment(c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_ref = ?`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Payment{}, false, nil
	}
	if err != nil {
		return core.Payment{}, false, err
	}
	return p, true, nil
}

func (c *conn) ListPayments(ctx context.Context, booking core.BookingID) ([]core.Payment, error) {
	rows, err := c.query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = ? ORDER BY seq`, string(booking))
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	result := []core.Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func scanPayment(sc scanner) (core.Payment, error) {
	var (
		p                      core.Payment
		id, booking, operator  string
		typ, amount, status    string
		externalRef, settledAt sql.NullString
		createdAt, updatedAt   string
	)
	err := sc.Scan(&id, &booking, &operator, &typ, &amount, &status,
		&externalRef, &p.Version, &createdAt, &settledAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Payment{}, err
		}
		return core.Payment{}, fmt.Errorf("failed to scan payment: %w", err)
	}
	p.ID = core.PaymentID(id)
	p.BookingID = core.BookingID(booking)
	p.OperatorID = core.OperatorID(operator)
	p.Type = core.PaymentType(typ)
	p.Status = core.PaymentStatus(status)
	p.ExternalRef = externalRef.String
	if p.Amount, err = parseMoney(amount); err != nil {
		return core.Payment{}, err
	}
	if p.SettledAt, err = parseNullTime(settledAt); err != nil {
		return core.Payment{}, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Payment{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Payment{}, err
	}
	return p, nil
}
