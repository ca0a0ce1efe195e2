package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/warp/kos-engine/core"
)

// =============================================================================
// WITHDRAWAL STORE
// =============================================================================

const withdrawalColumns = `id, operator_id, account_id, amount, bank_account, status,
	requested_by, requested_at, decided_at, decided_by, reason, payout_ref, paid_at,
	version, updated_at`

func (c *conn) CreateWithdrawal(ctx context.Context, w core.Withdrawal) error {
	_, err := c.exec(ctx, `INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(w.ID),
		string(w.OperatorID),
		string(w.AccountID),
		w.Amount.String(),
		w.BankAccount,
		string(w.Status),
		nullString(string(w.RequestedBy)),
		formatTime(w.RequestedAt),
		nullTime(w.DecidedAt),
		nullString(string(w.DecidedBy)),
		nullString(w.Reason),
		nullString(w.PayoutRef),
		nullTime(w.PaidAt),
		w.Version,
		formatTime(w.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (c *conn) UpdateWithdrawal(ctx context.Context, w *core.Withdrawal) error {
	err := c.updateVersioned(ctx, "withdrawals", string(w.ID), "withdrawal", `
		UPDATE withdrawals SET
			status = ?, decided_at = ?, decided_by = ?, reason = ?, payout_ref = ?,
			paid_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(w.Status),
		nullTime(w.DecidedAt),
		nullString(string(w.DecidedBy)),
		nullString(w.Reason),
		nullString(w.PayoutRef),
		nullTime(w.PaidAt),
		formatTime(w.UpdatedAt),
		string(w.ID),
		w.Version,
	)
	if err != nil {
		return err
	}
	w.Version++
	return nil
}

func (c *conn) GetWithdrawal(ctx context.Context, id core.WithdrawalID) (core.Withdrawal, error) {
	w, err := scanWithdrawal(c.queryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return core.Withdrawal{}, &core.NotFoundError{Entity: "withdrawal", ID: string(id)}
	}
	return w, err
}

func (c *conn) ListWithdrawals(ctx context.Context, f core.WithdrawalFilter) ([]core.Withdrawal, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawals WHERE 1 = 1`
	var args []any
	if f.OperatorID != "" {
		query += ` AND operator_id = ?`
		args = append(args, string(f.OperatorID))
	}
	if f.AccountID != "" {
		query += ` AND account_id = ?`
		args = append(args, string(f.AccountID))
	}
	if len(f.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY seq`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	defer rows.Close()

	var result []core.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, w)
	}
	return result, rows.Err()
}

func scanWithdrawal(sc scanner) (core.Withdrawal, error) {
	var (
		w                                     core.Withdrawal
		id, operator, account, amount, status string
		requestedAt, updatedAt                string
		requestedBy, decidedAt, decidedBy     sql.NullString
		reason, payoutRef, paidAt             sql.NullString
	)
	err := sc.Scan(&id, &operator, &account, &amount, &w.BankAccount, &status,
		&requestedBy, &requestedAt, &decidedAt, &decidedBy, &reason, &payoutRef, &paidAt,
		&w.Version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Withdrawal{}, err
		}
		return core.Withdrawal{}, fmt.Errorf("failed to scan withdrawal: %w", err)
	}
	w.ID = core.WithdrawalID(id)
	w.OperatorID = core.OperatorID(operator)
	w.AccountID = core.AccountID(account)
	w.Status = core.WithdrawalStatus(status)
	w.RequestedBy = core.UserID(requestedBy.String)
	w.DecidedBy = core.UserID(decidedBy.String)
	w.Reason = reason.String
	w.PayoutRef = payoutRef.String
	if w.Amount, err = parseMoney(amount); err != nil {
		return core.Withdrawal{}, err
	}
	if w.RequestedAt, err = parseTime(requestedAt); err != nil {
		return core.Withdrawal{}, err
	}
	if w.DecidedAt, err = parseNullTime(decidedAt); err != nil {
		return core.Withdrawal{}, err
	}
	if w.PaidAt, err = parseNullTime(paidAt); err != nil {
		return core.Withdrawal{}, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Withdrawal{}, err
	}
	return w, nil
}
