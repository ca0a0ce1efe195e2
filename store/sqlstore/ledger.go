package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/warp/kos-engine/core"
)

// =============================================================================
// LEDGER STORE
// =============================================================================

const (
	accountColumns = `id, operator_id, name, code, is_system, archived, created_at`
	entryColumns   = `id, account_id, operator_id, amount, source_type, source_id, memo, posted_by, posted_at`
)

func (c *conn) CreateAccount(ctx context.Context, a core.LedgerAccount) error {
	_, err := c.exec(ctx, `INSERT INTO ledger_accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(a.ID),
		string(a.OperatorID),
		a.Name,
		a.Code,
		boolInt(a.System),
		boolInt(a.Archived),
		formatTime(a.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

// UpdateAccount changes the mutable account fields. Entries are untouched.
func (c *conn) UpdateAccount(ctx context.Context, a core.LedgerAccount) error {
	res, err := c.exec(ctx, `UPDATE ledger_accounts SET name = ?, archived = ? WHERE id = ?`,
		a.Name, boolInt(a.Archived), string(a.ID))
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &core.NotFoundError{Entity: "account", ID: string(a.ID)}
	}
	return nil
}

func (c *conn) GetAccount(ctx context.Context, id core.AccountID) (core.LedgerAccount, error) {
	a, err := scanAccount(c.queryRow(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerAccount{}, &core.NotFoundError{Entity: "account", ID: string(id)}
	}
	return a, err
}

func (c *conn) FindAccountByCode(ctx context.Context, operator core.OperatorID, code string) (core.LedgerAccount, bool, error) {
	a, err := scanAccount(c.queryRow(ctx,
		`SELECT `+accountColumns+` FROM ledger_accounts WHERE operator_id = ? AND code = ?`, string(operator), code))
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerAccount{}, false, nil
	}
	if err != nil {
		return core.LedgerAccount{}, false, err
	}
	return a, true, nil
}

func (c *conn) ListAccounts(ctx context.Context, operator core.OperatorID) ([]core.LedgerAccount, error) {
	rows, err := c.query(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE operator_id = ? ORDER BY code`, string(operator))
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var result []core.LedgerAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanAccount(sc scanner) (core.LedgerAccount, error) {
	var (
		a                       core.LedgerAccount
		id, operator, createdAt string
		system, archived        int
	)
	if err := sc.Scan(&id, &operator, &a.Name, &a.Code, &system, &archived, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.LedgerAccount{}, err
		}
		return core.LedgerAccount{}, fmt.Errorf("failed to scan account: %w", err)
	}
	a.ID = core.AccountID(id)
	a.OperatorID = core.OperatorID(operator)
	a.System = system != 0
	a.Archived = archived != 0
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.LedgerAccount{}, err
	}
	return a, nil
}

// AppendEntry is append-only: there is no UPDATE or DELETE for entries.
func (c *conn) AppendEntry(ctx context.Context, e core.LedgerEntry) error {
	_, err := c.exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(e.ID),
		string(e.AccountID),
		string(e.OperatorID),
		e.Amount.String(),
		string(e.SourceType),
		e.SourceID,
		nullString(e.Memo),
		nullString(string(e.PostedBy)),
		formatTime(e.PostedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (c *conn) GetEntry(ctx context.Context, id core.EntryID) (core.LedgerEntry, error) {
	e, err := scanEntry(c.queryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return core.LedgerEntry{}, &core.NotFoundError{Entity: "entry", ID: string(id)}
	}
	return e, err
}

func (c *conn) Entries(ctx context.Context, account core.AccountID, asOf time.Time) ([]core.LedgerEntry, error) {
	rows, err := c.query(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ? AND posted_at <= ?
		ORDER BY posted_at, seq`,
		string(account), formatTime(asOf))
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}
	defer rows.Close()

	var result []core.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEntry(sc scanner) (core.LedgerEntry, error) {
	var (
		e                             core.LedgerEntry
		id, account, operator, amount string
		sourceType, postedAt          string
		memo, postedBy                sql.NullString
	)
	if err := sc.Scan(&id, &account, &operator, &amount, &sourceType, &e.SourceID, &memo, &postedBy, &postedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.LedgerEntry{}, err
		}
		return core.LedgerEntry{}, fmt.Errorf("failed to scan entry: %w", err)
	}
	e.ID = core.EntryID(id)
	e.AccountID = core.AccountID(account)
	e.OperatorID = core.OperatorID(operator)
	e.SourceType = core.SourceType(sourceType)
	e.Memo = memo.String
	e.PostedBy = core.UserID(postedBy.String)
	var err error
	if e.Amount, err = parseMoney(amount); err != nil {
		return core.LedgerEntry{}, err
	}
	if e.PostedAt, err = parseTime(postedAt); err != nil {
		return core.LedgerEntry{}, err
	}
	return e, nil
}
