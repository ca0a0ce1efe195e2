/*
Package sqlstore provides a SQL-backed implementation of core.TxStore for
SQLite and PostgreSQL.

PURPOSE:
  Implements every persistence interface (bookings, payments, ledger,
  withdrawals, audit, locking) on database/sql. The two dialects share one
  schema written in portable SQL; only placeholders, sequence columns and
  row locking differ.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch ledger_entries or audit_log
  - Corrections are reversal entries posted by core.Ledger

KEY TABLES:
  bookings:        one row per booking, pending renewal as JSON
  payments:        payment attempts, external_ref unique when set
  ledger_accounts: per-operator accounts, (operator_id, code) unique
  ledger_entries:  immutable postings, (source_type, source_id, account_id) unique
  withdrawals:     payout requests
  audit_log:       transition trail
  room_locks:      one row per room, the target of FOR UPDATE on Postgres

CONCURRENCY:
  SQLite is opened with _txlock=immediate and a single connection, so a
  transaction holds the write lock from BEGIN and check-and-commit blocks
  run one at a time. On PostgreSQL, LockRoom and LockAccount take row
  locks that are held until commit.

TIMESTAMPS:
  Stored as fixed-width UTC text so lexical order is time order on both
  dialects. Calendar dates are stored as YYYY-MM-DD, amounts as decimal
  strings.

USAGE:
  store, err := sqlstore.OpenSQLite("./data/kos.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: interface definitions
  - store/memory: in-memory implementation for tests
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/kos-engine/core"
)

// Dialect selects the SQL flavour.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements core.TxStore.
type Store struct {
	*conn
	db *sql.DB
}

// conn runs every statement against q. Outside a transaction q is the
// pool; inside WithTx it is the *sql.Tx.
type conn struct {
	q       queryer
	dialect Dialect
	inTx    bool
}

var (
	_ core.TxStore = (*Store)(nil)
	_ core.Store   = (*conn)(nil)
)

// OpenSQLite opens (and migrates) a SQLite database. Use ":memory:" for an
// in-memory database.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serialises writers.
	db.SetMaxOpenConns(1)
	return open(db, SQLite)
}

// OpenPostgres opens (and migrates) a PostgreSQL database through pgx.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return open(db, Postgres)
}

func open(db *sql.DB, dialect Dialect) (*Store, error) {
	s := NewWithDB(db, dialect)
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing handle without migrating it.
func NewWithDB(db *sql.DB, dialect Dialect) *Store {
	return &Store{conn: &conn{q: db, dialect: dialect}, db: db}
}

// DB exposes the underlying pool, for pool tuning and health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// SCHEMA
// =============================================================================

const schema = `
CREATE TABLE IF NOT EXISTS bookings (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	room_id TEXT NOT NULL,
	customer_id TEXT NOT NULL,
	operator_id TEXT NOT NULL,
	lease_type TEXT NOT NULL,
	check_in TEXT NOT NULL,
	check_out TEXT,
	actual_check_in TEXT,
	actual_check_out TEXT,
	status TEXT NOT NULL,
	total_amount TEXT NOT NULL,
	balance_due INTEGER NOT NULL DEFAULT 0,
	pending_renewal TEXT,
	idempotency_key TEXT,
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_bookings_idempotency
	ON bookings(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_bookings_room_status
	ON bookings(room_id, status);
CREATE INDEX IF NOT EXISTS idx_bookings_operator
	ON bookings(operator_id, created_at);
CREATE INDEX IF NOT EXISTS idx_bookings_customer
	ON bookings(customer_id, created_at);

CREATE TABLE IF NOT EXISTS payments (
	seq {{SEQ}},
	id TEXT NOT NULL UNIQUE,
	booking_id TEXT NOT NULL REFERENCES bookings(id),
	operator_id TEXT NOT NULL,
	payment_type TEXT NOT NULL,
	amount TEXT NOT NULL,
	status TEXT NOT NULL,
	external_ref TEXT,
	version BIGINT NOT NULL,
	created_at TEXT NOT NULL,
	settled_at TEXT,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_payments_booking
	ON payments(booking_id, seq);
CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_external_ref
	ON payments(external_ref) WHERE external_ref IS NOT NULL;

CREATE TABLE IF NOT EXISTS ledger_accounts (
	id TEXT PRIMARY KEY,
	operator_id TEXT NOT NULL,
	name TEXT NOT NULL,
	code TEXT NOT NULL,
	is_system INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	UNIQUE (operator_id, code)
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	seq {{SEQ}},
	id TEXT NOT NULL UNIQUE,
	account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
	operator_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source_id TEXT NOT NULL,
	memo TEXT,
	posted_by TEXT,
	posted_at TEXT NOT NULL
);

-- CRITICAL: one posting per source and account
CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_entry_source
	ON ledger_entries(source_type, source_id, account_id);
CREATE INDEX IF NOT EXISTS idx_entries_account_posted
	ON ledger_entries(account_id, posted_at);

CREATE TABLE IF NOT EXISTS withdrawals (
	seq {{SEQ}},
	id TEXT NOT NULL UNIQUE,
	operator_id TEXT NOT NULL,
	account_id TEXT NOT NULL REFERENCES ledger_accounts(id),
	amount TEXT NOT NULL,
	bank_account TEXT NOT NULL,
	status TEXT NOT NULL,
	requested_by TEXT,
	requested_at TEXT NOT NULL,
	decided_at TEXT,
	decided_by TEXT,
	reason TEXT,
	payout_ref TEXT,
	paid_at TEXT,
	version BIGINT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_withdrawals_account_status
	ON withdrawals(account_id, status);

CREATE TABLE IF NOT EXISTS audit_log (
	seq {{SEQ}},
	id TEXT NOT NULL UNIQUE,
	actor TEXT,
	role TEXT,
	action TEXT NOT NULL,
	subject_type TEXT NOT NULL,
	subject_id TEXT NOT NULL,
	from_state TEXT,
	to_state TEXT,
	detail TEXT,
	at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_subject
	ON audit_log(subject_type, subject_id, seq);

CREATE TABLE IF NOT EXISTS room_locks (
	room_id TEXT PRIMARY KEY
);
`

// Migrate creates the schema. Statements are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	seq := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.dialect == Postgres {
		seq = "BIGSERIAL PRIMARY KEY"
	}
	ddl := strings.ReplaceAll(schema, "{{SEQ}}", seq)
	for _, stmt := range strings.Split(ddl, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx, dialect: s.dialect, inTx: true}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LockRoom serialises writers on room until the transaction ends.
func (c *conn) LockRoom(ctx context.Context, room core.RoomID) error {
	if !c.inTx || c.dialect != Postgres {
		return nil
	}
	if _, err := c.exec(ctx, `INSERT INTO room_locks (room_id) VALUES (?) ON CONFLICT (room_id) DO NOTHING`, string(room)); err != nil {
		return fmt.Errorf("lock room %s: %w", room, err)
	}
	var locked string
	if err := c.queryRow(ctx, `SELECT room_id FROM room_locks WHERE room_id = ? FOR UPDATE`, string(room)).Scan(&locked); err != nil {
		return fmt.Errorf("lock room %s: %w", room, err)
	}
	return nil
}

// LockAccount serialises writers on account until the transaction ends.
func (c *conn) LockAccount(ctx context.Context, account core.AccountID) error {
	if !c.inTx || c.dialect != Postgres {
		return nil
	}
	var locked string
	err := c.queryRow(ctx, `SELECT id FROM ledger_accounts WHERE id = ? FOR UPDATE`, string(account)).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{Entity: "account", ID: string(account)}
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", account, err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.rebind(query), args...)
}

func (c *conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.rebind(query), args...)
}

func (c *conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.rebind(query), args...)
}

// rebind rewrites ? placeholders as $1, $2, ... for Postgres.
func (c *conn) rebind(query string) string {
	if c.dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// updateVersioned runs a version-guarded UPDATE. Zero affected rows means
// either the row is gone or another writer bumped the version.
func (c *conn) updateVersioned(ctx context.Context, table, id, entity string, query string, args ...any) error {
	res, err := c.exec(ctx, query, args...)
	if err != nil {
		if isUniqueConstraintError(err) {
			return core.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = c.queryRow(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return &core.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", entity, err)
	}
	return core.ErrConcurrentModification
}

// placeholders returns "?, ?, ?" for n values.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func parseMoney(s string) (core.Money, error) {
	m, err := core.ParseMoney(s)
	if err != nil {
		return core.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return m, nil
}

// isUniqueConstraintError recognises unique violations from both drivers.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key")
}
