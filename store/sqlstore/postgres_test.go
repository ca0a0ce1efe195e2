package sqlstore

import (
	"context"
	"database/sql"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/kos-engine/core"
)

func newMock(t *testing.T, dialect Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db, dialect), mock
}

func TestRebind(t *testing.T) {
	pg := &conn{dialect: Postgres}
	lite := &conn{dialect: SQLite}
	q := `SELECT id FROM bookings WHERE room_id = ? AND status IN (?, ?)`

	assert.Equal(t, `SELECT id FROM bookings WHERE room_id = $1 AND status IN ($2, $3)`, pg.rebind(q))
	assert.Equal(t, q, lite.rebind(q))
	assert.Equal(t, "?, ?, ?", placeholders(3))
}

func TestPostgres_LockRoomTakesRowLock(t *testing.T) {
	// GIVEN: A Postgres store
	store, mock := newMock(t, Postgres)

	// THEN: Locking a room upserts its lock row and selects it FOR UPDATE
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO room_locks (room_id) VALUES ($1) ON CONFLICT (room_id) DO NOTHING`)).
		WithArgs("room-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT room_id FROM room_locks WHERE room_id = $1 FOR UPDATE`)).
		WithArgs("room-1").
		WillReturnRows(sqlmock.NewRows([]string{"room_id"}).AddRow("room-1"))
	mock.ExpectCommit()

	// WHEN: A transaction locks the room
	err := store.WithTx(context.Background(), func(s core.Store) error {
		return s.LockRoom(context.Background(), "room-1")
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteDialect_LockRoomIsNoop(t *testing.T) {
	store, mock := newMock(t, SQLite)
	mock.ExpectBegin()
	mock.ExpectCommit()

	err := store.WithTx(context.Background(), func(s core.Store) error {
		if err := s.LockRoom(context.Background(), "room-1"); err != nil {
			return err
		}
		return s.LockAccount(context.Background(), "acc-1")
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LockAccountMissing(t *testing.T) {
	store, mock := newMock(t, Postgres)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id FROM ledger_accounts WHERE id = $1 FOR UPDATE`)).
		WithArgs("acc-404").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := store.WithTx(context.Background(), func(s core.Store) error {
		return s.LockAccount(context.Background(), "acc-404")
	})

	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_VersionedUpdate(t *testing.T) {
	p := core.Payment{ID: "pay-1", Status: core.PaymentSettled, Version: 3, UpdatedAt: time.Now()}

	t.Run("stale version", func(t *testing.T) {
		store, mock := newMock(t, Postgres)
		mock.ExpectExec(`UPDATE payments SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM payments WHERE id = $1`)).
			WithArgs("pay-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(1))

		stale := p
		err := store.UpdatePayment(context.Background(), &stale)

		assert.ErrorIs(t, err, core.ErrConcurrentModification)
		assert.Equal(t, int64(3), stale.Version, "version is unchanged on failure")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		store, mock := newMock(t, Postgres)
		mock.ExpectExec(`UPDATE payments SET`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT 1 FROM payments WHERE id = $1`)).
			WithArgs("pay-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}))

		missing := p
		assert.ErrorIs(t, store.UpdatePayment(context.Background(), &missing), core.ErrNotFound)
	})

	t.Run("applied", func(t *testing.T) {
		store, mock := newMock(t, Postgres)
		mock.ExpectExec(`UPDATE payments SET`).WillReturnResult(sqlmock.NewResult(0, 1))

		fresh := p
		require.NoError(t, store.UpdatePayment(context.Background(), &fresh))
		assert.Equal(t, int64(4), fresh.Version)
	})
}

func TestPostgres_UniqueViolationIsDuplicate(t *testing.T) {
	store, mock := newMock(t, Postgres)
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.AppendEntry(context.Background(), core.LedgerEntry{
		ID: "ent-1", AccountID: "acc-1", Amount: core.NewMoney(10),
		SourceType: core.SourcePayment, SourceID: "pay-1", PostedAt: time.Now(),
	})

	assert.ErrorIs(t, err, core.ErrDuplicateIdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CommitUniqueViolationIsDuplicate(t *testing.T) {
	store, mock := newMock(t, Postgres)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.WithTx(context.Background(), func(core.Store) error { return nil })

	assert.ErrorIs(t, err, core.ErrDuplicateIdempotencyKey)
}

func TestPostgres_MigrateUsesBigserial(t *testing.T) {
	var executed []string
	matcher := sqlmock.QueryMatcherFunc(func(_, actual string) error {
		executed = append(executed, actual)
		return nil
	})
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(matcher))
	require.NoError(t, err)
	defer db.Close()
	store := NewWithDB(db, Postgres)

	statements := 0
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) != "" {
			statements++
			mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 0))
		}
	}

	require.NoError(t, store.Migrate(context.Background()))
	require.Len(t, executed, statements)

	all := strings.Join(executed, "\n")
	assert.NotContains(t, all, "{{SEQ}}")
	assert.Contains(t, all, "seq BIGSERIAL PRIMARY KEY")
	assert.NotContains(t, all, "AUTOINCREMENT")
}

func TestIsUniqueConstraintError(t *testing.T) {
	assert.True(t, isUniqueConstraintError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueConstraintError(&pgconn.PgError{Code: "23503"}), "foreign key violations are not duplicates")
	assert.False(t, isUniqueConstraintError(sql.ErrNoRows))
	assert.False(t, isUniqueConstraintError(nil))
}
