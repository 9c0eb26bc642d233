package pg

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpark/parkd/internal/ledger"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "postgres")), mock
}

func TestStore_FindLatestUnsettled(t *testing.T) {
	ctx := context.Background()
	entry := time.Date(2025, 6, 14, 8, 0, 0, 0, time.UTC)

	t.Run("open_session", func(t *testing.T) {
		store, mock := newMockStore(t)
		rows := sqlmock.NewRows([]string{"plate", "entry_time", "exit_time", "amount_due", "settled"}).
			AddRow("RAB123A", entry, nil, nil, false)
		mock.ExpectQuery(`SELECT plate, entry_time, exit_time, amount_due, settled`).
			WithArgs("RAB123A").
			WillReturnRows(rows)

		sess, err := store.FindLatestUnsettled(ctx, "RAB123A")
		require.NoError(t, err)
		assert.Equal(t, "RAB123A", sess.Plate)
		assert.Equal(t, entry, sess.EntryTime)
		assert.False(t, sess.Settled)
		assert.Zero(t, sess.AmountDue)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no_open_session", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT plate, entry_time, exit_time, amount_due, settled`).
			WithArgs("RAZ999Z").
			WillReturnError(sql.ErrNoRows)

		_, err := store.FindLatestUnsettled(ctx, "RAZ999Z")
		assert.ErrorIs(t, err, ledger.ErrNoOpenSession)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Settle(t *testing.T) {
	ctx := context.Background()
	exit := time.Date(2025, 6, 14, 11, 0, 0, 0, time.UTC)

	t.Run("settles_latest_row", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE parking_sessions`).
			WithArgs("RAB123A", exit, 600).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.Settle(ctx, "RAB123A", exit, 600))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing_to_settle", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectExec(`UPDATE parking_sessions`).
			WithArgs("RAB123A", exit, 600).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.Settle(ctx, "RAB123A", exit, 600)
		assert.ErrorIs(t, err, ledger.ErrNoOpenSession)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
