// Package pg backs the ledger with Postgres, for sites where the entry-side
// logger writes sessions to a shared database instead of a CSV file.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/openpark/parkd/internal/ledger"
)

// Store implements ledger.Store on a parking_sessions table. The serial id
// column carries the append order the ledger contract keys recency off;
// entry timestamps are never compared.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database at dsn and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open postgres: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping postgres: %w", err)
	}

	log.Info().Msg("ledger connected to postgres")
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection, mainly for tests.
func NewWithDB(db *sqlx.DB) *Store { return &Store{db: db} }

type sessionRow struct {
	Plate     string        `db:"plate"`
	EntryTime time.Time     `db:"entry_time"`
	ExitTime  sql.NullTime  `db:"exit_time"`
	AmountDue sql.NullInt64 `db:"amount_due"`
	Settled   bool          `db:"settled"`
}

const findLatestQuery = `
	SELECT plate, entry_time, exit_time, amount_due, settled
	FROM parking_sessions
	WHERE plate = $1 AND NOT settled
	ORDER BY id DESC
	LIMIT 1`

// FindLatestUnsettled implements ledger.Store.
func (s *Store) FindLatestUnsettled(ctx context.Context, plate string) (ledger.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, findLatestQuery, plate)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Session{}, ledger.ErrNoOpenSession
	}
	if err != nil {
		return ledger.Session{}, fmt.Errorf("ledger: query open session for %s: %w", plate, err)
	}

	sess := ledger.Session{
		Plate:     row.Plate,
		EntryTime: row.EntryTime,
		Settled:   row.Settled,
	}
	if row.ExitTime.Valid {
		sess.ExitTime = row.ExitTime.Time
	}
	if row.AmountDue.Valid {
		sess.AmountDue = int(row.AmountDue.Int64)
	}
	return sess, nil
}

const settleQuery = `
	UPDATE parking_sessions
	SET exit_time = $2, amount_due = $3, settled = TRUE
	WHERE id = (
		SELECT id FROM parking_sessions
		WHERE plate = $1 AND NOT settled
		ORDER BY id DESC
		LIMIT 1
	)`

// Settle implements ledger.Store. The update targets the max-id unsettled
// row in a single statement, so it is atomic and can never flip a row that
// another call already settled.
func (s *Store) Settle(ctx context.Context, plate string, exitTime time.Time, amountDue int) error {
	res, err := s.db.ExecContext(ctx, settleQuery, plate, exitTime, amountDue)
	if err != nil {
		return fmt.Errorf("ledger: settle %s: %w", plate, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ledger: settle %s: rows affected: %w", plate, err)
	}
	if n == 0 {
		return ledger.ErrNoOpenSession
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }
