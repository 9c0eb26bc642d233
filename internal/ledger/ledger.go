// Package ledger is the authoritative record of parking sessions: one row
// per stay, created by the entry-side logger and settled exactly once by
// the payment terminal.
package ledger

import (
	"context"
	"errors"
	"time"
)

// TimeLayout is the timestamp encoding used by the persisted ledger.
const TimeLayout = "2006-01-02 15:04:05"

// Session is one parking stay. ExitTime and AmountDue stay zero until the
// session is settled; Settled flips false to true exactly once.
type Session struct {
	Plate     string
	EntryTime time.Time
	ExitTime  time.Time
	AmountDue int
	Settled   bool
}

// ErrNoOpenSession reports that a plate has no unsettled session on record.
var ErrNoOpenSession = errors.New("ledger: no open session for plate")

// Store is the settlement-side view of the ledger. Sessions are created
// elsewhere; the store only ever reads them and marks them settled.
//
// "Latest" follows append order, not entry timestamps: simultaneous entries
// are possible and the persisted order is the source of truth for recency.
type Store interface {
	// FindLatestUnsettled returns the most recently appended unsettled
	// session for plate, or ErrNoOpenSession.
	FindLatestUnsettled(ctx context.Context, plate string) (Session, error)

	// Settle writes exitTime and amountDue to the latest unsettled session
	// for plate and marks it settled, all in one atomic step. It returns
	// ErrNoOpenSession if no such session exists; it never settles an
	// already-settled row.
	Settle(ctx context.Context, plate string, exitTime time.Time, amountDue int) error

	Close() error
}
