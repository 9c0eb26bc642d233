package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// FileStore is a Store backed by a CSV table: a header row followed by one
// record per session, fields [plate, entry_time, exit_time, due_amount,
// payment_status]. The whole table is loaded into memory at open; every
// settlement rewrites the complete image to a temp file and renames it over
// the original, so a crash at any point leaves either the old image or the
// new one on disk, never a mix.
type FileStore struct {
	mu       sync.Mutex
	path     string
	header   []string
	sessions []Session

	// rename is swapped out in tests to inject a failure at the commit
	// point of the atomic replace.
	rename func(oldpath, newpath string) error
}

// OpenFile loads the ledger table at path. The file must already exist:
// it is created and appended to by the entry-side logger, never by the
// payment terminal.
func OpenFile(path string) (*FileStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("ledger: %s has no header row", path)
	}

	s := &FileStore{
		path:   path,
		header: rows[0],
		rename: os.Rename,
	}
	for i, row := range rows[1:] {
		sess, err := decodeRow(row)
		if err != nil {
			return nil, fmt.Errorf("ledger: %s row %d: %w", path, i+2, err)
		}
		s.sessions = append(s.sessions, sess)
	}

	log.Info().Str("path", path).Int("sessions", len(s.sessions)).Msg("ledger loaded")
	return s, nil
}

// FindLatestUnsettled implements Store.
func (s *FileStore) FindLatestUnsettled(_ context.Context, plate string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.latestUnsettledLocked(plate)
	if idx < 0 {
		return Session{}, ErrNoOpenSession
	}
	return s.sessions[idx], nil
}

// Settle implements Store. The in-memory image is replaced only after the
// on-disk replace succeeds, so a persistence failure never leaves the store
// claiming a settlement it did not record.
func (s *FileStore) Settle(_ context.Context, plate string, exitTime time.Time, amountDue int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.latestUnsettledLocked(plate)
	if idx < 0 {
		return ErrNoOpenSession
	}

	next := make([]Session, len(s.sessions))
	copy(next, s.sessions)
	next[idx].ExitTime = exitTime
	next[idx].AmountDue = amountDue
	next[idx].Settled = true

	if err := s.persistLocked(next); err != nil {
		return fmt.Errorf("ledger: persist settlement for %s: %w", plate, err)
	}
	s.sessions = next
	return nil
}

func (s *FileStore) Close() error { return nil }

// latestUnsettledLocked returns the index of the last unsettled session for
// plate in append order, or -1.
func (s *FileStore) latestUnsettledLocked(plate string) int {
	for i := len(s.sessions) - 1; i >= 0; i-- {
		if s.sessions[i].Plate == plate && !s.sessions[i].Settled {
			return i
		}
	}
	return -1
}

// persistLocked writes the full table to a sibling temp file, fsyncs it, and
// renames it over the live path.
func (s *FileStore) persistLocked(sessions []Session) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp image: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(s.header); err != nil {
		f.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, sess := range sessions {
		if err := w.Write(encodeRow(sess)); err != nil {
			f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp image: %w", err)
	}

	if err := s.rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace image: %w", err)
	}
	return syncDir(filepath.Dir(s.path))
}

// syncDir flushes the directory entry so the rename survives power loss.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		// Some platforms cannot open directories for syncing.
		return nil
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync ledger dir: %w", err)
	}
	return nil
}

func decodeRow(row []string) (Session, error) {
	if len(row) < 5 {
		return Session{}, fmt.Errorf("want 5 fields, got %d", len(row))
	}

	sess := Session{Plate: row[0]}

	entry, err := time.ParseInLocation(TimeLayout, row[1], time.Local)
	if err != nil {
		return Session{}, fmt.Errorf("entry time: %w", err)
	}
	sess.EntryTime = entry

	if row[2] != "" {
		exit, err := time.ParseInLocation(TimeLayout, row[2], time.Local)
		if err != nil {
			return Session{}, fmt.Errorf("exit time: %w", err)
		}
		sess.ExitTime = exit
	}
	if row[3] != "" {
		due, err := strconv.Atoi(row[3])
		if err != nil {
			return Session{}, fmt.Errorf("due amount: %w", err)
		}
		sess.AmountDue = due
	}

	switch row[4] {
	case "0":
	case "1":
		sess.Settled = true
	default:
		return Session{}, fmt.Errorf("payment status: want 0 or 1, got %q", row[4])
	}
	return sess, nil
}

func encodeRow(sess Session) []string {
	exit, due := "", ""
	if sess.Settled {
		exit = sess.ExitTime.Format(TimeLayout)
		due = strconv.Itoa(sess.AmountDue)
	}
	paid := "0"
	if sess.Settled {
		paid = "1"
	}
	return []string{sess.Plate, sess.EntryTime.Format(TimeLayout), exit, due, paid}
}
