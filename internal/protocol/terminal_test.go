package protocol

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openpark/parkd/internal/ledger"
	"github.com/openpark/parkd/internal/metrics"
)

// scriptConn feeds a scripted sequence of inbound lines and records every
// outbound command.
type scriptConn struct {
	mu       sync.Mutex
	inbound  chan string
	outbound []string
}

func newScriptConn(lines ...string) *scriptConn {
	c := &scriptConn{inbound: make(chan string, len(lines)+8)}
	for _, l := range lines {
		c.inbound <- l
	}
	return c
}

func (c *scriptConn) ReadLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case line := <-c.inbound:
		return line, nil
	}
}

func (c *scriptConn) WriteLine(_ context.Context, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outbound = append(c.outbound, line)
	return nil
}

func (c *scriptConn) Close() error { return nil }

func (c *scriptConn) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.outbound...)
}

type settleCall struct {
	plate  string
	exit   time.Time
	amount int
}

// stubStore serves canned sessions and records settlements.
type stubStore struct {
	sessions  map[string]ledger.Session
	findErr   error
	settleErr error
	settled   []settleCall
}

func (s *stubStore) FindLatestUnsettled(_ context.Context, plate string) (ledger.Session, error) {
	if s.findErr != nil {
		return ledger.Session{}, s.findErr
	}
	sess, ok := s.sessions[plate]
	if !ok {
		return ledger.Session{}, ledger.ErrNoOpenSession
	}
	return sess, nil
}

func (s *stubStore) Settle(_ context.Context, plate string, exit time.Time, amount int) error {
	if s.settleErr != nil {
		return s.settleErr
	}
	s.settled = append(s.settled, settleCall{plate: plate, exit: exit, amount: amount})
	return nil
}

func (s *stubStore) Close() error { return nil }

var testNow = time.Date(2025, 6, 14, 12, 0, 0, 0, time.UTC)

func newTestTerminal(store ledger.Store, conn *scriptConn) (*Terminal, *metrics.Set) {
	mx := metrics.New(prometheus.NewRegistry())
	term := NewTerminal(Config{
		HourlyRate:          200,
		LowBalanceThreshold: 200,
		ConfirmationTimeout: 250 * time.Millisecond,
	}, store, conn, mx)
	term.now = func() time.Time { return testNow }
	return term, mx
}

func openSession(entry time.Time) map[string]ledger.Session {
	return map[string]ledger.Session{
		"RAB123A": {Plate: "RAB123A", EntryTime: entry},
	}
}

func TestTerminal_HappyPath(t *testing.T) {
	store := &stubStore{sessions: openSession(testNow.Add(-65 * time.Minute))}
	conn := newScriptConn("PAYMENT:SUCCESS")
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	// 1h05m at 200/h rounds up to two hours.
	assert.Equal(t, []string{"DEDUCT:400"}, conn.sent())
	require.Len(t, store.settled, 1)
	assert.Equal(t, settleCall{plate: "RAB123A", exit: testNow, amount: 400}, store.settled[0])

	assert.Equal(t, 1.0, testutil.ToFloat64(mx.Settlements))
	// New balance 600 is above threshold: no warning.
	assert.Equal(t, 0.0, testutil.ToFloat64(mx.LowBalanceWarnings))
}

func TestTerminal_InsufficientFunds(t *testing.T) {
	store := &stubStore{sessions: openSession(testNow.Add(-30 * time.Minute))}
	conn := newScriptConn()
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 150, DeviceID: "04A1"})
	require.NoError(t, err)

	// Balance 150 is under the 200 threshold, so the warning precedes the
	// lookup; fee 200 exceeds the balance, so the attempt cancels with no
	// deduction and no settlement.
	assert.Equal(t, []string{"LOW_BALANCE:150", "CANCEL"}, conn.sent())
	assert.Empty(t, store.settled)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.Cancels.WithLabelValues(metrics.ReasonInsufficientFunds)))
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.LowBalanceWarnings))
}

func TestTerminal_NoOpenSession(t *testing.T) {
	store := &stubStore{sessions: map[string]ledger.Session{}}
	conn := newScriptConn()
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAZ999Z", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"CANCEL"}, conn.sent())
	assert.Empty(t, store.settled)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.Cancels.WithLabelValues(metrics.ReasonNoOpenSession)))
}

func TestTerminal_ExactBalanceDrainsToLowWarning(t *testing.T) {
	store := &stubStore{sessions: openSession(testNow.Add(-30 * time.Minute))}
	conn := newScriptConn("PAYMENT:SUCCESS")
	term, _ := newTestTerminal(store, conn)

	// Balance equals both the threshold (no upfront warning: the check is
	// strictly below) and the fee (deduction allowed).
	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 200, DeviceID: "04A1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"DEDUCT:200", "LOW_BALANCE:0"}, conn.sent())
	require.Len(t, store.settled, 1)
}

func TestTerminal_ConfirmationTimeout(t *testing.T) {
	store := &stubStore{sessions: openSession(testNow.Add(-30 * time.Minute))}
	conn := newScriptConn() // device never answers
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"DEDUCT:200"}, conn.sent())
	assert.Empty(t, store.settled, "a timed-out attempt must not settle")
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.ConfirmationTimeouts))
}

func TestTerminal_PaymentDeclined(t *testing.T) {
	store := &stubStore{sessions: openSession(testNow.Add(-30 * time.Minute))}
	conn := newScriptConn("PAYMENT:CARD_REMOVED")
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	assert.Empty(t, store.settled, "device is the source of truth: declined means nothing settled")
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.PaymentFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(mx.Settlements))
}

func TestTerminal_SettlementInconsistency(t *testing.T) {
	store := &stubStore{
		sessions:  openSession(testNow.Add(-30 * time.Minute)),
		settleErr: ledger.ErrNoOpenSession,
	}
	conn := newScriptConn("PAYMENT:SUCCESS")
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(mx.Inconsistencies))
	assert.Equal(t, 0.0, testutil.ToFloat64(mx.Settlements))
}

func TestTerminal_LedgerLookupFailure(t *testing.T) {
	store := &stubStore{findErr: assert.AnError}
	conn := newScriptConn()
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	// The device must not be left waiting for a command.
	assert.Equal(t, []string{"CANCEL"}, conn.sent())
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.Cancels.WithLabelValues(metrics.ReasonLedgerError)))
}

func TestTerminal_FutureEntryTimeBillsMinimum(t *testing.T) {
	store := &stubStore{sessions: openSession(testNow.Add(10 * time.Minute))}
	conn := newScriptConn("PAYMENT:SUCCESS")
	term, _ := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	assert.Equal(t, []string{"DEDUCT:200"}, conn.sent())
	require.Len(t, store.settled, 1)
	assert.Equal(t, 200, store.settled[0].amount)
}

func TestTerminal_IdentificationDuringWaitIsIgnored(t *testing.T) {
	store := &stubStore{sessions: openSession(testNow.Add(-30 * time.Minute))}
	conn := newScriptConn("CARD_DATA:RAC456B,500,04B2", "PAYMENT:SUCCESS")
	term, mx := newTestTerminal(store, conn)

	err := term.handleIdentification(context.Background(),
		Identification{Plate: "RAB123A", Balance: 1000, DeviceID: "04A1"})
	require.NoError(t, err)

	// The stray identification is surfaced but the in-flight attempt wins.
	require.Len(t, store.settled, 1)
	assert.Equal(t, "RAB123A", store.settled[0].plate)
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.UnexpectedMessages))
}

func TestTerminal_StrayConfirmationLoggedAtDebug(t *testing.T) {
	var buf bytes.Buffer
	origLogger := log.Logger
	origLevel := zerolog.GlobalLevel()
	log.Logger = zerolog.New(&buf)
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		log.Logger = origLogger
		zerolog.SetGlobalLevel(origLevel)
	})

	store := &stubStore{sessions: map[string]ledger.Session{}}
	conn := newScriptConn("PAYMENT:SUCCESS")
	term, mx := newTestTerminal(store, conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- term.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(mx.UnexpectedMessages) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	// Stray PAYMENT lines are routine device chatter: counted, but kept
	// below the default log level.
	logged := buf.String()
	assert.Contains(t, logged, "no attempt in flight")
	assert.Contains(t, logged, `"level":"debug"`)
	assert.NotContains(t, logged, `"level":"warn"`)
}

func TestTerminal_RunSurfacesStrayMessages(t *testing.T) {
	store := &stubStore{sessions: map[string]ledger.Session{}}
	conn := newScriptConn("garbage line", "PAYMENT:SUCCESS")
	term, mx := newTestTerminal(store, conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- term.Run(ctx) }()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(mx.MalformedMessages) == 1 &&
			testutil.ToFloat64(mx.UnexpectedMessages) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
