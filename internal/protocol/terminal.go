package protocol

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openpark/parkd/internal/fee"
	"github.com/openpark/parkd/internal/ledger"
	"github.com/openpark/parkd/internal/metrics"
	"github.com/openpark/parkd/internal/transport"
)

// Config holds the billing knobs the terminal runs with.
type Config struct {
	HourlyRate          int
	LowBalanceThreshold int
	ConfirmationTimeout time.Duration
	IdleTimeout         time.Duration
}

// Terminal processes identification events one at a time: look up the open
// session, price it, command a deduction, and settle the ledger once the
// device confirms. It holds no state between vehicles beyond the ledger
// itself; every event starts a fresh attempt.
type Terminal struct {
	cfg   Config
	calc  fee.Calculator
	store ledger.Store
	conn  transport.Conn
	mx    *metrics.Set

	now func() time.Time
}

// NewTerminal wires a terminal to its ledger, device channel, and metrics.
func NewTerminal(cfg Config, store ledger.Store, conn transport.Conn, mx *metrics.Set) *Terminal {
	return &Terminal{
		cfg:   cfg,
		calc:  fee.Calculator{HourlyRate: cfg.HourlyRate},
		store: store,
		conn:  conn,
		mx:    mx,
		now:   time.Now,
	}
}

// Run reads device messages until ctx is cancelled or the connection fails.
// Idle reads (nothing arrived within IdleTimeout) are not errors; the loop
// just polls again. A transport failure is returned so the caller can
// reconnect; any attempt in flight at that point is abandoned unsettled.
func (t *Terminal) Run(ctx context.Context) error {
	for {
		line, err := t.readIdle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if transport.IsTimeout(err) {
				continue
			}
			return fmt.Errorf("protocol: device read: %w", err)
		}

		msg, err := Parse(line)
		if err != nil {
			t.mx.MalformedMessages.Inc()
			log.Warn().Err(err).Str("line", line).Msg("dropping malformed device message")
			continue
		}

		switch m := msg.(type) {
		case Identification:
			if err := t.handleIdentification(ctx, m); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		case Confirmation:
			// No attempt in flight: counted and ignored. The device
			// echoes stray PAYMENT lines in normal operation, so this
			// stays out of the default log level.
			t.mx.UnexpectedMessages.Inc()
			log.Debug().Bool("success", m.Success).Str("reason", m.Reason).
				Msg("payment confirmation with no attempt in flight")
		}
	}
}

// readIdle reads the next line, bounded by the idle poll window when one is
// configured.
func (t *Terminal) readIdle(ctx context.Context) (string, error) {
	if t.cfg.IdleTimeout <= 0 {
		return t.conn.ReadLine(ctx)
	}
	tick, cancel := context.WithTimeout(ctx, t.cfg.IdleTimeout)
	defer cancel()
	return t.conn.ReadLine(tick)
}

// handleIdentification runs one full settlement attempt. It returns an
// error only when the device channel itself fails; every business outcome
// (no session, insufficient funds, timeout, declined payment, ledger
// trouble) is resolved in place so the next vehicle can be served.
func (t *Terminal) handleIdentification(ctx context.Context, ev Identification) error {
	logger := log.With().
		Str("attempt", uuid.NewString()).
		Str("plate", ev.Plate).
		Str("device", ev.DeviceID).
		Int("balance", ev.Balance).
		Logger()
	logger.Info().Msg("vehicle identified")

	if ev.Balance < t.cfg.LowBalanceThreshold {
		if err := t.warnLowBalance(ctx, ev.Balance, logger); err != nil {
			return err
		}
	}

	sess, err := t.store.FindLatestUnsettled(ctx, ev.Plate)
	if errors.Is(err, ledger.ErrNoOpenSession) {
		logger.Info().Msg("no open session; cancelling")
		return t.cancel(ctx, metrics.ReasonNoOpenSession)
	}
	if err != nil {
		// Ledger unreadable: this attempt cannot proceed, but the device
		// must not be left waiting for a command.
		logger.Error().Err(err).Msg("ledger lookup failed; cancelling")
		return t.cancel(ctx, metrics.ReasonLedgerError)
	}

	now := t.now()
	if now.Before(sess.EntryTime) {
		// Entry clock ahead of ours: billed at the one-hour minimum, but
		// worth noticing in the logs as a data-quality symptom.
		logger.Warn().Time("entry_time", sess.EntryTime).Time("now", now).
			Msg("session entry time is in the future")
	}
	due := t.calc.Assess(sess.EntryTime, now)
	logger.Info().
		Time("entry_time", sess.EntryTime).
		Int("hours", due.Hours).
		Int("amount_due", due.Amount).
		Msg("session priced")

	if ev.Balance < due.Amount {
		logger.Info().Msg("insufficient balance; cancelling")
		return t.cancel(ctx, metrics.ReasonInsufficientFunds)
	}

	if err := t.conn.WriteLine(ctx, DeductCommand(due.Amount)); err != nil {
		return err
	}

	conf, err := t.awaitConfirmation(ctx)
	if err != nil {
		if ctx.Err() != nil || !transport.IsTimeout(err) {
			return err
		}
		t.mx.ConfirmationTimeouts.Inc()
		logger.Error().Dur("timeout", t.cfg.ConfirmationTimeout).
			Msg("no payment confirmation; attempt abandoned, nothing settled")
		return nil
	}
	if !conf.Success {
		t.mx.PaymentFailures.Inc()
		logger.Warn().Str("reason", conf.Reason).Msg("device declined deduction; nothing settled")
		return nil
	}

	if err := t.store.Settle(ctx, ev.Plate, due.ExitTime, due.Amount); err != nil {
		if errors.Is(err, ledger.ErrNoOpenSession) {
			// The device took the money but the ledger has nothing to
			// settle. Not retried: a retry could deduct twice.
			t.mx.Inconsistencies.Inc()
			logger.Error().Msg("deduction confirmed but ledger has no open session")
			return nil
		}
		logger.Error().Err(err).Msg("settlement not recorded")
		return nil
	}

	t.mx.Settlements.Inc()
	t.mx.AmountsDue.Observe(float64(due.Amount))

	newBalance := ev.Balance - due.Amount
	logger.Info().Int("amount", due.Amount).Int("new_balance", newBalance).
		Msg("settlement complete")

	if newBalance < t.cfg.LowBalanceThreshold {
		return t.warnLowBalance(ctx, newBalance, logger)
	}
	return nil
}

// awaitConfirmation waits for the device's verdict on a DEDUCT, bounded by
// the configured confirmation timeout. Other well-formed messages arriving
// during the wait are out of state; they are surfaced and skipped.
func (t *Terminal) awaitConfirmation(ctx context.Context) (Confirmation, error) {
	wait, cancel := context.WithTimeout(ctx, t.cfg.ConfirmationTimeout)
	defer cancel()

	for {
		line, err := t.conn.ReadLine(wait)
		if err != nil {
			return Confirmation{}, err
		}
		msg, err := Parse(line)
		if err != nil {
			t.mx.MalformedMessages.Inc()
			log.Warn().Err(err).Str("line", line).Msg("dropping malformed device message")
			continue
		}
		conf, ok := msg.(Confirmation)
		if !ok {
			t.mx.UnexpectedMessages.Inc()
			log.Warn().Str("line", line).Msg("message ignored while awaiting payment confirmation")
			continue
		}
		return conf, nil
	}
}

func (t *Terminal) cancel(ctx context.Context, reason string) error {
	t.mx.Cancels.WithLabelValues(reason).Inc()
	return t.conn.WriteLine(ctx, CancelCommand)
}

func (t *Terminal) warnLowBalance(ctx context.Context, balance int, logger zerolog.Logger) error {
	t.mx.LowBalanceWarnings.Inc()
	logger.Warn().Int("balance", balance).Msg("low balance on device")
	return t.conn.WriteLine(ctx, LowBalanceCommand(balance))
}
