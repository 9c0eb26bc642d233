// Package metrics defines the Prometheus collectors for the settlement
// terminal.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Cancel reasons, used as the label on the cancels counter.
const (
	ReasonNoOpenSession     = "no_open_session"
	ReasonInsufficientFunds = "insufficient_funds"
	ReasonLedgerError       = "ledger_error"
)

// Set holds every collector the terminal reports to.
type Set struct {
	Settlements          prometheus.Counter
	Cancels              *prometheus.CounterVec
	LowBalanceWarnings   prometheus.Counter
	ConfirmationTimeouts prometheus.Counter
	PaymentFailures      prometheus.Counter
	Inconsistencies      prometheus.Counter
	MalformedMessages    prometheus.Counter
	UnexpectedMessages   prometheus.Counter
	AmountsDue           prometheus.Histogram
}

// New builds the collector set and registers it with reg.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		Settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_settlements_total",
			Help: "Completed settlements recorded in the ledger",
		}),
		Cancels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "parkd_cancels_total",
			Help: "Transactions cancelled before any deduction, by reason",
		}, []string{"reason"}),
		LowBalanceWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_low_balance_warnings_total",
			Help: "LOW_BALANCE warnings sent to the device",
		}),
		ConfirmationTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_confirmation_timeouts_total",
			Help: "Deductions abandoned waiting for a payment confirmation",
		}),
		PaymentFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_payment_failures_total",
			Help: "Deductions the device reported as failed",
		}),
		Inconsistencies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_settlement_inconsistencies_total",
			Help: "Confirmed deductions with no matching ledger session",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_malformed_messages_total",
			Help: "Device lines that failed to parse",
		}),
		UnexpectedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "parkd_unexpected_messages_total",
			Help: "Well-formed messages arriving outside their expected state",
		}),
		AmountsDue: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parkd_amount_due",
			Help:    "Amounts charged per settlement, in currency units",
			Buckets: prometheus.ExponentialBuckets(200, 2, 8),
		}),
	}

	reg.MustRegister(
		s.Settlements,
		s.Cancels,
		s.LowBalanceWarnings,
		s.ConfirmationTimeouts,
		s.PaymentFailures,
		s.Inconsistencies,
		s.MalformedMessages,
		s.UnexpectedMessages,
		s.AmountsDue,
	)
	return s
}
