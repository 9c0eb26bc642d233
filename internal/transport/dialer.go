package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Dialer establishes device connections with a circuit breaker over repeated
// dial failures and a rate limit pacing reconnect attempts, so a dead or
// flapping bridge does not get hammered in a tight loop.
type Dialer struct {
	addr        string
	settleDelay time.Duration
	breaker     *gobreaker.CircuitBreaker
	limiter     *rate.Limiter
}

// NewDialer builds a Dialer for the bridge at addr. settleDelay is waited
// after each successful dial before the connection is handed out; serial
// bridges reset the attached microcontroller on connect and it needs a
// moment before it starts talking.
func NewDialer(addr string, settleDelay time.Duration) *Dialer {
	st := gobreaker.Settings{Name: "device-dial"}
	st.Timeout = 30 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn().Str("breaker", name).
			Str("from", from.String()).Str("to", to.String()).
			Msg("dial breaker state change")
	}

	return &Dialer{
		addr:        addr,
		settleDelay: settleDelay,
		breaker:     gobreaker.NewCircuitBreaker(st),
		limiter:     rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Dial connects to the device bridge. It blocks on the reconnect pacer
// first, so callers can loop on it without their own backoff.
func (d *Dialer) Dial(ctx context.Context) (Conn, error) {
	if err := d.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	v, err := d.breaker.Execute(func() (any, error) {
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", d.addr)
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", d.addr, err)
	}
	conn := v.(net.Conn)

	if d.settleDelay > 0 {
		t := time.NewTimer(d.settleDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			conn.Close()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	log.Info().Str("addr", d.addr).Msg("device connected")
	return NewConn(conn), nil
}
