// Package transport carries newline-terminated text messages to and from
// the plate-and-balance reader device. Devices are usually reached through
// a ser2net-style TCP bridge in front of the serial port.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

// Conn is a line-oriented device channel. ReadLine honors the deadline and
// cancellation of its context; an expired context surfaces as an error for
// which IsTimeout reports true.
type Conn interface {
	ReadLine(ctx context.Context) (string, error)
	WriteLine(ctx context.Context, line string) error
	Close() error
}

// IsTimeout reports whether err is a read deadline expiring rather than the
// connection failing. Callers use it to tell "nothing arrived this tick"
// from a dead channel.
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)
}

type lineConn struct {
	// wmu serializes writers; reads are single-threaded by the protocol.
	wmu sync.Mutex

	conn net.Conn
	r    *bufio.Reader

	// pending holds the prefix of a line whose read deadline expired
	// mid-delivery; the next read resumes the same line.
	pending []byte
}

// NewConn wraps a stream connection as a line-oriented Conn.
func NewConn(c net.Conn) Conn {
	return &lineConn{conn: c, r: bufio.NewReader(c)}
}

func (l *lineConn) ReadLine(ctx context.Context) (string, error) {
	if d, ok := ctx.Deadline(); ok {
		l.conn.SetReadDeadline(d)
	} else {
		l.conn.SetReadDeadline(time.Time{})
	}

	// Unblock the read if the context is cancelled outright.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	line, err := l.r.ReadString('\n')
	if err != nil {
		// ReadString hands back whatever arrived before the error; a
		// timed-out read must not lose those bytes.
		if line != "" {
			l.pending = append(l.pending, line...)
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("transport: read: %w", ctx.Err())
		}
		return "", fmt.Errorf("transport: read: %w", err)
	}
	if len(l.pending) > 0 {
		line = string(l.pending) + line
		l.pending = l.pending[:0]
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (l *lineConn) WriteLine(ctx context.Context, line string) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		l.conn.SetWriteDeadline(d)
	} else {
		l.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := l.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("transport: write %q: %w", line, err)
	}
	return nil
}

func (l *lineConn) Close() error { return l.conn.Close() }

// Pipe returns two connected in-memory Conns, for tests and the device
// simulator.
func Pipe() (Conn, Conn) {
	a, b := net.Pipe()
	return NewConn(a), NewConn(b)
}
