package remote

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Default reconnect policy.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
	defaultDialTimeout    = 5 * time.Second
)

// ErrDialAttemptsExhausted is returned when MaxAttemptsOption is set and no
// attempt succeeded.
var ErrDialAttemptsExhausted = errors.New("dial attempts exhausted")

// Dialer connects to an agent, retrying with bounded exponential backoff
// until it succeeds, the context is canceled, or the attempt limit is reached.
type Dialer struct {
	addr           string
	initialBackoff time.Duration
	maxBackoff     time.Duration
	maxAttempts    int
	dialTimeout    time.Duration
	logger         Logger
	sessionOpts    []Option
}

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// BackoffOption sets the first retry delay and the ceiling it doubles up to.
func BackoffOption(initial, ceiling time.Duration) DialerOption {
	return func(d *Dialer) {
		d.initialBackoff = initial
		d.maxBackoff = ceiling
	}
}

// MaxAttemptsOption bounds the number of dial attempts. Zero means unbounded.
func MaxAttemptsOption(n int) DialerOption {
	return func(d *Dialer) {
		d.maxAttempts = n
	}
}

// DialTimeoutOption sets the timeout of a single dial attempt.
func DialTimeoutOption(timeout time.Duration) DialerOption {
	return func(d *Dialer) {
		d.dialTimeout = timeout
	}
}

// DialerLoggerOption sets the logger for the dialer.
func DialerLoggerOption(logger Logger) DialerOption {
	return func(d *Dialer) {
		d.logger = logger
	}
}

// SessionOptions sets the options applied to every session the dialer creates.
func SessionOptions(opts ...Option) DialerOption {
	return func(d *Dialer) {
		d.sessionOpts = append(d.sessionOpts, opts...)
	}
}

// NewDialer returns a Dialer for addr.
func NewDialer(addr string, opts ...DialerOption) *Dialer {
	d := &Dialer{
		addr:   addr,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.initialBackoff <= 0 {
		d.initialBackoff = DefaultInitialBackoff
	}
	if d.maxBackoff < d.initialBackoff {
		d.maxBackoff = max(d.initialBackoff, DefaultMaxBackoff)
	}
	if d.dialTimeout <= 0 {
		d.dialTimeout = defaultDialTimeout
	}
	if d.maxAttempts < 0 {
		d.maxAttempts = 0
	}
	return d
}

// Addr returns the address the dialer connects to.
func (d *Dialer) Addr() string {
	return d.addr
}

// Dial blocks until a connection is established.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	d.logger.Info("connecting to agent", "addr", d.addr)

	var dialer net.Dialer
	backoff := d.initialBackoff
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		conn, err := dialer.DialContext(attemptCtx, "tcp", d.addr)
		cancel()
		if err == nil {
			d.logger.Info("connected", "addr", d.addr, "attempt", attempt)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "dial canceled")
		}
		if d.maxAttempts > 0 && attempt >= d.maxAttempts {
			return nil, errors.Wrapf(ErrDialAttemptsExhausted, "%d attempts to %s, last error: %v", attempt, d.addr, err)
		}

		d.logger.Debug("agent not reachable, retrying", "addr", d.addr, "attempt", attempt, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "dial canceled")
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, d.maxBackoff)
	}
}

// Connect dials and wraps the connection in a Session.
func (d *Dialer) Connect(ctx context.Context) (*Session, error) {
	conn, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	s, err := NewSession(conn, d.sessionOpts...)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}
