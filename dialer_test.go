package remote

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestNewDialer_Defaults(t *testing.T) {
	d := NewDialer("127.0.0.1:9098")

	if d.Addr() != "127.0.0.1:9098" {
		t.Errorf("Addr = %q", d.Addr())
	}
	if d.initialBackoff != DefaultInitialBackoff {
		t.Errorf("initialBackoff = %v, want %v", d.initialBackoff, DefaultInitialBackoff)
	}
	if d.maxBackoff != DefaultMaxBackoff {
		t.Errorf("maxBackoff = %v, want %v", d.maxBackoff, DefaultMaxBackoff)
	}
	if d.maxAttempts != 0 {
		t.Errorf("maxAttempts = %d, want 0", d.maxAttempts)
	}
	if d.dialTimeout != defaultDialTimeout {
		t.Errorf("dialTimeout = %v, want %v", d.dialTimeout, defaultDialTimeout)
	}
}

func TestNewDialer_Options(t *testing.T) {
	d := NewDialer("x:1",
		BackoffOption(time.Second, time.Minute),
		MaxAttemptsOption(3),
		DialTimeoutOption(2*time.Second),
		DialerLoggerOption(NopLogger()),
		SessionOptions(ChunkSizeOption(64)),
	)

	if d.initialBackoff != time.Second || d.maxBackoff != time.Minute {
		t.Errorf("backoff = %v..%v", d.initialBackoff, d.maxBackoff)
	}
	if d.maxAttempts != 3 {
		t.Errorf("maxAttempts = %d", d.maxAttempts)
	}
	if d.dialTimeout != 2*time.Second {
		t.Errorf("dialTimeout = %v", d.dialTimeout)
	}
	if len(d.sessionOpts) != 1 {
		t.Errorf("sessionOpts = %d, want 1", len(d.sessionOpts))
	}
}

// unusedAddr returns an address nothing listens on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestDialer_MaxAttempts(t *testing.T) {
	d := NewDialer(unusedAddr(t),
		BackoffOption(time.Millisecond, 2*time.Millisecond),
		MaxAttemptsOption(3),
		DialerLoggerOption(NopLogger()),
	)

	_, err := d.Dial(context.Background())
	if !errors.Is(err, ErrDialAttemptsExhausted) {
		t.Fatalf("expected ErrDialAttemptsExhausted, got %v", err)
	}
}

func TestDialer_ContextCanceled(t *testing.T) {
	d := NewDialer(unusedAddr(t),
		BackoffOption(10*time.Millisecond, 20*time.Millisecond),
		DialerLoggerOption(NopLogger()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := d.Dial(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestDialer_WaitsForLateAgent(t *testing.T) {
	addr := unusedAddr(t)
	d := NewDialer(addr,
		BackoffOption(10*time.Millisecond, 50*time.Millisecond),
		DialerLoggerOption(NopLogger()),
	)

	accepted := make(chan net.Conn, 1)
	go func() {
		time.Sleep(150 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return
		}
		defer l.Close()
		conn, err := l.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := d.Connect(ctx)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer s.Close()

	select {
	case conn := <-accepted:
		conn.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("agent never saw the connection")
	}
}
