package remote

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("server closed")

// Handler is the interface for serving accepted connections.
type Handler interface {
	// Handle serves conn until the peer leaves or ctx is canceled.
	// The server accepts the next connection only after Handle returns.
	Handle(ctx context.Context, conn net.Conn)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, conn net.Conn)

// Handle calls f(ctx, conn).
func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) {
	f(ctx, conn)
}

// Server represents a TCP server that serves one connection at a time.
type Server struct {
	listener *net.TCPListener
	logger   Logger

	mu       sync.Mutex
	shutdown bool
	closed   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	s := &Server{
		listener: listener,
		logger:   slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve accepts connections and hands each one to handler, serially: while a
// connection is being handled no other connection is accepted, and when it
// ends the server goes back to accepting. It blocks until ctx is canceled
// (returning ctx.Err()), Close is called (returning ErrServerClosed), or
// accepting fails.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		<-child.Done()

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
		return nil
	})

	group.Go(func() error {
		return s.acceptLoop(child, handler)
	})

	err := group.Wait()
	s.logger.Info("server stopped", "addr", s.listener.Addr(), "reason", err)
	return err
}

func (s *Server) acceptLoop(ctx context.Context, handler Handler) error {
	for {
		s.logger.Info("server listening", "addr", s.listener.Addr())
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown, isClosed := s.shutdown, s.closed
			s.mu.Unlock()

			if isClosed {
				return ErrServerClosed
			}
			if isShutdown {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return ErrServerClosed
			}

			// Check if it's a temporary error
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return errors.Wrap(err, "accept")
		}

		s.logger.Info("new client connected", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		handler.Handle(ctx, conn)
		s.logger.Info("client session ended", "remote_addr", conn.RemoteAddr())

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Close stops the server by closing the underlying listener.
// Any blocked Accept call returns and Serve reports ErrServerClosed.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.closed = true
	s.mu.Unlock()

	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}
