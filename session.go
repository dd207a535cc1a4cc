// Package remote implements a small remote-command protocol over a persistent
// stream connection. Every exchange is either a length-prefixed text message
// or a file transfer carrying its size and name in fixed-width headers.
// A controller sends commands; an agent replies with text, or with one of the
// sentinel replies followed immediately by a file.
package remote

import (
	"bufio"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Reply sentinels. A message whose body equals one of these obliges the
// sender to transmit exactly one file next, and the receiver to consume it.
const (
	SentinelSend       = "send"
	SentinelScreenshot = "screenshot"
)

// ProtocolVersion is the version handler modules are checked against.
const ProtocolVersion = "1.0.0"

// ErrConnectionClosed is returned when operating on a closed session.
var ErrConnectionClosed = errors.New("connection closed")

// ErrInvalidConn is returned when a session is created without a connection.
var ErrInvalidConn = errors.New("invalid connection")

// IsFileSentinel reports whether a reply body announces a file transfer.
func IsFileSentinel(body string) bool {
	return body == SentinelSend || body == SentinelScreenshot
}

// Reply is the outcome of a request: either terminal text, or a sentinel
// together with the path of the file that followed it.
type Reply struct {
	Text string
	File string
}

// Session owns one stream connection and exposes the framing operations on it.
// A Session is used by one goroutine at a time; Close may be called from any.
type Session struct {
	rawConn net.Conn
	reader  *bufio.Reader
	logger  Logger

	opts options

	closed atomic.Bool
}

// Default configuration values.
const (
	// defaultReadBufferSize is the size of the buffered reader over the connection.
	defaultReadBufferSize = 4 * ChunkSize
	// defaultDownloadDir is where sentinel folders are created.
	defaultDownloadDir = "."
)

// NewSession wraps conn in a Session configured by opt.
func NewSession(conn net.Conn, opt ...Option) (*Session, error) {
	if conn == nil {
		return nil, ErrInvalidConn
	}

	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)

	return &Session{
		rawConn: conn,
		reader:  bufio.NewReaderSize(conn, defaultReadBufferSize),
		logger:  opts.logger,
		opts:    opts,
	}, nil
}

// checkOptions sets default values for session options.
func checkOptions(opts *options) {
	if opts.chunkSize <= 0 {
		opts.chunkSize = ChunkSize
	}

	if opts.maxMessageLength <= 0 || opts.maxMessageLength > MaxBodyLength {
		opts.maxMessageLength = MaxBodyLength
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.downloadDir == "" {
		opts.downloadDir = defaultDownloadDir
	}

	if opts.logger == nil {
		opts.logger = DefaultLogger()
	}
}

// SendMessage writes body as one message.
func (s *Session) SendMessage(body string) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	s.armWrite()
	if err := WriteMessage(s.rawConn, body); err != nil {
		s.logger.Debug("write error", "addr", s.Addr(), "error", err)
		return err
	}
	return nil
}

// ReceiveMessage blocks until one message arrives and returns its body.
// A peer that closed the stream yields a FrameErrorDisconnect error wrapping
// ErrNoMessage.
func (s *Session) ReceiveMessage() (string, error) {
	if s.closed.Load() {
		return "", &FrameError{Kind: FrameErrorDisconnect, Msg: "session closed", Err: ErrConnectionClosed}
	}
	s.armRead()
	body, err := ReadMessage(s.reader, s.opts.maxMessageLength)
	if err != nil {
		s.logger.Debug("read error", "addr", s.Addr(), "error", err)
		return "", s.closedAware(err)
	}
	return string(body), nil
}

// SendFile transmits the file at path.
func (s *Session) SendFile(path string) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	s.armWrite()
	if err := WriteFileFrame(s.rawConn, path, s.opts.chunkSize); err != nil {
		s.logger.Debug("send file error", "addr", s.Addr(), "path", path, "error", err)
		return err
	}
	s.logger.Debug("file sent", "addr", s.Addr(), "path", path)
	return nil
}

// ReceiveFile receives one file into dir and returns its path.
func (s *Session) ReceiveFile(dir string) (string, error) {
	if s.closed.Load() {
		return "", &FrameError{Kind: FrameErrorDisconnect, Msg: "session closed", Err: ErrConnectionClosed}
	}
	s.armRead()
	path, err := ReadFileFrame(s.reader, dir, s.opts.chunkSize)
	if err != nil {
		s.logger.Debug("receive file error", "addr", s.Addr(), "dir", dir, "error", err)
		return "", s.closedAware(err)
	}
	s.logger.Debug("file received", "addr", s.Addr(), "path", path)
	return path, nil
}

// Request sends body and waits for the reply. When the reply is a file
// sentinel the announced file is received into a folder named after the
// sentinel under the download directory.
func (s *Session) Request(body string) (Reply, error) {
	if err := s.SendMessage(body); err != nil {
		return Reply{}, err
	}
	text, err := s.ReceiveMessage()
	if err != nil {
		return Reply{}, err
	}
	if !IsFileSentinel(text) {
		return Reply{Text: text}, nil
	}

	path, err := s.ReceiveFile(filepath.Join(s.opts.downloadDir, text))
	if err != nil {
		return Reply{Text: text}, err
	}
	return Reply{Text: text, File: path}, nil
}

// Close closes the underlying connection. Safe to call multiple times.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil // already closed
	}
	return s.rawConn.Close()
}

// IsClosed returns true if the session has been closed.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Addr returns the remote address of the connection.
func (s *Session) Addr() net.Addr {
	return s.rawConn.RemoteAddr()
}

func (s *Session) armRead() {
	if s.opts.idleTimeout > 0 {
		_ = s.rawConn.SetReadDeadline(time.Now().Add(s.opts.idleTimeout))
	}
}

func (s *Session) armWrite() {
	if s.opts.idleTimeout > 0 {
		_ = s.rawConn.SetWriteDeadline(time.Now().Add(s.opts.idleTimeout))
	}
}

// closedAware reports reads interrupted by a local Close as a disconnect.
func (s *Session) closedAware(err error) error {
	if s.closed.Load() && errors.Is(err, net.ErrClosed) {
		return &FrameError{Kind: FrameErrorDisconnect, Msg: "session closed", Err: ErrConnectionClosed}
	}
	return err
}
