// Package agent implements the dispatch engine: it reads commands from a
// session, resolves them against the live handler registry and replies.
package agent

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	remote "github.com/Zereker/remote"
	"github.com/Zereker/remote/events"
	"github.com/Zereker/remote/registry"
)

// Replies sent by the dispatch engine itself.
const (
	ReplyUnknownCommand = "Unknown command"
	ReplyAck            = "ACK"
	ReplyUpdated        = "Updating functions..."
	ReplyListPrefix     = "Function list:"
	replyErrorPrefix    = "Error: "
	replyRejectedPrefix = "Update rejected: "
)

// DefaultUpdateDir is the folder uploaded modules are received into.
const DefaultUpdateDir = "update"

const defaultPublishTimeout = 2 * time.Second

// ErrNoReply is reported when a handler returns without replying.
var ErrNoReply = errors.New("handler sent no reply")

// result is what a command amounted to, for logs and events.
type result struct {
	outcome string
	cause   error
}

var resultOK = result{outcome: events.OutcomeOK}

// Agent serves controller sessions one at a time.
type Agent struct {
	store   *registry.Store
	catalog registry.Catalog

	publisher      events.Publisher
	publishTimeout time.Duration
	logger         remote.Logger

	modulePath      string
	updateDir       string
	preserveArgCase bool
	sessionOpts     []remote.Option

	// reloadMu serializes module persistence and swaps.
	reloadMu sync.Mutex
}

// New returns an Agent resolving handler kinds against catalog. It starts
// with an empty registry; call LoadModule or Install to populate it.
func New(catalog registry.Catalog, opts ...Option) *Agent {
	a := &Agent{
		store:   registry.NewStore(nil),
		catalog: catalog,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		a.logger = remote.DefaultLogger()
	}
	if a.publisher == nil {
		a.publisher = events.NoOpPublisher{}
	}
	if a.publishTimeout <= 0 {
		a.publishTimeout = defaultPublishTimeout
	}
	if a.updateDir == "" {
		a.updateDir = DefaultUpdateDir
	}
	a.sessionOpts = append([]remote.Option{remote.LoggerOption(a.logger)}, a.sessionOpts...)
	return a
}

// Registry returns the live registry.
func (a *Agent) Registry() *registry.Registry {
	return a.store.Load()
}

// Handle implements remote.Handler. It serves conn until the controller
// leaves, sends exit, or ctx is canceled.
func (a *Agent) Handle(ctx context.Context, conn net.Conn) {
	s, err := remote.NewSession(conn, a.sessionOpts...)
	if err != nil {
		a.logger.Error("failed to create session", "error", err)
		conn.Close()
		return
	}
	defer s.Close()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	if err := a.Serve(ctx, s); err != nil {
		a.logger.Warn("session aborted", "remote_addr", s.Addr(), "error", err)
	}
}

// Serve runs the dispatch loop on s. It returns nil when the controller
// disconnects or sends exit, and an error when the stream can no longer be
// trusted to be frame aligned.
func (a *Agent) Serve(ctx context.Context, s *remote.Session) error {
	a.logger.Info("session established", "remote_addr", s.Addr(), "module", a.Registry().Name(), "version", a.Registry().Version())

	for {
		body, err := s.ReceiveMessage()
		if err != nil {
			if remote.IsDisconnect(err) || ctx.Err() != nil {
				a.logger.Info("controller disconnected", "remote_addr", s.Addr())
				return nil
			}
			return errors.Wrap(err, "receive command")
		}

		keyword, args := ParseCommand(body, a.preserveArgCase)
		if keyword == registry.KeywordExit {
			a.logger.Info("controller exited", "remote_addr", s.Addr())
			a.publish(ctx, s, keyword, args, resultOK, 0)
			return nil
		}

		if err := a.dispatch(ctx, s, keyword, args); err != nil {
			return err
		}
	}
}

// dispatch serves one command. A returned error ends the session.
func (a *Agent) dispatch(ctx context.Context, s *remote.Session, keyword string, args []string) error {
	start := time.Now()
	reg := a.Registry()

	var (
		res = resultOK
		err error
	)

	switch keyword {
	case registry.KeywordList:
		err = s.SendMessage(listReply(reg.Names()))
	case registry.KeywordUpdate:
		res, err = a.update(s)
	default:
		handler, ok := reg.Resolve(keyword)
		if !ok {
			res = result{outcome: events.OutcomeUnknown}
			err = s.SendMessage(ReplyUnknownCommand)
			break
		}
		res, err = a.invoke(ctx, s, keyword, handler, args)
	}

	took := time.Since(start)
	a.logger.Debug("command dispatched", "keyword", keyword, "args", len(args), "outcome", res.outcome, "took", took)
	if res.cause != nil {
		a.logger.Warn("command failed", "keyword", keyword, "error", res.cause)
	}
	a.publish(ctx, s, keyword, args, res, took)
	return err
}

// invoke runs handler and converts its faults into an error reply. It returns
// an error only when the session can no longer continue.
func (a *Agent) invoke(ctx context.Context, s *remote.Session, keyword string, handler registry.Handler, args []string) (result, error) {
	rc := &replyConn{session: s}
	cause := serveRecovered(ctx, handler, rc, args)

	if cause == nil && !rc.replied {
		cause = ErrNoReply
	}
	if cause == nil && !rc.pendingFile {
		return resultOK, nil
	}

	switch {
	case remote.IsFrameError(cause), errors.Is(cause, remote.ErrConnectionClosed):
		return result{events.OutcomeError, cause}, errors.Wrapf(cause, "handler %q", keyword)
	case rc.pendingFile:
		// The controller is waiting for a file that will not come.
		if cause == nil {
			cause = errors.New("file announced but not sent")
		}
		return result{events.OutcomeError, cause}, errors.Wrapf(cause, "handler %q broke the file reply", keyword)
	case rc.replied:
		return result{events.OutcomeError, cause}, nil
	}

	return result{events.OutcomeError, cause}, s.SendMessage(replyErrorPrefix + cause.Error())
}

func serveRecovered(ctx context.Context, handler registry.Handler, conn registry.Conn, args []string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return handler.Serve(ctx, conn, args)
}

// replyConn tracks what a handler has sent so the engine can tell whether
// the reply protocol is still intact.
type replyConn struct {
	session     *remote.Session
	replied     bool
	pendingFile bool
}

func (c *replyConn) SendMessage(body string) error {
	if err := c.session.SendMessage(body); err != nil {
		return err
	}
	c.replied = true
	c.pendingFile = remote.IsFileSentinel(body)
	return nil
}

func (c *replyConn) SendFile(path string) error {
	if err := c.session.SendFile(path); err != nil {
		return err
	}
	c.pendingFile = false
	return nil
}

// update runs the server side of the module upload: ACK, receive the file,
// reload, reply with the result.
func (a *Agent) update(s *remote.Session) (result, error) {
	if err := s.SendMessage(ReplyAck); err != nil {
		return result{events.OutcomeError, err}, err
	}

	path, err := s.ReceiveFile(a.updateDir)
	if err != nil {
		if remote.IsFrameError(err) {
			return result{events.OutcomeError, err}, errors.Wrap(err, "receive module")
		}
		// Local failure: the stream is still aligned.
		return a.reject(s, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return a.reject(s, err)
	}
	if _, err := a.Reload(data); err != nil {
		return a.reject(s, err)
	}

	if err := s.SendMessage(ReplyUpdated); err != nil {
		return result{events.OutcomeError, err}, err
	}
	return resultOK, nil
}

func (a *Agent) reject(s *remote.Session, cause error) (result, error) {
	return result{events.OutcomeRejected, cause}, s.SendMessage(replyRejectedPrefix + cause.Error())
}

// Reload builds a registry from a manifest, persists the manifest over the
// module path and makes the new registry live. On any failure the previous
// registry stays live.
func (a *Agent) Reload(data []byte) (*registry.Registry, error) {
	m, err := registry.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	next, err := registry.Build(m, a.catalog, remote.ProtocolVersion)
	if err != nil {
		return nil, err
	}

	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	if a.modulePath != "" {
		if err := writeFileAtomic(a.modulePath, data); err != nil {
			return nil, err
		}
	}

	prev := a.store.Swap(next)
	a.logger.Info("handler module reloaded",
		"old_module", prev.Name(), "old_version", prev.Version(),
		"new_module", next.Name(), "new_version", next.Version(),
		"handlers", next.Len())
	return next, nil
}

// Install builds m and makes it live without persisting it.
func (a *Agent) Install(m *registry.Manifest) error {
	next, err := registry.Build(m, a.catalog, remote.ProtocolVersion)
	if err != nil {
		return err
	}
	a.store.Swap(next)
	return nil
}

// LoadModule activates the module at the module path. When no module file
// exists yet, fallback is installed instead.
func (a *Agent) LoadModule(fallback *registry.Manifest) error {
	if a.modulePath != "" {
		m, err := registry.LoadManifest(a.modulePath)
		switch {
		case err == nil:
			if err := a.Install(m); err != nil {
				return errors.Wrapf(err, "module %s", a.modulePath)
			}
			a.logger.Info("handler module loaded", "path", a.modulePath, "module", m.Name, "version", m.Version)
			return nil
		case !errors.Is(err, os.ErrNotExist):
			return err
		}
	}

	if fallback == nil {
		return errors.Errorf("no handler module at %q", a.modulePath)
	}
	if err := a.Install(fallback); err != nil {
		return errors.Wrap(err, "built-in module")
	}
	a.logger.Info("using built-in handler module", "module", fallback.Name, "version", fallback.Version)
	return nil
}

func (a *Agent) publish(ctx context.Context, s *remote.Session, keyword string, args []string, res result, took time.Duration) {
	event := events.NewCommandEvent(keyword, args, res.outcome, addrString(s.Addr()), a.Registry().Version(), took)
	if res.cause != nil {
		event.Error = res.cause.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.publishTimeout)
	defer cancel()
	if err := a.publisher.Publish(ctx, event); err != nil {
		a.logger.Warn("failed to publish command event", "keyword", keyword, "error", err)
	}
}

// ParseCommand splits a command line into a lower-cased keyword and its
// arguments. Arguments are lower-cased unless preserveCase is set, and any
// argument equal to the keyword itself is dropped.
func ParseCommand(line string, preserveCase bool) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}

	keyword := strings.ToLower(fields[0])
	args := make([]string, 0, len(fields)-1)
	for _, f := range fields[1:] {
		if strings.EqualFold(f, keyword) {
			continue
		}
		if !preserveCase {
			f = strings.ToLower(f)
		}
		args = append(args, f)
	}
	return keyword, args
}

func listReply(names []string) string {
	var b strings.Builder
	b.WriteString(ReplyListPrefix)
	for _, name := range names {
		b.WriteString("\n")
		b.WriteString(name)
	}
	return b.String()
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", dir)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp module")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write temp module")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp module")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrapf(err, "replace %s", path)
	}
	return nil
}

var _ remote.Handler = (*Agent)(nil)
