// Package controller implements the operator side: it reads commands, sends
// them to the agent and prints what comes back, reconnecting when the
// connection is lost.
package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	remote "github.com/Zereker/remote"
	"github.com/Zereker/remote/registry"
)

// DefaultModulePath is the handler module uploaded by update.
const DefaultModulePath = "handlers.yaml"

const replyAck = "ACK"

// errStreamBroken marks failures after which the connection must be replaced.
var errStreamBroken = errors.New("stream out of sync")

// Controller drives one agent connection from operator input.
type Controller struct {
	dialer     *remote.Dialer
	out        io.Writer
	logger     remote.Logger
	modulePath string
	prompt     string
	styles     styles

	session *remote.Session
}

// Option configures a Controller.
type Option func(*Controller)

// OutputOption sets where replies are printed.
func OutputOption(w io.Writer) Option {
	return func(c *Controller) {
		c.out = w
	}
}

// LoggerOption sets the logger for the controller.
func LoggerOption(logger remote.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// ModulePathOption sets the handler module uploaded by update.
func ModulePathOption(path string) Option {
	return func(c *Controller) {
		c.modulePath = path
	}
}

// PromptOption sets the input prompt. An empty prompt prints nothing.
func PromptOption(prompt string) Option {
	return func(c *Controller) {
		c.prompt = prompt
	}
}

// New returns a Controller that connects through dialer.
func New(dialer *remote.Dialer, opts ...Option) *Controller {
	c := &Controller{
		dialer:     dialer,
		out:        os.Stdout,
		logger:     remote.DefaultLogger(),
		modulePath: DefaultModulePath,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.styles = newStyles(c.out)
	return c
}

// Run connects, then executes one command per input line until exit, the end
// of input, or ctx is canceled. Losing the connection is not an error: the
// controller reconnects and keeps reading.
func (c *Controller) Run(ctx context.Context, in io.Reader) error {
	defer c.closeSession()

	if err := c.connect(ctx); err != nil {
		return c.stopped(ctx, err)
	}

	// Releases the reader goroutine once Run returns. A Scan already blocked
	// on in still waits for its next line.
	readCtx, stopReading := context.WithCancel(ctx)
	defer stopReading()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readCtx.Done():
				return
			}
		}
	}()

	for {
		c.printPrompt()

		var line string
		select {
		case <-ctx.Done():
			c.logger.Info("interrupted, closing connection")
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		done, err := c.Execute(line)
		if done {
			return nil
		}
		if err == nil {
			continue
		}

		if !connectionLost(err) {
			c.printError(err)
			continue
		}

		c.logger.Warn("connection lost", "addr", c.dialer.Addr(), "error", err)
		c.printNotice("Connection lost, reconnecting...")
		c.closeSession()
		if err := c.connect(ctx); err != nil {
			return c.stopped(ctx, err)
		}
	}
}

// Execute runs one command line on the current session. It reports done
// when the line was exit.
func (c *Controller) Execute(line string) (bool, error) {
	if c.session == nil {
		return false, remote.ErrConnectionClosed
	}

	keyword := strings.ToLower(strings.Fields(line)[0])
	switch keyword {
	case registry.KeywordExit:
		if err := c.session.SendMessage(line); err != nil {
			c.logger.Debug("failed to send exit", "error", err)
		}
		c.closeSession()
		return true, nil
	case registry.KeywordUpdate:
		return false, c.update()
	default:
		return false, c.request(line)
	}
}

func (c *Controller) request(line string) error {
	reply, err := c.session.Request(line)
	if err != nil {
		if reply.Text != "" && !remote.IsFrameError(err) {
			// The file was announced and consumed but could not be stored.
			return errors.Wrapf(err, "receive %s file", reply.Text)
		}
		return err
	}

	if reply.File != "" {
		c.printFile(reply)
		return nil
	}
	c.printReply(reply.Text)
	return nil
}

// update uploads the handler module: update, ACK, file, final reply.
func (c *Controller) update() error {
	if _, err := remote.StatFile(c.modulePath); err != nil {
		return errors.Wrap(err, "cannot upload handler module")
	}

	ack, err := c.session.Request(registry.KeywordUpdate)
	if err != nil {
		return err
	}
	if ack.Text != replyAck {
		c.printReply(ack.Text)
		return nil
	}

	if err := c.session.SendFile(c.modulePath); err != nil {
		// The agent is waiting for a file it will never get in full.
		return errors.Wrapf(errStreamBroken, "upload %s: %v", c.modulePath, err)
	}

	result, err := c.session.ReceiveMessage()
	if err != nil {
		return err
	}
	c.printReply(result)
	return nil
}

func (c *Controller) connect(ctx context.Context) error {
	c.printInfo(fmt.Sprintf("Connecting to %s...", c.dialer.Addr()))
	s, err := c.dialer.Connect(ctx)
	if err != nil {
		return err
	}
	c.session = s
	c.printInfo(fmt.Sprintf("Connected to %s", s.Addr()))
	return nil
}

func (c *Controller) closeSession() {
	if c.session != nil {
		c.session.Close()
		c.session = nil
	}
}

// stopped turns a failure caused by cancellation into a clean stop.
func (c *Controller) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func connectionLost(err error) bool {
	return remote.IsFrameError(err) ||
		errors.Is(err, remote.ErrConnectionClosed) ||
		errors.Is(err, errStreamBroken)
}

func (c *Controller) printPrompt() {
	if c.prompt != "" {
		fmt.Fprint(c.out, c.styles.prompt.Render(c.prompt))
	}
}

func (c *Controller) printReply(text string) {
	fmt.Fprintln(c.out, renderLines(c.styles.reply, text))
}

func (c *Controller) printFile(reply remote.Reply) {
	fmt.Fprintln(c.out, c.styles.file.Render(fmt.Sprintf("Received %s file: %s", reply.Text, reply.File)))
}

func (c *Controller) printInfo(msg string) {
	fmt.Fprintln(c.out, c.styles.info.Render(msg))
}

func (c *Controller) printNotice(msg string) {
	fmt.Fprintln(c.out, c.styles.notice.Render(msg))
}

func (c *Controller) printError(err error) {
	fmt.Fprintln(c.out, c.styles.err.Render("Error: "+err.Error()))
}
