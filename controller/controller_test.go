package controller

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	remote "github.com/Zereker/remote"
	"github.com/Zereker/remote/agent"
	"github.com/Zereker/remote/capability"
	"github.com/Zereker/remote/registry"
)

func newTestAgent(t *testing.T) *agent.Agent {
	t.Helper()

	catalog := capability.Catalog(capability.Deps{Identity: capability.StaticIdentity("test agent")})
	catalog["baz"] = registry.HandlerFunc(func(_ context.Context, conn registry.Conn, _ []string) error {
		return conn.SendMessage("baz")
	})

	a := agent.New(catalog,
		agent.LoggerOption(remote.NopLogger()),
		agent.UpdateDirOption(filepath.Join(t.TempDir(), "update")),
		agent.PreserveArgCaseOption(true),
	)
	if err := a.Install(capability.DefaultManifest()); err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	return a
}

// serve runs handler on a loopback server until the test ends.
func serve(t *testing.T, handler remote.Handler) string {
	t.Helper()

	server, err := remote.New(&net.TCPAddr{IP: net.ParseIP("127.0.0.1")}, remote.ServerLoggerOption(remote.NopLogger()))
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		server.Close()
		<-done
	})
	return server.Addr().String()
}

func newTestController(t *testing.T, addr string, out io.Writer, opts ...Option) *Controller {
	t.Helper()
	d := remote.NewDialer(addr,
		remote.BackoffOption(10*time.Millisecond, 50*time.Millisecond),
		remote.DialerLoggerOption(remote.NopLogger()),
		remote.SessionOptions(
			remote.LoggerOption(remote.NopLogger()),
			remote.DownloadDirOption(t.TempDir()),
			remote.IdleTimeoutOption(5*time.Second),
		),
	)
	opts = append([]Option{OutputOption(out), LoggerOption(remote.NopLogger())}, opts...)
	return New(d, opts...)
}

func run(t *testing.T, c *Controller, input string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Run(ctx, strings.NewReader(input)); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func expectOutput(t *testing.T, out string, want ...string) {
	t.Helper()
	for _, w := range want {
		if !strings.Contains(out, w) {
			t.Errorf("output missing %q:\n%s", w, out)
		}
	}
}

func TestController_Commands(t *testing.T) {
	addr := serve(t, newTestAgent(t))
	var out bytes.Buffer

	run(t, newTestController(t, addr, &out), "name\n\n   \nlist\nnope\nrand 5 6\nexit\n")

	expectOutput(t, out.String(),
		"Connected to",
		"test agent",
		"Function list:",
		"screenshot",
		"Unknown command\n5\n",
	)
}

func TestController_ReceivesFile(t *testing.T) {
	addr := serve(t, newTestAgent(t))

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("hello controller"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	run(t, newTestController(t, addr, &out), "send "+path+"\nsend "+path+".missing\nexit\n")

	expectOutput(t, out.String(), "Received send file:", "There is no such file or directory named:")

	line := out.String()[strings.Index(out.String(), "Received send file: ")+len("Received send file: "):]
	received := strings.TrimSpace(strings.SplitN(line, "\n", 2)[0])
	data, err := os.ReadFile(received)
	if err != nil || string(data) != "hello controller" {
		t.Errorf("received %q, %v", data, err)
	}
}

func TestController_Update(t *testing.T) {
	addr := serve(t, newTestAgent(t))

	m := &registry.Manifest{
		Name:     "b",
		Version:  "2.0.0",
		Handlers: []registry.HandlerSpec{{Keyword: "baz", Kind: "baz"}},
	}
	data, err := m.Encode()
	if err != nil {
		t.Fatal(err)
	}
	modulePath := filepath.Join(t.TempDir(), "handlers.yaml")
	if err := os.WriteFile(modulePath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	run(t, newTestController(t, addr, &out, ModulePathOption(modulePath)), "update\nlist\nname\nexit\n")

	got := out.String()
	expectOutput(t, got, "Updating functions...", "Function list:\nbaz", "Unknown command")
	if strings.Contains(got, "screenshot") {
		t.Errorf("handlers from the previous module still listed:\n%s", got)
	}
}

func TestController_UpdateWithoutModule(t *testing.T) {
	addr := serve(t, newTestAgent(t))
	var out bytes.Buffer

	c := newTestController(t, addr, &out, ModulePathOption(filepath.Join(t.TempDir(), "missing.yaml")))
	run(t, c, "update\nname\nexit\n")

	expectOutput(t, out.String(), "Error: cannot upload handler module", "test agent")
}

// resetFirst resets the first connection after reading one message and hands
// every later connection to next.
type resetFirst struct {
	next  remote.Handler
	conns atomic.Int32
}

func (h *resetFirst) Handle(ctx context.Context, conn net.Conn) {
	if h.conns.Add(1) > 1 {
		h.next.Handle(ctx, conn)
		return
	}
	_, _ = remote.ReadMessage(conn, 0)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	conn.Close()
}

func TestController_ReconnectsAfterReset(t *testing.T) {
	h := &resetFirst{next: newTestAgent(t)}
	addr := serve(t, h)
	var out bytes.Buffer

	run(t, newTestController(t, addr, &out), "list\nlist\nexit\n")

	got := out.String()
	expectOutput(t, got, "Connection lost, reconnecting...", "Function list:")
	if n := h.conns.Load(); n != 2 {
		t.Errorf("agent saw %d connections, want 2", n)
	}
	if strings.Index(got, "Connection lost") > strings.Index(got, "Function list:") {
		t.Errorf("list reply printed before the reconnect:\n%s", got)
	}
}

func TestController_EndOfInput(t *testing.T) {
	addr := serve(t, newTestAgent(t))
	var out bytes.Buffer
	run(t, newTestController(t, addr, &out), "name\n")
	expectOutput(t, out.String(), "test agent")
}

func TestController_ExitReleasesInputReader(t *testing.T) {
	addr := serve(t, newTestAgent(t))
	c := newTestController(t, addr, io.Discard)

	baseline := runtime.NumGoroutine()

	// Lines after exit are buffered by the scanner and never consumed.
	run(t, c, "exit\nlist\nlist\n")

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d after Run returned, want at most %d", runtime.NumGoroutine(), baseline)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestController_ContextCanceled(t *testing.T) {
	addr := serve(t, newTestAgent(t))
	c := newTestController(t, addr, io.Discard)

	pr, pw := io.Pipe()
	defer pw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, pr)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestController_DialFails(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	d := remote.NewDialer(addr,
		remote.BackoffOption(time.Millisecond, time.Millisecond),
		remote.MaxAttemptsOption(2),
		remote.DialerLoggerOption(remote.NopLogger()),
	)
	c := New(d, OutputOption(io.Discard), LoggerOption(remote.NopLogger()))
	if err := c.Run(context.Background(), strings.NewReader("list\n")); err == nil {
		t.Error("expected dial error")
	}
}

func TestController_PromptOption(t *testing.T) {
	addr := serve(t, newTestAgent(t))
	var out bytes.Buffer
	run(t, newTestController(t, addr, &out, PromptOption("remote> ")), "exit\n")
	expectOutput(t, out.String(), "remote> ")
}
