// Command echo embeds an agent that adds an "echo" handler kind next to the
// built-in ones. Connect with `remote controller --addr 127.0.0.1:12345` and
// type `echo hello`.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/Zereker/remote"
	"github.com/Zereker/remote/agent"
	"github.com/Zereker/remote/capability"
	"github.com/Zereker/remote/events"
	"github.com/Zereker/remote/registry"
)

const kindEcho = "echo"

// echo replies with its arguments joined by spaces.
func echo(_ context.Context, conn registry.Conn, args []string) error {
	return conn.SendMessage(strings.Join(args, " "))
}

func main() {
	catalog := capability.Catalog(capability.Deps{
		Identity: capability.StaticIdentity("ECHO AGENT"),
	})
	catalog[kindEcho] = registry.HandlerFunc(echo)

	manifest := capability.DefaultManifest()
	manifest.Name = "echo"
	manifest.Handlers = append(manifest.Handlers, registry.HandlerSpec{
		Keyword: kindEcho, Kind: kindEcho, Description: "repeat the arguments",
	})

	// Log every command the agent runs.
	publisher := events.NewCallbackPublisher(func(_ context.Context, e *events.CommandEvent) error {
		slog.Info("command", "keyword", e.Keyword, "args", e.Args, "outcome", e.Outcome, "duration_ms", e.DurationMs)
		return nil
	})

	a := agent.New(catalog,
		agent.ModulePathOption("echo-handlers.yaml"),
		agent.PublisherOption(publisher),
		agent.PreserveArgCaseOption(true),
	)
	if err := a.LoadModule(manifest); err != nil {
		slog.Error("failed to load module", "error", err)
		return
	}

	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:12345")
	if err != nil {
		panic(err)
	}

	server, err := remote.New(addr)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	slog.Info("agent start", "addr", addr.String(), "handlers", a.Registry().Names())
	if err := server.Serve(ctx, a); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
