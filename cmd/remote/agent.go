package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	remote "github.com/Zereker/remote"
	"github.com/Zereker/remote/agent"
	"github.com/Zereker/remote/capability"
	"github.com/Zereker/remote/events"
	"github.com/Zereker/remote/internal/config"
	"github.com/Zereker/remote/internal/logging"
)

func agentCommand() *cli.Command {
	return &cli.Command{
		Name:  "agent",
		Usage: "Serve commands from one controller at a time",
		Flags: []cli.Flag{
			AddrFlag,
			ModuleFlag,
			&cli.StringFlag{
				Name:  "name",
				Usage: "Identity reported by the name command",
			},
			&cli.StringFlag{
				Name:  "workdir",
				Usage: "Directory relative paths are resolved against",
			},
			&cli.BoolFlag{
				Name:  "preserve-arg-case",
				Usage: "Pass command arguments to handlers as typed",
			},
		},
		Action: agentAction,
	}
}

func applyAgentFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(AddrFlag.Name) {
		cfg.Agent.Addr = c.String(AddrFlag.Name)
	}
	if c.IsSet(ModuleFlag.Name) {
		cfg.Agent.ModulePath = c.String(ModuleFlag.Name)
	}
	if c.IsSet("name") {
		cfg.Agent.ServerName = c.String("name")
	}
	if c.IsSet("workdir") {
		cfg.Agent.WorkDir = c.String("workdir")
	}
	if c.IsSet("preserve-arg-case") {
		cfg.Agent.PreserveArgCase = c.Bool("preserve-arg-case")
	}
}

func agentAction(c *cli.Context) error {
	cfg, err := loadConfig(c, applyAgentFlags)
	if err != nil {
		return err
	}
	logger, zl, err := newLogger(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer func() { _ = zl.Sync() }()

	if cfg.Agent.WorkDir != "" {
		if err := os.Chdir(cfg.Agent.WorkDir); err != nil {
			return cli.Exit(errors.Wrap(err, "workdir").Error(), 2)
		}
	}

	publisher, err := events.Open(cfg.Events.PublisherConfig())
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer publisher.Close()

	a := newAgent(cfg, logger, publisher)
	if err := a.LoadModule(capability.DefaultManifest()); err != nil {
		return cli.Exit(err.Error(), 2)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Agent.Addr)
	if err != nil {
		return cli.Exit(errors.Wrapf(err, "resolve %s", cfg.Agent.Addr).Error(), 2)
	}
	server, err := remote.New(addr, remote.ServerLoggerOption(logger))
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(ctx, a)
	})
	group.Go(func() error {
		reloadOnHangup(ctx, a, logger)
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return cli.Exit(err.Error(), 1)
	}
	logger.Info("agent stopped")
	return nil
}

func newAgent(cfg *config.Config, logger *logging.Adapter, publisher events.Publisher) *agent.Agent {
	deps := capability.Deps{
		Screen:         capability.NewCommandCapturer(cfg.Agent.ScreenshotCommand),
		Identity:       capability.StaticIdentity(cfg.Agent.ServerName),
		ScreenshotPath: cfg.Agent.ScreenshotPath,
	}

	return agent.New(capability.Catalog(deps),
		agent.ModulePathOption(cfg.Agent.ModulePath),
		agent.UpdateDirOption(cfg.Agent.UpdateDir),
		agent.PublisherOption(publisher),
		agent.PublishTimeoutOption(cfg.Events.Timeout),
		agent.LoggerOption(logger),
		agent.PreserveArgCaseOption(cfg.Agent.PreserveArgCase),
		agent.SessionOptions(
			remote.IdleTimeoutOption(cfg.Agent.IdleTimeout),
			remote.MaxMessageLengthOption(cfg.Agent.MaxMessageLength),
		),
	)
}

// reloadOnHangup reloads the module file on SIGHUP until ctx is done.
func reloadOnHangup(ctx context.Context, a *agent.Agent, logger *logging.Adapter) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := a.LoadModule(nil); err != nil {
				logger.Error("reload on SIGHUP failed, keeping current module", "error", err)
			}
		}
	}
}
