package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	remote "github.com/Zereker/remote"
	"github.com/Zereker/remote/controller"
	"github.com/Zereker/remote/internal/config"
	"github.com/Zereker/remote/internal/logging"
)

func controllerCommand() *cli.Command {
	return &cli.Command{
		Name:  "controller",
		Usage: "Send commands to an agent, one per input line",
		Flags: []cli.Flag{
			AddrFlag,
			ModuleFlag,
			&cli.StringFlag{
				Name:  "download-dir",
				Usage: "Folder the send/ and screenshot/ folders are created in",
			},
			&cli.IntFlag{
				Name:  "max-attempts",
				Usage: "Give up connecting after this many attempts (0 retries forever)",
			},
			&cli.StringFlag{
				Name:  "prompt",
				Usage: "Input prompt",
				Value: "remote> ",
			},
		},
		Action: controllerAction,
	}
}

func applyControllerFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(AddrFlag.Name) {
		cfg.Controller.Addr = c.String(AddrFlag.Name)
	}
	if c.IsSet(ModuleFlag.Name) {
		cfg.Controller.ModulePath = c.String(ModuleFlag.Name)
	}
	if c.IsSet("download-dir") {
		cfg.Controller.DownloadDir = c.String("download-dir")
	}
	if c.IsSet("max-attempts") {
		cfg.Controller.MaxAttempts = c.Int("max-attempts")
	}
}

func controllerAction(c *cli.Context) error {
	cfg, err := loadConfig(c, applyControllerFlags)
	if err != nil {
		return err
	}
	logger, zl, err := newLogger(cfg)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}
	defer func() { _ = zl.Sync() }()

	ctl := newController(cfg, logger, c.String("prompt"))

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctl.Run(ctx, os.Stdin); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func newController(cfg *config.Config, logger *logging.Adapter, prompt string) *controller.Controller {
	dialer := remote.NewDialer(cfg.Controller.Addr,
		remote.BackoffOption(cfg.Controller.InitialBackoff, cfg.Controller.MaxBackoff),
		remote.MaxAttemptsOption(cfg.Controller.MaxAttempts),
		remote.DialerLoggerOption(logger),
		remote.SessionOptions(
			remote.LoggerOption(logger),
			remote.DownloadDirOption(cfg.Controller.DownloadDir),
			remote.MaxMessageLengthOption(cfg.Controller.MaxMessageLength),
		),
	)

	return controller.New(dialer,
		controller.OutputOption(os.Stdout),
		controller.LoggerOption(logger),
		controller.ModulePathOption(cfg.Controller.ModulePath),
		controller.PromptOption(prompt),
	)
}
