package main

import (
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Zereker/remote/internal/config"
	"github.com/Zereker/remote/internal/logging"
)

// Shared flags.
var (
	// ConfigFlag points at the YAML config file.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML config file",
		EnvVars: []string{"REMOTE_CONFIG"},
	}

	// LogLevelFlag overrides log.level.
	LogLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "Log level: debug, info, warn, error",
	}

	// LogFormatFlag overrides log.format.
	LogFormatFlag = &cli.StringFlag{
		Name:  "log-format",
		Usage: "Log format: json, console",
	}

	// AddrFlag overrides the agent or controller address.
	AddrFlag = &cli.StringFlag{
		Name:    "addr",
		Aliases: []string{"a"},
		Usage:   "host:port to listen on (agent) or connect to (controller)",
	}

	// ModuleFlag overrides the handler module path.
	ModuleFlag = &cli.StringFlag{
		Name:    "module",
		Aliases: []string{"m"},
		Usage:   "Handler module file (agent: active module, controller: module uploaded by update)",
	}
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		LogLevelFlag,
		LogFormatFlag,
	}
}

// loadConfig loads the config file and environment, lets apply copy
// command flags over it, then validates the result.
func loadConfig(c *cli.Context, apply func(*cli.Context, *config.Config)) (*config.Config, error) {
	cfg, err := config.Load(c.String(ConfigFlag.Name))
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}

	if c.IsSet(LogLevelFlag.Name) {
		cfg.Log.Level = c.String(LogLevelFlag.Name)
	}
	if c.IsSet(LogFormatFlag.Name) {
		cfg.Log.Format = c.String(LogFormatFlag.Name)
	}
	if apply != nil {
		apply(c, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit("invalid configuration: "+err.Error(), 2)
	}
	return cfg, nil
}

// newLogger builds the process logger on stderr.
func newLogger(cfg *config.Config) (*logging.Adapter, *zap.Logger, error) {
	zl, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	return logging.NewAdapter(zl), zl, nil
}
