// Package config loads the agent and controller configuration from a YAML
// file and REMOTE_* environment variables.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Zereker/remote/events"
)

// EnvPrefix prefixes every environment override, e.g. REMOTE_AGENT_ADDR.
const EnvPrefix = "REMOTE"

// DefaultAddr is where the agent listens and the controller connects.
const DefaultAddr = "localhost:9098"

// DefaultMaxMessageLength caps a received message body. Zero lifts the cap to
// what the length header can carry.
const DefaultMaxMessageLength int64 = 64 << 20

// Config is the full configuration of both binaries.
type Config struct {
	Agent      AgentConfig      `yaml:"agent"`
	Controller ControllerConfig `yaml:"controller"`
	Log        LogConfig        `yaml:"log"`
	Events     EventsConfig     `yaml:"events"`
}

// AgentConfig configures the agent.
type AgentConfig struct {
	Addr              string        `yaml:"addr"`
	ModulePath        string        `yaml:"module_path" split_words:"true"`
	UpdateDir         string        `yaml:"update_dir" split_words:"true"`
	WorkDir           string        `yaml:"work_dir" split_words:"true"`
	ServerName        string        `yaml:"server_name" split_words:"true"`
	ScreenshotCommand string        `yaml:"screenshot_command" split_words:"true"`
	ScreenshotPath    string        `yaml:"screenshot_path" split_words:"true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" split_words:"true"`
	MaxMessageLength  int64         `yaml:"max_message_length" split_words:"true"`
	PreserveArgCase   bool          `yaml:"preserve_arg_case" split_words:"true"`
}

// ControllerConfig configures the controller.
type ControllerConfig struct {
	Addr             string        `yaml:"addr"`
	ModulePath       string        `yaml:"module_path" split_words:"true"`
	DownloadDir      string        `yaml:"download_dir" split_words:"true"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" split_words:"true"`
	MaxBackoff       time.Duration `yaml:"max_backoff" split_words:"true"`
	MaxAttempts      int           `yaml:"max_attempts" split_words:"true"`
	MaxMessageLength int64         `yaml:"max_message_length" split_words:"true"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EventsConfig configures command event publishing.
type EventsConfig struct {
	Backend string        `yaml:"backend"`
	URL     string        `yaml:"url"`
	Subject string        `yaml:"subject"`
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// PublisherConfig converts c for events.Open.
func (c EventsConfig) PublisherConfig() events.Config {
	return events.Config{
		Backend: c.Backend,
		URL:     c.URL,
		Subject: c.Subject,
		Timeout: c.Timeout,
		Retries: c.Retries,
	}
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Addr:             DefaultAddr,
			ModulePath:       "handlers.yaml",
			UpdateDir:        "update",
			ServerName:       "REMOTE AGENT",
			ScreenshotPath:   "screenshot.png",
			MaxMessageLength: DefaultMaxMessageLength,
		},
		Controller: ControllerConfig{
			Addr:             DefaultAddr,
			ModulePath:       "handlers.yaml",
			DownloadDir:      ".",
			InitialBackoff:   100 * time.Millisecond,
			MaxBackoff:       5 * time.Second,
			MaxMessageLength: DefaultMaxMessageLength,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Events: EventsConfig{
			Backend: events.BackendNone,
			Subject: events.DefaultSubject,
			Timeout: events.DefaultTimeout,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Errorf("config file not found: %s", path)
			}
			return nil, errors.Wrapf(err, "cannot read config file %q", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "invalid YAML in %s", path)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, errors.Wrap(err, "environment overrides")
	}
	return cfg, nil
}

// Validate checks the values both binaries depend on.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return errors.Errorf("log.format must be json or console, got %q", c.Log.Format)
	}

	switch c.Events.Backend {
	case "", events.BackendNone:
	case events.BackendNATS, events.BackendRedis:
		if c.Events.URL == "" {
			return errors.Errorf("events.url is required for the %s backend", c.Events.Backend)
		}
	default:
		return errors.Errorf("events.backend must be none, nats or redis, got %q", c.Events.Backend)
	}

	if c.Agent.Addr == "" {
		return errors.New("agent.addr is required")
	}
	if c.Agent.IdleTimeout < 0 {
		return errors.New("agent.idle_timeout must not be negative")
	}
	if c.Agent.MaxMessageLength < 0 {
		return errors.New("agent.max_message_length must not be negative")
	}

	if c.Controller.Addr == "" {
		return errors.New("controller.addr is required")
	}
	if c.Controller.InitialBackoff <= 0 {
		return errors.New("controller.initial_backoff must be positive")
	}
	if c.Controller.MaxBackoff < c.Controller.InitialBackoff {
		return errors.New("controller.max_backoff must not be below initial_backoff")
	}
	if c.Controller.MaxAttempts < 0 {
		return errors.New("controller.max_attempts must not be negative")
	}
	if c.Controller.MaxMessageLength < 0 {
		return errors.New("controller.max_message_length must not be negative")
	}
	return nil
}
