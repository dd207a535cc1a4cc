package agent

import (
	"time"

	remote "github.com/Zereker/remote"
	"github.com/Zereker/remote/events"
)

// Option configures an Agent.
type Option func(*Agent)

// ModulePathOption sets where the active handler module is kept. An empty
// path keeps reloaded modules in memory only.
func ModulePathOption(path string) Option {
	return func(a *Agent) {
		a.modulePath = path
	}
}

// UpdateDirOption sets the folder uploaded modules are received into.
func UpdateDirOption(dir string) Option {
	return func(a *Agent) {
		a.updateDir = dir
	}
}

// PublisherOption sets the command event publisher.
func PublisherOption(p events.Publisher) Option {
	return func(a *Agent) {
		a.publisher = p
	}
}

// PublishTimeoutOption bounds how long a single event publish may take.
func PublishTimeoutOption(timeout time.Duration) Option {
	return func(a *Agent) {
		a.publishTimeout = timeout
	}
}

// LoggerOption sets the logger for the agent and its sessions.
func LoggerOption(logger remote.Logger) Option {
	return func(a *Agent) {
		a.logger = logger
	}
}

// SessionOptions sets the options applied to every accepted session.
func SessionOptions(opts ...remote.Option) Option {
	return func(a *Agent) {
		a.sessionOpts = append(a.sessionOpts, opts...)
	}
}

// PreserveArgCaseOption keeps command arguments as typed instead of
// lower-casing them.
func PreserveArgCaseOption(preserve bool) Option {
	return func(a *Agent) {
		a.preserveArgCase = preserve
	}
}
