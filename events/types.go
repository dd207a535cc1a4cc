// Package events publishes a notification after every command the agent
// dispatches. Publishing is best effort; a failed publish never affects the
// session that produced the event.
package events

import "time"

// EventTypeCommandExecuted is the event_type of every CommandEvent.
const EventTypeCommandExecuted = "command_executed"

// DefaultSubject is the NATS subject and Redis channel events go to.
const DefaultSubject = "remote.command.executed"

// Outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeUnknown  = "unknown"
	OutcomeError    = "error"
	OutcomeRejected = "rejected"
)

// CommandEvent describes one dispatched command.
type CommandEvent struct {
	EventType     string   `json:"event_type"` // always "command_executed"
	Keyword       string   `json:"keyword"`
	Args          []string `json:"args"`
	Outcome       string   `json:"outcome"` // ok, unknown, error, rejected
	Error         string   `json:"error,omitempty"`
	RemoteAddr    string   `json:"remote_addr"`
	DurationMs    int64    `json:"duration_ms"`
	Timestamp     string   `json:"timestamp"` // RFC 3339
	ModuleVersion string   `json:"module_version"`
}

// NewCommandEvent returns an event stamped with the current time.
func NewCommandEvent(keyword string, args []string, outcome, remoteAddr, moduleVersion string, took time.Duration) *CommandEvent {
	if args == nil {
		args = []string{}
	}
	return &CommandEvent{
		EventType:     EventTypeCommandExecuted,
		Keyword:       keyword,
		Args:          args,
		Outcome:       outcome,
		RemoteAddr:    remoteAddr,
		DurationMs:    took.Milliseconds(),
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		ModuleVersion: moduleVersion,
	}
}
