package events

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Publisher sends command events to a downstream system.
type Publisher interface {
	// Publish must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *CommandEvent) error
	Close() error
}

// NoOpPublisher discards events.
type NoOpPublisher struct{}

// Publish is a no-op.
func (NoOpPublisher) Publish(context.Context, *CommandEvent) error { return nil }

// Close is a no-op.
func (NoOpPublisher) Close() error { return nil }

// CallbackPublisher hands every event to a function.
type CallbackPublisher struct {
	callback func(ctx context.Context, event *CommandEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *CommandEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// Publish calls the callback.
func (p *CallbackPublisher) Publish(ctx context.Context, event *CommandEvent) error {
	return p.callback(ctx, event)
}

// Close is a no-op.
func (p *CallbackPublisher) Close() error { return nil }

// Backends.
const (
	BackendNone  = "none"
	BackendNATS  = "nats"
	BackendRedis = "redis"
)

// DefaultTimeout is the default per-publish timeout.
const DefaultTimeout = 5 * time.Second

// Config selects and configures a publisher.
type Config struct {
	// Backend is none, nats or redis. Empty means none.
	Backend string
	// URL is the NATS server URL or the Redis URL.
	URL string
	// Subject is the NATS subject or Redis channel (default remote.command.executed).
	Subject string
	// Timeout bounds a single publish (default 5s).
	Timeout time.Duration
	// Retries is the number of Redis retry attempts on failure.
	Retries int
}

// Open returns the publisher cfg describes.
func Open(cfg Config) (Publisher, error) {
	switch cfg.Backend {
	case "", BackendNone:
		return NoOpPublisher{}, nil
	case BackendNATS:
		return DialNATS(cfg)
	case BackendRedis:
		return NewRedisPublisher(cfg)
	default:
		return nil, errors.Errorf("unknown event backend %q", cfg.Backend)
	}
}
