package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultRetries is the default number of Redis retry attempts.
const DefaultRetries = 3

// RedisPublisher publishes events to a Redis pub/sub channel, retrying with
// exponential backoff.
type RedisPublisher struct {
	client  *goredis.Client
	channel string
	timeout time.Duration
	retries int
	backoff time.Duration
}

// NewRedisPublisher creates a publisher from cfg. A zero Retries uses
// DefaultRetries; a negative one disables retries.
func NewRedisPublisher(cfg Config) (*RedisPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis publisher requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "redis publisher: invalid URL")
	}

	p := &RedisPublisher{
		client:  goredis.NewClient(opts),
		channel: cfg.Subject,
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		backoff: 500 * time.Millisecond,
	}
	if p.channel == "" {
		p.channel = DefaultSubject
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	switch {
	case p.retries == 0:
		p.retries = DefaultRetries
	case p.retries < 0:
		p.retries = 0
	}
	return p, nil
}

// Publish sends event as JSON.
func (p *RedisPublisher) Publish(ctx context.Context, event *CommandEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "redis: marshal event")
	}

	var lastErr error
	attempts := 1 + p.retries
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "redis: context canceled")
		}

		if i > 0 {
			select {
			case <-ctx.Done():
				return errors.Wrap(ctx.Err(), "redis: context canceled during backoff")
			case <-time.After(p.backoff << uint(i-1)):
			}
		}

		publishCtx, cancel := context.WithTimeout(ctx, p.timeout)
		lastErr = p.client.Publish(publishCtx, p.channel, body).Err()
		cancel()
		if lastErr == nil {
			return nil
		}
	}

	return errors.Wrapf(lastErr, "redis: failed after %d attempts", attempts)
}

// Close releases the client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
