package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSPublisher publishes events to a NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATSPublisher publishes on nc. The caller keeps ownership of nc.
func NewNATSPublisher(nc *nats.Conn, subject string) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{nc: nc, subject: subject}
}

// DialNATS connects to cfg.URL and returns a publisher that closes the
// connection on Close.
func DialNATS(cfg Config) (*NATSPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("nats publisher requires a URL")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("remote-agent"), nats.Timeout(timeout))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to nats %s", cfg.URL)
	}

	p := NewNATSPublisher(nc, cfg.Subject)
	p.owned = true
	return p, nil
}

// Publish sends event as JSON.
func (p *NATSPublisher) Publish(ctx context.Context, event *CommandEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "nats: marshal event")
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return errors.Wrapf(err, "nats: publish to %s", p.subject)
	}
	return nil
}

// Close flushes pending events and closes the connection if the publisher
// opened it.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	err := p.nc.Flush()
	p.nc.Close()
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return errors.Wrap(err, "nats: flush")
	}
	return nil
}
