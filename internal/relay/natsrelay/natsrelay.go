// Package natsrelay publishes capture events to a NATS subject per stream.
package natsrelay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/silvermint/livecap/internal/relay"
)

const defaultSubjectPrefix = "livecap.streams"

// Publisher sends relay events to "<prefix>.<stream id>".
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// New connects to the NATS server at url. prefix may be empty.
func New(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.Name("livecap-relay"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewWithConn(nc, prefix), nil
}

// NewWithConn wraps an existing connection. Ownership transfers to the
// publisher; Close drains it.
func NewWithConn(nc *nats.Conn, prefix string) *Publisher {
	p := strings.TrimSuffix(prefix, ".")
	if p == "" {
		p = defaultSubjectPrefix
	}
	return &Publisher{nc: nc, prefix: p}
}

func (p *Publisher) Publish(_ context.Context, e relay.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal relay event: %w", err)
	}
	return p.nc.Publish(p.prefix+"."+e.StreamID, data)
}

func (p *Publisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return err
	}
	return nil
}
