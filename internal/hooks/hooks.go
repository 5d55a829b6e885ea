// Copyright 2025 James Ross
// Package hooks republishes processed events onto NATS for decoupled
// downstream consumers, grounded on eventhooks.NATSPublisher: same
// nats.go connection + JetStream publish shape, narrowed from that
// package's subscription/filter registry down to a single
// "events.<event_type>" fan-out subject, since individual business
// handlers are out of scope for this service.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/event"
)

// Publisher fans every processed event out to NATS.
type Publisher struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  *zap.Logger
}

func New(natsURL string, log *zap.Logger) (*Publisher, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("hooks: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("hooks: jetstream context: %w", err)
	}
	return &Publisher{conn: conn, js: js, log: log}, nil
}

func (p *Publisher) Close() { p.conn.Close() }

// Handle implements the processor's Handler signature, so it can be
// registered like any other event_type handler.
func (p *Publisher) Handle(ctx context.Context, e *event.Event) error {
	subject := fmt.Sprintf("events.%s", e.EventType)
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("hooks: marshal event: %w", err)
	}
	msg := &nats.Msg{Subject: subject, Data: payload, Header: make(nats.Header)}
	msg.Header.Set("Event-ID", e.ID.String())
	msg.Header.Set("Event-Type", string(e.EventType))

	if _, err := p.js.PublishMsg(msg); err != nil {
		p.log.Warn("hooks: publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("hooks: publish: %w", err)
	}
	return nil
}
