// Copyright 2025 James Ross
package ingest

import (
	"context"

	"github.com/flyingrobots/event-ingest/internal/broker"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/stream"
)

// BrokerAdapter pushes to the durable priority broker. AMQP publish
// confirms delivery to the exchange, not a server-assigned message
// id, so the event's own id stands in for queue_message_id.
type BrokerAdapter struct {
	Broker *broker.Broker
}

func (a *BrokerAdapter) Push(ctx context.Context, e *event.Event) (string, error) {
	if err := a.Broker.Publish(ctx, e); err != nil {
		return "", err
	}
	return e.ID.String(), nil
}

// StreamAdapter picks between the normal and high-priority streams by
// the event's own routing decision and returns the assigned entry id.
type StreamAdapter struct {
	Normal *stream.Stream
	High   *stream.Stream
}

func (a *StreamAdapter) Push(ctx context.Context, e *event.Event) (string, error) {
	target := a.Normal
	if e.IsHighPriority() {
		target = a.High
	}
	return target.Enqueue(ctx, e)
}
