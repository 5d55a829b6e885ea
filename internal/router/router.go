// Copyright 2025 James Ross
// Package router classifies events as high or normal priority and hands
// back which back-end should carry them.
package router

import (
	"context"
	"time"

	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/metrics"
)

// Backend names the two heterogeneous queue back-ends an event can land on.
type Backend string

const (
	BackendBroker Backend = "broker"
	BackendStream Backend = "stream"
)

// highPriorityTypes are always routed to the broker regardless of their
// numeric priority.
var highPriorityTypes = map[event.Type]bool{
	event.TypePurchase:     true,
	event.TypeSubscription: true,
	event.TypePayment:      true,
	"refund":               true,
	"credit_card_added":    true,
}

// highPurchaseAmount is the payload.amount threshold at or above which a purchase
// event is high priority even with a low explicit priority. Some upstream
// callers expect 1000 here; 100 is intentional and not a bug to "fix".
const highPurchaseAmount = 100.0

// Route returns the back-end an event must be published to. High-priority
// events (priority >= 8) never land on the stream.
func Route(ctx context.Context, e *event.Event) Backend {
	start := time.Now()
	defer func() {
		metrics.Default.Histogram("routing_duration_seconds", map[string]string{}, time.Since(start).Seconds())
	}()

	backend := BackendStream
	if isHighPriority(e) {
		backend = BackendBroker
	}

	metrics.Default.Increment("events_routed_total", map[string]string{
		"priority":   priorityLabel(backend),
		"event_type": string(e.EventType),
	}, 1)

	return backend
}

func isHighPriority(e *event.Event) bool {
	if highPriorityTypes[e.EventType] {
		return true
	}
	if e.Priority >= 8 {
		return true
	}
	if e.EventType == event.TypePurchase {
		if amount, ok := e.Payload["amount"]; ok {
			if f, ok := toFloat(amount); ok && f >= highPurchaseAmount {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func priorityLabel(b Backend) string {
	if b == BackendBroker {
		return "high"
	}
	return "normal"
}
