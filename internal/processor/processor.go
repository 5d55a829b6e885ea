// Copyright 2025 James Ross
// Package processor implements process_event: the idempotent
// store-and-dispatch step that runs once an event has been drained off
// a back-end (dequeue outcome -> domain work -> bookkeeping -> metrics),
// dispatching to a real per-event-type handler registry instead of a
// single simulated processing step.
package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/idempotency"
	"github.com/flyingrobots/event-ingest/internal/metrics"
	"github.com/flyingrobots/event-ingest/internal/store"
)

// Handler is the polymorphic unit registered against an event type.
// Handler failure is recorded and does not abort processing.
type Handler interface {
	Handle(ctx context.Context, e *event.Event) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, e *event.Event) error

func (f HandlerFunc) Handle(ctx context.Context, e *event.Event) error { return f(ctx, e) }

// Registry maps event_type to an ordered list of handlers. It is
// built once at startup and never mutated afterward.
type Registry struct {
	handlers map[event.Type][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[event.Type][]Handler)}
}

// Register appends h to the ordered handler list for t.
func (r *Registry) Register(t event.Type, h Handler) {
	r.handlers[t] = append(r.handlers[t], h)
}

func (r *Registry) For(t event.Type) []Handler {
	return r.handlers[t]
}

// EventStore is the subset of store.Store process_event depends on.
type EventStore interface {
	Insert(ctx context.Context, e *event.Event) error
	MarkProcessed(ctx context.Context, id string) error
}

var _ EventStore = (*store.Store)(nil)

// Processor runs process_event against a fixed handler registry.
type Processor struct {
	registry *Registry
	store    EventStore
	idem     idempotency.Checker
	metrics  *metrics.Sink
	log      *zap.Logger
}

func New(registry *Registry, st EventStore, idem idempotency.Checker, sink *metrics.Sink, log *zap.Logger) *Processor {
	return &Processor{registry: registry, store: st, idem: idem, metrics: sink, log: log}
}

// Process runs the idempotent store-and-dispatch sequence for e.
// source labels the metric emitted at the end (e.g. "broker" or "stream").
func (p *Processor) Process(ctx context.Context, e *event.Event, source string) error {
	start := time.Now()

	if e.IdempotencyKey != "" {
		reserved, err := p.idem.CheckAndReserve(ctx, e.IdempotencyKey, 24*time.Hour)
		if err != nil {
			return err
		}
		if !reserved {
			p.emitMetrics(e, source, "duplicate", start)
			return nil
		}
	}

	e.Status = event.StatusProcessing
	if err := p.store.Insert(ctx, e); err != nil {
		if err == store.ErrDuplicateIdempotencyKey {
			p.emitMetrics(e, source, "duplicate", start)
			return nil
		}
		p.emitMetrics(e, source, "error", start)
		return err
	}

	p.dispatch(ctx, e)

	now := time.Now()
	e.ProcessedAt = &now
	e.Status = event.StatusProcessed
	if err := p.store.MarkProcessed(ctx, e.ID.String()); err != nil {
		p.emitMetrics(e, source, "error", start)
		return err
	}

	if e.IdempotencyKey != "" {
		if err := p.idem.Confirm(ctx, e.IdempotencyKey); err != nil {
			p.log.Warn("processor: confirm idempotency key failed", zap.Error(err))
		}
	}

	p.emitMetrics(e, source, "processed", start)
	return nil
}

// dispatch fans out to every handler registered for e's type. A
// handler error is logged and counted but never aborts processing.
func (p *Processor) dispatch(ctx context.Context, e *event.Event) {
	for _, h := range p.registry.For(e.EventType) {
		if err := h.Handle(ctx, e); err != nil {
			p.metrics.Increment("event_handler_errors_total", map[string]string{"event_type": string(e.EventType)}, 1)
			p.log.Warn("processor: handler failed", zap.String("event_id", e.ID.String()), zap.String("event_type", string(e.EventType)), zap.Error(err))
		}
	}
}

func (p *Processor) emitMetrics(e *event.Event, source, status string, start time.Time) {
	p.metrics.Histogram("event_processing_duration_seconds", map[string]string{
		"event_type": string(e.EventType), "priority": priorityBucket(e.Priority), "source": source,
	}, time.Since(start).Seconds())
	p.metrics.Increment("event_processed_total", map[string]string{
		"type": string(e.EventType), "status": status, "source": source,
	}, 1)
}

func priorityBucket(priority int) string {
	if priority >= 8 {
		return "high"
	}
	return "normal"
}
