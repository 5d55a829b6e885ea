// Copyright 2025 James Ross
package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/metrics"
	"github.com/flyingrobots/event-ingest/internal/processor"
	"github.com/flyingrobots/event-ingest/internal/retry"
	"github.com/flyingrobots/event-ingest/internal/stream"
)

type failingSource struct {
	fakeSource
	enqueued []event.Event
}

func (f *failingSource) Enqueue(ctx context.Context, e *event.Event) (string, error) {
	f.enqueued = append(f.enqueued, *e)
	return e.ID.String(), nil
}

type recordingDLQ struct {
	reasons []string
}

func (d *recordingDLQ) SendToDLQ(ctx context.Context, raw []byte, reason string) error {
	d.reasons = append(d.reasons, reason)
	return nil
}

func newTestRetryManager(t *testing.T) *retry.Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return retry.New(client, 2, time.Millisecond, 2.0, 5*time.Millisecond, 0, time.Minute)
}

func TestHandleFailureReenqueuesBeforeExhausted(t *testing.T) {
	src := &failingSource{}
	dlq := &recordingDLQ{}
	registry := processor.NewRegistry()
	st := &fakeStore{}
	proc := processor.New(registry, st, fakeChecker{}, metrics.New(prometheus.NewRegistry()), zap.NewNop())

	sup := New(config.Supervisor{}, src, proc, "stream", zap.NewNop())
	sup.WithRetry(newTestRetryManager(t), dlq)

	entry := stream.Entry{ID: "1-0", Event: mustEvent(t)}
	sup.handleFailure(context.Background(), entry, errors.New("boom"))
	sup.retryWG.Wait()

	if len(src.enqueued) != 1 {
		t.Fatalf("expected entry re-enqueued once, got %d", len(src.enqueued))
	}
	if len(dlq.reasons) != 0 {
		t.Fatalf("expected no dead-letter write before exhaustion, got %v", dlq.reasons)
	}
	if len(src.acked) != 1 {
		t.Fatalf("expected original entry acked after re-enqueue, got %d", len(src.acked))
	}
}

func TestHandleFailureDeadLettersOnceExhausted(t *testing.T) {
	src := &failingSource{}
	dlq := &recordingDLQ{}
	registry := processor.NewRegistry()
	st := &fakeStore{}
	proc := processor.New(registry, st, fakeChecker{}, metrics.New(prometheus.NewRegistry()), zap.NewNop())

	sup := New(config.Supervisor{}, src, proc, "stream", zap.NewNop())
	sup.WithRetry(newTestRetryManager(t), dlq)

	entry := stream.Entry{ID: "1-0", Event: mustEvent(t)}
	sup.handleFailure(context.Background(), entry, errors.New("boom"))
	sup.retryWG.Wait()
	sup.handleFailure(context.Background(), entry, errors.New("boom again"))
	sup.retryWG.Wait()

	if len(dlq.reasons) != 1 {
		t.Fatalf("expected exactly one dead-letter write once retries exhausted, got %v", dlq.reasons)
	}
	if len(src.acked) != 2 {
		t.Fatalf("expected both attempts to ack the entry, got %d", len(src.acked))
	}
}

func mustEvent(t *testing.T) event.Event {
	t.Helper()
	e := event.Event{EventType: event.TypeClick}
	e.ApplyDefaults()
	if err := e.AssignID(); err != nil {
		t.Fatal(err)
	}
	return e
}

