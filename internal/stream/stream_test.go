// Copyright 2025 James Ross
package stream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/metrics"
)

type fakeDLQ struct {
	reasons []string
}

func (f *fakeDLQ) SendToDLQ(ctx context.Context, raw []byte, reason string) error {
	f.reasons = append(f.reasons, reason)
	return nil
}

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := New(context.Background(), client, Config{
		Name: "events_stream", ConsumerGroup: "event_processors", ConsumerName: "c1",
		MaxLen: 1000, BlockTimeout: 10 * time.Millisecond, BatchSize: 10, ClaimIdle: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestEnqueueAndRead(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	e := event.Event{EventType: event.TypeClick}
	e.ApplyDefaults()
	if err := e.AssignID(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, &e); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Event.ID != e.ID {
		t.Fatalf("expected id %v, got %v", e.ID, entries[0].Event.ID)
	}
}

func TestAckRemovesFromPending(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()

	e := event.Event{EventType: event.TypeClick}
	e.ApplyDefaults()
	if err := e.AssignID(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(ctx, &e); err != nil {
		t.Fatal(err)
	}
	entries, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if err := s.Ack(ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.name, Group: s.consumerGroup, Start: "-", End: "+", Count: 10,
	}).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries after ack, got %d", len(pending))
	}
}

func TestLengthReflectsEnqueued(t *testing.T) {
	s := newTestStream(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		e := event.Event{EventType: event.TypeClick}
		e.ApplyDefaults()
		if err := e.AssignID(); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Enqueue(ctx, &e); err != nil {
			t.Fatal(err)
		}
	}
	n, err := s.Length(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("expected 3, got %d", n)
	}
}

func TestReadDeadLettersAndAcksUndecodableEntry(t *testing.T) {
	s := newTestStream(t)
	dlq := &fakeDLQ{}
	s.WithDeadLetter(dlq, metrics.New(prometheus.NewRegistry()))
	ctx := context.Background()

	if _, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		ID:     "*",
		Values: map[string]interface{}{"event": `{not valid json`},
	}).Result(); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected the malformed entry to be dropped, got %d entries", len(entries))
	}
	if len(dlq.reasons) != 1 {
		t.Fatalf("expected one dead-letter write, got %d", len(dlq.reasons))
	}

	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.name, Group: s.consumerGroup, Start: "-", End: "+", Count: 10,
	}).Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected the malformed entry to be acked, but %d still pending", len(pending))
	}
}

func TestReadDeadLettersMissingEventField(t *testing.T) {
	s := newTestStream(t)
	dlq := &fakeDLQ{}
	s.WithDeadLetter(dlq, metrics.New(prometheus.NewRegistry()))
	ctx := context.Background()

	if _, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.name,
		ID:     "*",
		Values: map[string]interface{}{"other_field": "x"},
	}).Result(); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected the entry missing its event field to be dropped, got %d entries", len(entries))
	}
	if len(dlq.reasons) != 1 {
		t.Fatalf("expected one dead-letter write, got %d", len(dlq.reasons))
	}
}
