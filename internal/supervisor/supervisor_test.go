// Copyright 2025 James Ross
package supervisor

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/metrics"
	"github.com/flyingrobots/event-ingest/internal/processor"
	"github.com/flyingrobots/event-ingest/internal/stream"
)

type fakeSource struct {
	batches [][]stream.Entry
	next    int32
	acked   []string
}

func (f *fakeSource) Read(ctx context.Context) ([]stream.Entry, error) {
	i := int(atomic.AddInt32(&f.next, 1)) - 1
	if i >= len(f.batches) {
		return nil, nil
	}
	return f.batches[i], nil
}

func (f *fakeSource) Ack(ctx context.Context, entryID string) error {
	f.acked = append(f.acked, entryID)
	return nil
}

func (f *fakeSource) Enqueue(ctx context.Context, e *event.Event) (string, error) {
	return e.ID.String(), nil
}

type fakeStore struct{ processed int }

func (f *fakeStore) Insert(ctx context.Context, e *event.Event) error { return nil }
func (f *fakeStore) MarkProcessed(ctx context.Context, id string) error {
	f.processed++
	return nil
}

type fakeChecker struct{}

func (fakeChecker) CheckAndReserve(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (fakeChecker) Release(ctx context.Context, eventID string) error { return nil }
func (fakeChecker) Confirm(ctx context.Context, eventID string) error { return nil }

func newEntry(t *testing.T) stream.Entry {
	t.Helper()
	e := event.Event{EventType: event.TypeClick}
	e.ApplyDefaults()
	if err := e.AssignID(); err != nil {
		t.Fatal(err)
	}
	return stream.Entry{ID: e.ID.String(), Event: e}
}

func TestRunProcessesAllBatchesThenExitsOnCancel(t *testing.T) {
	entry1, entry2 := newEntry(t), newEntry(t)
	src := &fakeSource{batches: [][]stream.Entry{{entry1}, {entry2}}}
	st := &fakeStore{}
	registry := processor.NewRegistry()
	proc := processor.New(registry, st, fakeChecker{}, metrics.New(prometheus.NewRegistry()), zap.NewNop())

	cfg := config.Supervisor{BatchSize: 10, PollSleep: time.Millisecond, MaxPollSleep: 10 * time.Millisecond, StatsLogEveryN: 1000}
	sup := New(cfg, src, proc, "stream", zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatal(err)
	}
	if st.processed < 2 {
		t.Fatalf("expected both entries processed, got %d", st.processed)
	}
	if len(src.acked) < 2 {
		t.Fatalf("expected both entries acked, got %d", len(src.acked))
	}
}

func TestShouldExitOnMaxUptime(t *testing.T) {
	cfg := config.Supervisor{MaxUptime: time.Millisecond}
	sup := New(cfg, &fakeSource{}, nil, "stream", zap.NewNop())
	sup.startedAt = time.Now().Add(-time.Hour)
	if reason := sup.shouldExit(); reason == "" {
		t.Fatal("expected max uptime to trigger exit")
	}
}

func TestShouldExitOnRestartFlag(t *testing.T) {
	path := t.TempDir() + "/restart"
	if err := os.WriteFile(path, []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Supervisor{RestartFlagPath: path}
	sup := New(cfg, &fakeSource{}, nil, "stream", zap.NewNop())
	if reason := sup.shouldExit(); reason == "" {
		t.Fatal("expected restart flag to trigger exit")
	}
	if _, err := os.Stat(path); err == nil {
		t.Fatal("expected restart flag file to be consumed (deleted)")
	}
}
