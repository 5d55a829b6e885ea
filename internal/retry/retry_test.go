// Copyright 2025 James Ross
package retry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 5, 1*time.Second, 2, 60*time.Second, 0.2, time.Hour)
}

func TestIncrementCounts(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		n, err := m.Increment(ctx, "evt-1")
		if err != nil {
			t.Fatal(err)
		}
		if n != i {
			t.Fatalf("expected %d, got %d", i, n)
		}
	}
}

func TestExhausted(t *testing.T) {
	m := newTestManager(t)
	if m.Exhausted(4) {
		t.Fatal("4 should not be exhausted with max 5")
	}
	if !m.Exhausted(5) {
		t.Fatal("5 should be exhausted with max 5")
	}
}

func TestNextDelayGrowsAndCaps(t *testing.T) {
	m := newTestManager(t)
	d1 := m.NextDelay(1)
	d5 := m.NextDelay(5)
	if d1 <= 0 {
		t.Fatal("expected positive delay")
	}
	if d5 <= d1 {
		t.Fatalf("expected delay to grow, got d1=%v d5=%v", d1, d5)
	}
	if d5 > m.maxDelay {
		t.Fatalf("expected delay capped at %v, got %v", m.maxDelay, d5)
	}
}

func TestResetClearsCounter(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	if _, err := m.Increment(ctx, "evt-1"); err != nil {
		t.Fatal(err)
	}
	if err := m.Reset(ctx, "evt-1"); err != nil {
		t.Fatal(err)
	}
	n, err := m.Attempts(ctx, "evt-1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 after reset, got %d", n)
	}
}
