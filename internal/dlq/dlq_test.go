// Copyright 2025 James Ross
package dlq

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
)

func newTestManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &Manager{
		rdb: rdb,
		log: zap.NewNop(),
		cfg: config.DLQ{BackupListLimit: 10, BackupFilePath: filepath.Join(t.TempDir(), "dlq_backup.log")},
	}, mr
}

func TestSendToKVBackupAppendsRecord(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.sendToKVBackup(ctx, "events.normal", []byte(`{"id":"1"}`), "boom", 1); err != nil {
		t.Fatal(err)
	}
	if m.Stats().BackupCount != 1 {
		t.Fatalf("expected 1 backup record, got %d", m.Stats().BackupCount)
	}

	n, err := m.rdb.LLen(ctx, "events:dlq:backup").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 entry in backup list, got %d", n)
	}
}

func TestSendToFileBackupWritesJSONLine(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.sendToFileBackup("events.normal", []byte(`{"id":"1"}`), "boom", 2); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(m.cfg.BackupFilePath)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty backup file")
	}
}

func TestPeekReturnsRecordsWithoutRemovingThem(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if err := m.sendToKVBackup(ctx, "events.normal", []byte(`{"id":"1"}`), "boom", 1); err != nil {
		t.Fatal(err)
	}
	if err := m.sendToKVBackup(ctx, "events.high_priority", []byte(`{"id":"2"}`), "bang", 2); err != nil {
		t.Fatal(err)
	}

	records, err := m.Peek(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].OriginalQueue != "events.high_priority" {
		t.Fatalf("expected newest-first ordering, got %q first", records[0].OriginalQueue)
	}

	n, err := m.rdb.LLen(ctx, "events:dlq:backup").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected peek to leave the backup list untouched, got %d entries", n)
	}
}

func TestPeekLimitsToN(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := m.sendToKVBackup(ctx, "events.normal", []byte(`{"id":"1"}`), "boom", 1); err != nil {
			t.Fatal(err)
		}
	}

	records, err := m.Peek(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected Peek to cap at n=2, got %d", len(records))
	}
}

func TestBackupListTrimsToLimit(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		if err := m.sendToKVBackup(ctx, "events.normal", []byte(`{"id":"1"}`), "boom", 1); err != nil {
			t.Fatal(err)
		}
	}
	n, err := m.rdb.LLen(ctx, "events:dlq:backup").Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(m.cfg.BackupListLimit) {
		t.Fatalf("expected trimmed to %d, got %d", m.cfg.BackupListLimit, n)
	}
}
