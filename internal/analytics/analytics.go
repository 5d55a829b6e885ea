// Copyright 2025 James Ross
// Package analytics batches processed events into ClickHouse for
// downstream aggregation, using the usual clickhouse-go/v2
// connection and batch-insert shape (one insert attempt per flush, no
// retry), driven by a simple
// time/size flush trigger rather than an on-demand export call.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/metrics"
)

// Exporter batches processed events and flushes them to ClickHouse on
// a size or time trigger, whichever comes first.
type Exporter struct {
	cfg     config.Analytics
	db      *sql.DB
	log     *zap.Logger
	metrics *metrics.Sink

	mu      sync.Mutex
	batch   []event.Event
	flushAt time.Time

	maxBatch     int
	flushPeriod  time.Duration
}

// New connects to ClickHouse and ensures the events table exists.
func New(ctx context.Context, cfg config.Analytics, log *zap.Logger, sink *metrics.Sink) (*Exporter, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("analytics: exporter disabled")
	}
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.DSN},
		Auth: clickhouse.Auth{Database: cfg.Database},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression:     &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		DialTimeout:     30 * time.Second,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("analytics: ping clickhouse: %w", err)
	}

	e := &Exporter{cfg: cfg, db: conn, log: log, metrics: sink, maxBatch: 500, flushPeriod: 10 * time.Second}
	if err := e.ensureTable(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	e.flushAt = time.Now().Add(e.flushPeriod)
	return e, nil
}

func (e *Exporter) ensureTable(ctx context.Context) error {
	createSQL := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s.%s (
			id String,
			user_id String,
			event_type LowCardinality(String),
			timestamp DateTime64(3),
			priority Int32,
			status LowCardinality(String),
			retry_count UInt32,
			payload String,
			processed_at DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (event_type, timestamp, id)
		TTL timestamp + INTERVAL 1 YEAR DELETE
		SETTINGS index_granularity = 8192
	`, e.cfg.Database, e.cfg.Table)
	_, err := e.db.ExecContext(ctx, createSQL)
	if err != nil {
		return fmt.Errorf("analytics: ensure table: %w", err)
	}
	return nil
}

// Record adds a processed event to the in-memory batch, flushing
// immediately when the batch or time trigger fires.
func (e *Exporter) Record(ctx context.Context, ev *event.Event) error {
	e.mu.Lock()
	e.batch = append(e.batch, *ev)
	shouldFlush := len(e.batch) >= e.maxBatch || time.Now().After(e.flushAt)
	e.mu.Unlock()

	if shouldFlush {
		return e.Flush(ctx)
	}
	return nil
}

// Flush writes the current batch to ClickHouse and resets it.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	batch := e.batch
	e.batch = nil
	e.flushAt = time.Now().Add(e.flushPeriod)
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	if err := e.insertBatch(ctx, batch); err != nil {
		e.metrics.Increment("analytics_flush_errors_total", nil, 1)
		return err
	}
	e.metrics.Histogram("analytics_flush_duration_seconds", nil, time.Since(start).Seconds())
	e.metrics.Increment("analytics_events_exported_total", nil, float64(len(batch)))
	return nil
}

func (e *Exporter) insertBatch(ctx context.Context, batch []event.Event) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin tx: %w", err)
	}
	defer tx.Rollback()

	insertSQL := fmt.Sprintf(`
		INSERT INTO %s.%s (id, user_id, event_type, timestamp, priority, status, retry_count, payload, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.cfg.Database, e.cfg.Table)
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("analytics: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range batch {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			e.log.Warn("analytics: marshal payload failed, skipping event", zap.String("event_id", ev.ID.String()), zap.Error(err))
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID.String(), ev.UserID.String(), string(ev.EventType), ev.Timestamp,
			ev.Priority, string(ev.Status), ev.RetryCount, string(payload), time.Now(),
		); err != nil {
			return fmt.Errorf("analytics: insert event %s: %w", ev.ID, err)
		}
	}

	return tx.Commit()
}

func (e *Exporter) Close() error { return e.db.Close() }
