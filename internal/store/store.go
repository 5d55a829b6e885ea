// Copyright 2025 James Ross
// Package store persists event rows to Postgres. It is grounded on the
// teacher's exactly_once.SQLOutboxManager:
// same database/sql + lib/pq stack, same "open db, run migration SQL,
// ExecContext/QueryRowContext" shape, generalized from a generic outbox
// table to the event row this service owns end to end (no separate
// outbox relay — the ingest façade and processor write straight to this
// table, the migration runner is the only piece of tooling kept from
// that lineage).
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/event"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// ErrNotFound is returned when a lookup finds no matching row.
var ErrNotFound = errors.New("store: event not found")

// ErrDuplicateIdempotencyKey is returned when an insert collides with
// the unique idempotency_key index.
var ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")

// Store is the Postgres-backed event store.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and applies any unapplied migration files.
func Open(ctx context.Context, cfg config.Store) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		sqlBytes, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Insert writes a new event row with the given status.
func (s *Store) Insert(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("store: marshal payload: %w", err)
	}
	var metadata []byte
	if e.Metadata != nil {
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("store: marshal metadata: %w", err)
		}
	}

	var idemKey interface{}
	if e.IdempotencyKey != "" {
		idemKey = e.IdempotencyKey
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (id, user_id, event_type, timestamp, priority, payload, metadata, status, idempotency_key, retry_count, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.UserID, string(e.EventType), e.Timestamp, e.Priority, payload, nullableJSON(metadata), string(e.Status), idemKey, e.RetryCount, nullableString(e.LastError))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("store: insert: %w", err)
	}
	return nil
}

// MarkProcessed sets status=processed and processed_at=now for id.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'processed', processed_at = $2, updated_at = now() WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("store: mark processed: %w", err)
	}
	return checkRowsAffected(res)
}

// MarkFailed sets status=failed and records lastError for id. The ingest
// façade's emergency fallback does not use it: it inserts the row with
// status=failed directly.
func (s *Store) MarkFailed(ctx context.Context, id string, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = 'failed', last_error = $2, updated_at = now() WHERE id = $1
	`, id, lastError)
	if err != nil {
		return fmt.Errorf("store: mark failed: %w", err)
	}
	return checkRowsAffected(res)
}

// ByIdempotencyKey returns the event ID previously stored for key, or
// ErrNotFound if none exists.
func (s *Store) ByIdempotencyKey(ctx context.Context, key string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM events WHERE idempotency_key = $1`, key).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: lookup by idempotency key: %w", err)
	}
	return id, nil
}

// Status returns the lifecycle status for id.
func (s *Store) Status(ctx context.Context, id string) (event.Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM events WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: status: %w", err)
	}
	return event.Status(status), nil
}

// ProcessedBefore returns up to limit processed events with timestamp
// older than cutoff, oldest first, for the archiver to export.
func (s *Store) ProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, event_type, timestamp, priority, payload, status, retry_count
		FROM events
		WHERE status = 'processed' AND timestamp < $1
		ORDER BY timestamp ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query processed before: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var e event.Event
		var payload []byte
		var eventType, status string
		if err := rows.Scan(&e.ID, &e.UserID, &eventType, &e.Timestamp, &e.Priority, &payload, &status, &e.RetryCount); err != nil {
			return nil, fmt.Errorf("store: scan processed row: %w", err)
		}
		e.EventType = event.Type(eventType)
		e.Status = event.Status(status)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("store: unmarshal payload for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteArchived removes rows by id once the archiver has confirmed
// they are durably stored in long-term storage.
func (s *Store) DeleteArchived(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: delete archived: %w", err)
	}
	return nil
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "idx_events_idempotency_key") || strings.Contains(msg, "duplicate key value")
}
