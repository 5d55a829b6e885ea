// Copyright 2025 James Ross
// Package dlq implements the multi-tier dead-letter fallback:
// broker DLX, then a Redis backup list, then a local file.
// To avoid a cyclic ownership dependency on the consumer's channel,
// Manager opens its own AMQP
// connection instead of sharing the broker adapter's channel, so DLQ
// writes keep working when the consumer's channel is cancelled. The
// retry queue's delayed-redelivery mechanism is grounded on the same
// DLX/TTL idiom the Tim275-oms broker package uses for its own DLQs.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
)

const (
	backupListDefaultLimit = 10_000
	restoreBatchSize       = 100
)

// Stats reports the dead-letter tier message counters.
type Stats struct {
	DLQCount     int64 `json:"dlq_count"`
	RetryCount   int64 `json:"retry_count"`
	BackupCount  int64 `json:"backup_count"`
}

// Manager sends events to the dead-letter exchange, falling back to a
// Redis list and finally a local file when the broker is unreachable.
type Manager struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	rdb   *redis.Client
	log   *zap.Logger
	cfg   config.DLQ

	mu          sync.Mutex
	dlqCount    int64
	retryCount  int64
	backupCount int64
}

func New(ctx context.Context, brokerCfg config.Broker, dlqCfg config.DLQ, rdb *redis.Client, log *zap.Logger) (*Manager, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/%s", brokerCfg.User, brokerCfg.Password, brokerCfg.Host, brokerCfg.Port, brokerCfg.VHost)
	conn, err := amqp.DialConfig(address, amqp.Config{
		Heartbeat: brokerCfg.HeartbeatSec,
		Dial:      amqp.DefaultDial(brokerCfg.ConnectTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("dlq: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dlq: open channel: %w", err)
	}
	if dlqCfg.BackupListLimit <= 0 {
		dlqCfg.BackupListLimit = backupListDefaultLimit
	}
	return &Manager{conn: conn, ch: ch, rdb: rdb, log: log, cfg: dlqCfg}, nil
}

func (m *Manager) Close() error {
	if err := m.ch.Close(); err != nil {
		m.conn.Close()
		return err
	}
	return m.conn.Close()
}

type BackupRecord struct {
	OriginalQueue string    `json:"original_queue"`
	Body          string    `json:"body"`
	Error         string    `json:"error"`
	RetryCount    int       `json:"retry_count"`
	FailedAt      time.Time `json:"failed_at"`
}

// SendToDLQ publishes to the dead-letter exchange with routing key
// "dead", falling back to the Redis backup list and then a file on the
// two successive failure tiers.
func (m *Manager) SendToDLQ(ctx context.Context, body []byte, reason string) error {
	return m.sendToDLQFull(ctx, "", body, reason, 0)
}

func (m *Manager) sendToDLQFull(ctx context.Context, originalQueue string, body []byte, reason string, retryCount int) error {
	err := m.ch.PublishWithContext(ctx, "events.dlx", "dead", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Headers: amqp.Table{
			"x-original-queue": originalQueue,
			"x-error":          reason,
			"x-retry-count":    int32(retryCount),
		},
	})
	if err == nil {
		m.mu.Lock()
		m.dlqCount++
		m.mu.Unlock()
		return nil
	}

	m.log.Warn("dlq: broker publish failed, falling back to kv backup", zap.Error(err))
	if kvErr := m.sendToKVBackup(ctx, originalQueue, body, reason, retryCount); kvErr != nil {
		m.log.Warn("dlq: kv backup failed, falling back to file", zap.Error(kvErr))
		return m.sendToFileBackup(originalQueue, body, reason, retryCount)
	}
	return nil
}

func (m *Manager) sendToKVBackup(ctx context.Context, originalQueue string, body []byte, reason string, retryCount int) error {
	rec := BackupRecord{OriginalQueue: originalQueue, Body: string(body), Error: reason, RetryCount: retryCount, FailedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dlq: marshal backup record: %w", err)
	}
	pipe := m.rdb.TxPipeline()
	pipe.LPush(ctx, "events:dlq:backup", data)
	pipe.LTrim(ctx, "events:dlq:backup", 0, m.cfg.BackupListLimit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("dlq: lpush backup: %w", err)
	}
	m.mu.Lock()
	m.backupCount++
	m.mu.Unlock()
	return nil
}

func (m *Manager) sendToFileBackup(originalQueue string, body []byte, reason string, retryCount int) error {
	path := m.cfg.BackupFilePath
	if path == "" {
		path = "dlq_backup.log"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("dlq: open backup file: %w", err)
	}
	defer f.Close()

	rec := BackupRecord{OriginalQueue: originalQueue, Body: string(body), Error: reason, RetryCount: retryCount, FailedAt: time.Now()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dlq: marshal backup record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("dlq: write backup file: %w", err)
	}
	m.mu.Lock()
	m.backupCount++
	m.mu.Unlock()
	return nil
}

// SendToRetryQueue publishes to the retry exchange with a per-message TTL
// equal to the computed backoff delay. The retry queue it lands in is
// selected by originalQueue so that, on TTL expiry, its own
// x-dead-letter-routing-key sends the message back to that same queue
// rather than losing the high/normal distinction.
func (m *Manager) SendToRetryQueue(ctx context.Context, originalQueue string, body []byte, retryCount int, delay time.Duration) error {
	err := m.ch.PublishWithContext(ctx, "events.dlx", retryRoutingKeyFor(originalQueue), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Expiration:   fmt.Sprintf("%d", delay.Milliseconds()),
		Headers: amqp.Table{
			"x-original-queue": originalQueue,
			"x-retry-count":    int32(retryCount),
		},
	})
	if err != nil {
		return fmt.Errorf("dlq: send to retry queue: %w", err)
	}
	m.mu.Lock()
	m.retryCount++
	m.mu.Unlock()
	return nil
}

// retryRoutingKeyFor maps a broker priority queue name to the retry
// queue bound to dead-letter back into it once its message expires.
func retryRoutingKeyFor(originalQueue string) string {
	if originalQueue == "events.high_priority" {
		return "retry.high"
	}
	return "retry.normal"
}

// RestoreFromBackup pops up to 100 messages from the KV backup list and
// republishes them to the broker DLQ.
func (m *Manager) RestoreFromBackup(ctx context.Context) (int, error) {
	restored := 0
	for i := 0; i < restoreBatchSize; i++ {
		data, err := m.rdb.RPop(ctx, "events:dlq:backup").Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return restored, fmt.Errorf("dlq: rpop backup: %w", err)
		}
		var rec BackupRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		if err := m.sendToDLQFull(ctx, rec.OriginalQueue, []byte(rec.Body), rec.Error, rec.RetryCount); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// Peek returns up to n records from the KV backup list without removing
// them, ordered newest-first. Unlike RestoreFromBackup it never mutates
// the list, so it is safe to call from an inspection tool.
func (m *Manager) Peek(ctx context.Context, n int) ([]BackupRecord, error) {
	if n <= 0 {
		n = 1
	}
	raw, err := m.rdb.LRange(ctx, "events:dlq:backup", 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: lrange backup: %w", err)
	}
	records := make([]BackupRecord, 0, len(raw))
	for _, data := range raw {
		var rec BackupRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Stats returns current DLQ/retry/backup counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{DLQCount: m.dlqCount, RetryCount: m.retryCount, BackupCount: m.backupCount}
}
