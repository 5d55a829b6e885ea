// Copyright 2025 James Ross
// Package stream adapts the log-structured consumer-group back-end
// on top of Redis Streams. It is a generalization of
// storage-backends.RedisStreamsBackend: that type models an abstract,
// pluggable QueueBackend with a registry of implementations, while this
// package is specific to the three named event streams and never reuses
// broker-assigned entry IDs for retries — retry bookkeeping lives in
// internal/retry against the event's own ID.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flyingrobots/event-ingest/internal/event"
	"github.com/flyingrobots/event-ingest/internal/metrics"
)

// DeadLetterer is the narrow sink a Stream sends malformed, un-decodable
// entries to so a parse failure never sits in the pending entries list
// forever. stream.Stream doesn't need the retry-queue side of the
// interface: a message that failed to decode once will fail again.
type DeadLetterer interface {
	SendToDLQ(ctx context.Context, raw []byte, reason string) error
}

// Entry pairs a decoded event with the stream entry ID it arrived on,
// which the caller needs only to Ack/Claim — never to derive retry state.
type Entry struct {
	ID    string
	Event event.Event
}

// Stream wraps a Redis client bound to one stream name and consumer
// group.
type Stream struct {
	client        *redis.Client
	name          string
	consumerGroup string
	consumerName  string
	maxLen        int64
	blockTimeout  time.Duration
	batchSize     int64
	claimIdle     time.Duration

	dlq     DeadLetterer
	metrics *metrics.Sink
}

type Config struct {
	Name          string
	ConsumerGroup string
	ConsumerName  string
	MaxLen        int64
	BlockTimeout  time.Duration
	BatchSize     int64
	ClaimIdle     time.Duration
}

// New returns a Stream and ensures its consumer group exists, creating
// the stream key together with the group (MKSTREAM) if necessary — plain
// XGROUP CREATE fails against a key that does not exist yet.
func New(ctx context.Context, client *redis.Client, cfg Config) (*Stream, error) {
	s := &Stream{
		client:        client,
		name:          cfg.Name,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
		maxLen:        cfg.MaxLen,
		blockTimeout:  cfg.BlockTimeout,
		batchSize:     cfg.BatchSize,
		claimIdle:     cfg.ClaimIdle,
	}
	if err := s.ensureConsumerGroup(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// WithDeadLetter attaches a dead-letter sink so entries that fail to
// decode are ACKed and forwarded instead of silently stuck in the
// pending entries list forever. Returns s for chaining.
func (s *Stream) WithDeadLetter(dlq DeadLetterer, sink *metrics.Sink) *Stream {
	s.dlq = dlq
	s.metrics = sink
	return s
}

func (s *Stream) ensureConsumerGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.name, s.consumerGroup, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("stream: create consumer group %s on %s: %w", s.consumerGroup, s.name, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// Enqueue appends e to the stream, trimmed approximately to maxLen, and
// returns the assigned entry ID.
func (s *Stream) Enqueue(ctx context.Context, e *event.Event) (string, error) {
	body, err := e.Marshal()
	if err != nil {
		return "", fmt.Errorf("stream: marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.name,
		ID:     "*",
		Values: map[string]interface{}{"event": string(body)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("stream: xadd to %s: %w", s.name, err)
	}
	return id, nil
}

// Read claims idle pending entries first, then blocks for up to
// blockTimeout for new entries.
func (s *Stream) Read(ctx context.Context) ([]Entry, error) {
	claimed, err := s.claimPending(ctx)
	if err != nil {
		return nil, err
	}
	if len(claimed) > 0 {
		return claimed, nil
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.consumerGroup,
		Consumer: s.consumerName,
		Streams:  []string{s.name, ">"},
		Count:    s.batchSize,
		Block:    s.blockTimeout,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("stream: xreadgroup on %s: %w", s.name, err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	return s.decodeMessages(ctx, res[0].Messages)
}

func (s *Stream) claimPending(ctx context.Context) ([]Entry, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.name,
		Group:  s.consumerGroup,
		Start:  "-",
		End:    "+",
		Count:  s.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stream: xpending on %s: %w", s.name, err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= s.claimIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.name,
		Group:    s.consumerGroup,
		Consumer: s.consumerName,
		MinIdle:  s.claimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stream: xclaim on %s: %w", s.name, err)
	}
	return s.decodeMessages(ctx, msgs)
}

// decodeMessages parses each message's "event" field. A message that is
// missing the field or fails to unmarshal is ACKed and forwarded to the
// dead-letter sink instead of being dropped: left unacked, claimPending
// would just keep re-claiming and re-dropping the same entry forever.
func (s *Stream) decodeMessages(ctx context.Context, msgs []redis.XMessage) ([]Entry, error) {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			s.rejectUndecodable(ctx, m, []byte(fmt.Sprintf("%v", m.Values["event"])), "missing event field")
			continue
		}
		e, err := event.Unmarshal([]byte(raw))
		if err != nil {
			s.rejectUndecodable(ctx, m, []byte(raw), fmt.Sprintf("invalid event JSON: %v", err))
			continue
		}
		entries = append(entries, Entry{ID: m.ID, Event: e})
	}
	return entries, nil
}

func (s *Stream) rejectUndecodable(ctx context.Context, m redis.XMessage, raw []byte, reason string) {
	if s.metrics != nil {
		s.metrics.Increment("stream_decode_errors_total", map[string]string{"stream": s.name}, 1)
	}
	if s.dlq != nil {
		if err := s.dlq.SendToDLQ(ctx, raw, reason); err != nil {
			return
		}
	}
	_ = s.client.XAck(ctx, s.name, s.consumerGroup, m.ID).Err()
}

// Ack acknowledges entryID, removing it from the pending entries list.
func (s *Stream) Ack(ctx context.Context, entryID string) error {
	return s.client.XAck(ctx, s.name, s.consumerGroup, entryID).Err()
}

// Length returns the approximate number of entries currently in the stream.
func (s *Stream) Length(ctx context.Context) (int64, error) {
	info, err := s.client.XInfoStream(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("stream: xinfo stream %s: %w", s.name, err)
	}
	return info.Length, nil
}
