// Copyright 2025 James Ross
// Package broker adapts the durable priority queue back-end
// on top of RabbitMQ. Topology setup, the DLX wiring, and the retry-count
// header convention are grounded on the common/broker package in the
// Tim275-oms reference repo, generalized from its fixed order.* exchanges
// to the two-priority events topology this service needs.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/flyingrobots/event-ingest/internal/config"
	"github.com/flyingrobots/event-ingest/internal/event"
)

const (
	exchangeEvents = "events"
	exchangeDLX    = "events.dlx"

	queueHighPriority = "events.high_priority"
	queueNormal       = "events.normal"
	queueDeadLetter   = "events.dead_letter"
	queueRetryHigh    = "events.retry.high"
	queueRetryNormal  = "events.retry.normal"

	routingKeyHigh        = "high"
	routingKeyNorm        = "normal"
	routingKeyDead        = "events.dead"
	routingKeyRetryHigh   = "retry.high"
	routingKeyRetryNormal = "retry.normal"

	headerRetryCount = "x-retry-count"
	headerEventType  = "x-event-type"
	headerPriority   = "x-priority"
	headerUserID     = "x-user-id"
)

// ErrPublish wraps any failure publishing an event to the broker.
type ErrPublish struct{ Err error }

func (e *ErrPublish) Error() string { return fmt.Sprintf("broker: publish failed: %v", e.Err) }
func (e *ErrPublish) Unwrap() error { return e.Err }

// Broker owns a single AMQP connection and channel and declares the
// exchange/queue topology idempotently at startup.
type Broker struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// Connect dials RabbitMQ and declares exchanges, queues, and bindings.
// Declarations are idempotent: re-running Connect against an already
// provisioned broker is a no-op.
func Connect(ctx context.Context, cfg config.Broker, log *zap.Logger) (*Broker, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/%s", cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)

	conn, err := amqp.DialConfig(address, amqp.Config{
		Heartbeat: cfg.HeartbeatSec,
		Dial:      amqp.DefaultDial(cfg.ConnectTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("broker: open channel: %w", err)
	}
	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("broker: set qos: %w", err)
	}

	b := &Broker{conn: conn, ch: ch, log: log}
	if err := b.declareTopology(); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return b, nil
}

func (b *Broker) declareTopology() error {
	if err := b.ch.ExchangeDeclare(exchangeEvents, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare %s exchange: %w", exchangeEvents, err)
	}
	if err := b.ch.ExchangeDeclare(exchangeDLX, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare %s exchange: %w", exchangeDLX, err)
	}

	_, err := b.ch.QueueDeclare(queueHighPriority, true, false, false, false, amqp.Table{
		"x-max-priority":           int32(10),
		"x-dead-letter-exchange":   exchangeDLX,
		"x-dead-letter-routing-key": routingKeyDead,
		"x-message-ttl":            int32(86_400_000),
		"x-queue-mode":             "lazy",
	})
	if err != nil {
		return fmt.Errorf("broker: declare %s: %w", queueHighPriority, err)
	}

	_, err = b.ch.QueueDeclare(queueNormal, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":   exchangeDLX,
		"x-dead-letter-routing-key": routingKeyDead,
		"x-message-ttl":            int32(604_800_000),
	})
	if err != nil {
		return fmt.Errorf("broker: declare %s: %w", queueNormal, err)
	}

	_, err = b.ch.QueueDeclare(queueDeadLetter, true, false, false, false, amqp.Table{
		"x-queue-mode": "lazy",
	})
	if err != nil {
		return fmt.Errorf("broker: declare %s: %w", queueDeadLetter, err)
	}

	// Retry queues hold no messages indefinitely: every message dlq.Manager
	// publishes here carries its own per-message Expiration, and an explicit
	// x-dead-letter-routing-key sends it back to its original priority queue
	// on expiry regardless of which routing key delivered it here.
	_, err = b.ch.QueueDeclare(queueRetryHigh, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    exchangeEvents,
		"x-dead-letter-routing-key": routingKeyHigh,
	})
	if err != nil {
		return fmt.Errorf("broker: declare %s: %w", queueRetryHigh, err)
	}

	_, err = b.ch.QueueDeclare(queueRetryNormal, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    exchangeEvents,
		"x-dead-letter-routing-key": routingKeyNorm,
	})
	if err != nil {
		return fmt.Errorf("broker: declare %s: %w", queueRetryNormal, err)
	}

	binds := []struct{ exchange, queue, key string }{
		{exchangeEvents, queueHighPriority, routingKeyHigh},
		{exchangeEvents, queueNormal, routingKeyNorm},
		{exchangeDLX, queueDeadLetter, routingKeyDead},
		// dlq.Manager publishes dead letters with the short key "dead".
		{exchangeDLX, queueDeadLetter, "dead"},
		{exchangeDLX, queueRetryHigh, routingKeyRetryHigh},
		{exchangeDLX, queueRetryNormal, routingKeyRetryNormal},
	}
	for _, bnd := range binds {
		if err := b.ch.QueueBind(bnd.queue, bnd.key, bnd.exchange, false, nil); err != nil {
			return fmt.Errorf("broker: bind %s to %s: %w", bnd.queue, bnd.exchange, err)
		}
	}
	return nil
}

// Close closes the channel and connection, in that order.
func (b *Broker) Close() error {
	if err := b.ch.Close(); err != nil {
		b.conn.Close()
		return err
	}
	return b.conn.Close()
}

// Publish routes e to the high or normal priority queue depending on
// e.Priority.
func (b *Broker) Publish(ctx context.Context, e *event.Event) error {
	body, err := e.Marshal()
	if err != nil {
		return &ErrPublish{Err: err}
	}

	key := routingKeyNorm
	if e.IsHighPriority() {
		key = routingKeyHigh
	}

	err = b.ch.PublishWithContext(ctx, exchangeEvents, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(e.Priority),
		MessageId:    e.ID.String(),
		Body:         body,
		Headers: amqp.Table{
			headerEventType: string(e.EventType),
			headerPriority:  int32(e.Priority),
			headerUserID:    e.UserID.String(),
		},
	})
	if err != nil {
		return &ErrPublish{Err: err}
	}
	return nil
}

// Handler processes a decoded event and reports whether it succeeded.
type Handler func(ctx context.Context, e *event.Event) error

// ShouldRetry decides, given the current retry-count header, whether a
// failed delivery should be requeued (true) or sent straight to the DLQ.
type ShouldRetry func(ctx context.Context, eventID string, retryCount int) bool

// DeadLetterer is the multi-tier fallback (C7) slice the consumer loop
// needs: a terminal sink for exhausted/unparseable deliveries, and a
// delayed-redelivery sink for ones that still have retries left.
type DeadLetterer interface {
	SendToDLQ(ctx context.Context, raw []byte, reason string) error
	SendToRetryQueue(ctx context.Context, originalQueue string, body []byte, retryCount int, delay time.Duration) error
}

// DelayFunc computes the backoff delay for the given (post-increment)
// retry attempt, normally retry.Manager.NextDelay.
type DelayFunc func(retryCount int) time.Duration

// Consume runs a single consumer loop on the calling goroutine, reading
// from queue and invoking handle for each decoded event, applying the
// retry/DLQ decision tree. It blocks until ctx is cancelled.
func (b *Broker) Consume(ctx context.Context, queue string, handle Handler, shouldRetry ShouldRetry, dlq DeadLetterer, delayFor DelayFunc) error {
	consumerTag := fmt.Sprintf("event_consumer_%s_%d", hostname(), os.Getpid())
	deliveries, err := b.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("broker: consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return b.ch.Cancel(consumerTag, false)
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			b.handleDelivery(ctx, d, queue, handle, shouldRetry, dlq, delayFor)
		}
	}
}

func (b *Broker) handleDelivery(ctx context.Context, d amqp.Delivery, queue string, handle Handler, shouldRetry ShouldRetry, dlq DeadLetterer, delayFor DelayFunc) {
	var e event.Event
	if err := json.Unmarshal(d.Body, &e); err != nil {
		if dlq != nil {
			_ = dlq.SendToDLQ(ctx, d.Body, "Invalid JSON")
		}
		d.Ack(false)
		return
	}

	retryCount := retryCountFromHeaders(d.Headers)
	if retryCount > 0 && shouldRetry != nil && !shouldRetry(ctx, e.ID.String(), retryCount) {
		if dlq != nil {
			_ = dlq.SendToDLQ(ctx, d.Body, "retry limit exceeded")
		}
		d.Ack(false)
		return
	}

	if err := handle(ctx, &e); err != nil {
		if shouldRetry != nil && shouldRetry(ctx, e.ID.String(), retryCount) {
			b.retry(ctx, d, queue, retryCount+1, dlq, delayFor)
		} else if dlq != nil {
			_ = dlq.SendToDLQ(ctx, d.Body, err.Error())
		}
		d.Ack(false)
		return
	}
	d.Ack(false)
}

// retry routes a failed delivery through the TTL retry-queue topology so
// it comes back after its backoff delay instead of immediately. It falls
// back to an uncapped, zero-delay requeue only when there's no
// DeadLetterer attached or the retry-queue publish itself fails.
func (b *Broker) retry(ctx context.Context, d amqp.Delivery, queue string, nextAttempt int, dlq DeadLetterer, delayFor DelayFunc) {
	if dlq == nil {
		_ = b.republishWithIncrementedRetry(ctx, d, nextAttempt)
		return
	}
	var delay time.Duration
	if delayFor != nil {
		delay = delayFor(nextAttempt)
	}
	if err := dlq.SendToRetryQueue(ctx, queue, d.Body, nextAttempt, delay); err != nil {
		b.log.Error("broker: send to retry queue failed, falling back to immediate requeue", zap.Error(err))
		_ = b.republishWithIncrementedRetry(ctx, d, nextAttempt)
	}
}

func (b *Broker) republishWithIncrementedRetry(ctx context.Context, d amqp.Delivery, retryCount int) error {
	headers := d.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers[headerRetryCount] = int32(retryCount)
	return b.ch.PublishWithContext(ctx, d.Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     d.Priority,
		MessageId:    d.MessageId,
		Headers:      headers,
		Body:         d.Body,
	})
}

func retryCountFromHeaders(h amqp.Table) int {
	if h == nil {
		return 0
	}
	switch v := h[headerRetryCount].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
