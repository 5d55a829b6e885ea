// Copyright 2025 James Ross
// Package retry tracks per-event attempt counts in Redis and computes
// the exponential-backoff-with-jitter delay used before redelivery,
// wiring cenkalti/backoff/v4 for the jitter and cap math rather than
// hand-rolling a power-of-two helper.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Manager tracks attempts for an event ID and computes the delay before
// the next retry.
type Manager struct {
	client         *redis.Client
	maxRetries     int
	initialDelay   time.Duration
	backoffFactor  float64
	maxDelay       time.Duration
	jitterFraction float64
	counterTTL     time.Duration
}

func New(client *redis.Client, maxRetries int, initialDelay time.Duration, backoffFactor float64, maxDelay time.Duration, jitterFraction float64, counterTTL time.Duration) *Manager {
	return &Manager{
		client:         client,
		maxRetries:     maxRetries,
		initialDelay:   initialDelay,
		backoffFactor:  backoffFactor,
		maxDelay:       maxDelay,
		jitterFraction: jitterFraction,
		counterTTL:     counterTTL,
	}
}

func (m *Manager) counterKey(eventID string) string {
	return fmt.Sprintf("retry:count:%s", eventID)
}

// Increment bumps and returns the attempt count for eventID, setting the
// counter's TTL on the first increment so abandoned counters expire
// instead of accumulating.
func (m *Manager) Increment(ctx context.Context, eventID string) (int, error) {
	n, err := m.client.Incr(ctx, m.counterKey(eventID)).Result()
	if err != nil {
		return 0, fmt.Errorf("retry: increment %s: %w", eventID, err)
	}
	if n == 1 {
		m.client.Expire(ctx, m.counterKey(eventID), m.counterTTL)
	}
	return int(n), nil
}

// Attempts returns the current attempt count without incrementing it.
func (m *Manager) Attempts(ctx context.Context, eventID string) (int, error) {
	n, err := m.client.Get(ctx, m.counterKey(eventID)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("retry: attempts %s: %w", eventID, err)
	}
	return n, nil
}

// Reset clears the attempt counter; the supervisor calls it once an
// exhausted event has been dead-lettered.
func (m *Manager) Reset(ctx context.Context, eventID string) error {
	return m.client.Del(ctx, m.counterKey(eventID)).Err()
}

// Exhausted reports whether attempts has reached the configured max.
func (m *Manager) Exhausted(attempts int) bool {
	return attempts >= m.maxRetries
}

// NextDelay returns the backoff duration before attempt number n, with
// jitter applied, capped at maxDelay.
func (m *Manager) NextDelay(n int) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.initialDelay
	eb.Multiplier = m.backoffFactor
	eb.MaxInterval = m.maxDelay
	eb.RandomizationFactor = m.jitterFraction
	eb.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = eb.NextBackOff()
		if d == backoff.Stop {
			return m.maxDelay
		}
	}
	if d > m.maxDelay {
		return m.maxDelay
	}
	return d
}
