// Copyright 2025 James Ross
// Package idempotency implements an atomic check-and-reserve mechanism
// over a Lua script, keeping only the reserve/confirm/release primitive:
// callers pass the caller-supplied idempotency key as-is rather than a
// derived content hash.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const checkAndReserveScript = `
local key = KEYS[1]
local ttl = ARGV[1]
local timestamp = ARGV[2]
if redis.call('EXISTS', key) == 1 then
	return 0
else
	redis.call('SETEX', key, ttl, timestamp)
	return 1
end
`

// Checker is the subset of RedisIdempotencyManager's surface the ingest
// handler and drain loop depend on.
type Checker interface {
	CheckAndReserve(ctx context.Context, eventID string, ttl time.Duration) (reserved bool, err error)
	Release(ctx context.Context, eventID string) error
	Confirm(ctx context.Context, eventID string) error
}

// RedisChecker reserves "idempotency:<id>" keys in Redis.
type RedisChecker struct {
	client     *redis.Client
	namespace  string
	defaultTTL time.Duration
}

func New(client *redis.Client, defaultTTL time.Duration) *RedisChecker {
	if defaultTTL <= 0 {
		defaultTTL = 24 * time.Hour
	}
	return &RedisChecker{client: client, namespace: "idempotency", defaultTTL: defaultTTL}
}

func (c *RedisChecker) keyName(eventID string) string {
	return fmt.Sprintf("%s:%s", c.namespace, eventID)
}

// CheckAndReserve atomically tests whether eventID has already been seen
// and, if not, reserves it. A duplicate causes the ingest handler to
// return its original result rather than re-run the pipeline.
func (c *RedisChecker) CheckAndReserve(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	res, err := c.client.Eval(ctx, checkAndReserveScript, []string{c.keyName(eventID)},
		int(ttl.Seconds()), time.Now().Unix()).Int()
	if err != nil {
		return false, fmt.Errorf("idempotency: check and reserve: %w", err)
	}
	return res == 1, nil
}

// Release drops the reservation. The ingest façade calls it after a
// failed push has been persisted by its emergency fallback, so a later
// retry with the same key is not mistaken for a duplicate.
func (c *RedisChecker) Release(ctx context.Context, eventID string) error {
	return c.client.Del(ctx, c.keyName(eventID)).Err()
}

// Confirm extends the reservation TTL once the event has been durably
// accepted by a back-end.
func (c *RedisChecker) Confirm(ctx context.Context, eventID string) error {
	return c.client.Expire(ctx, c.keyName(eventID), c.defaultTTL).Err()
}
