package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "bulkresize:ratelimit"

// ErrCostExceedsCapacity means the request can never fit in the bucket,
// however long the caller waits.
var ErrCostExceedsCapacity = errors.New("cost exceeds bucket capacity")

// Decision is the outcome of charging a bucket.
type Decision struct {
	Allowed    bool
	Cost       int64
	Remaining  int64
	RetryAfter time.Duration
}

// RedisTokenBucket charges batches against a per-subject budget of capacity
// files per window. Buckets live in Redis hashes and refill continuously.
type RedisTokenBucket struct {
	client    redis.UniversalClient
	capacity  int64
	window    time.Duration
	keyPrefix string
	now       func() time.Time
}

// takeScript charges ARGV[4] tokens when the refilled balance covers them
// and otherwise leaves the balance untouched. It returns
// {allowed, balance after the call, ms until the charge would fit}.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "balance", "updated_ms")
local balance = tonumber(state[1]) or capacity
local updated_ms = tonumber(state[2]) or now_ms

local per_ms = capacity / window_ms
balance = math.min(capacity, balance + math.max(0, now_ms - updated_ms) * per_ms)

local allowed = 0
local wait_ms = 0
if balance >= cost then
  balance = balance - cost
  allowed = 1
else
  wait_ms = math.ceil((cost - balance) / per_ms)
end

redis.call("HSET", KEYS[1], "balance", tostring(balance), "updated_ms", tostring(now_ms))
redis.call("PEXPIRE", KEYS[1], window_ms * 2)

return {allowed, math.floor(balance), wait_ms}
`)

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if capacity <= 0 {
		return nil, errors.New("capacity must be positive")
	}
	if window < time.Millisecond {
		return nil, errors.New("window must be at least 1ms")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = DefaultKeyPrefix
	}

	return &RedisTokenBucket{
		client:    client,
		capacity:  int64(capacity),
		window:    window,
		keyPrefix: keyPrefix,
		now:       time.Now,
	}, nil
}

func (b *RedisTokenBucket) Capacity() int64 {
	return b.capacity
}

// Take charges cost tokens to subject's bucket. A denied charge spends
// nothing, so a smaller batch may still pass right after a larger one fails.
func (b *RedisTokenBucket) Take(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost < 1 {
		cost = 1
	}
	if int64(cost) > b.capacity {
		return Decision{Cost: int64(cost)}, fmt.Errorf("%w: %d > %d", ErrCostExceedsCapacity, cost, b.capacity)
	}

	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}

	raw, err := takeScript.Run(ctx, b.client, []string{b.key(subject)},
		b.capacity,
		b.window.Milliseconds(),
		b.now().UTC().UnixMilli(),
		cost,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(raw) != 3 {
		return Decision{}, fmt.Errorf("token bucket returned %d values", len(raw))
	}

	var fields [3]int64
	for i, v := range raw {
		if fields[i], err = toInt64(v); err != nil {
			return Decision{}, fmt.Errorf("parse token bucket value %d: %w", i, err)
		}
	}

	return Decision{
		Allowed:    fields[0] == 1,
		Cost:       int64(cost),
		Remaining:  fields[1],
		RetryAfter: time.Duration(fields[2]) * time.Millisecond,
	}, nil
}

func (b *RedisTokenBucket) key(subject string) string {
	return b.keyPrefix + ":" + subject
}

func toInt64(in any) (int64, error) {
	switch v := in.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", in)
	}
}
