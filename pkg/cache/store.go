// Package cache provides the shared TTL key-value store used for state
// that must survive a process restart: pending entry orders, risk
// counters, and queued signals. Losing any of these would either orphan
// a live exchange order or reset safety counters to zero, so they never
// live in process memory alone.
package cache

import (
	"context"
	"time"
)

// Store is the minimal keyed TTL contract the core needs. The Redis
// implementation backs production; Memory backs tests and dry runs.
type Store interface {
	// Get returns the value and whether the key exists and is unexpired.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value with a TTL (0 means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only if the key is absent; reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Del removes keys and returns how many existed. A zero count is how
	// callers detect they lost a claim race.
	Del(ctx context.Context, keys ...string) (int64, error)
	// IncrBy atomically adjusts an integer counter, creating it at zero.
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
	// Expire sets or refreshes a key's TTL.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Set-valued index operations (queue symbol index).
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Close() error
}
