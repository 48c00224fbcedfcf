// Package cache defines the shared key-value cache contract backing the
// replay-protection store and the rate limiter, with Redis and in-memory
// implementations.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get and TTL when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// NoExpiry is returned by TTL for a key that exists but carries no TTL.
// Such keys are defects for replay records and are reaped by the sweeper.
const NoExpiry time.Duration = -1

// Store is the cache contract required of the host. Implementations must
// make SetIfAbsent and Increment atomic: a check-then-set sequence would
// let two concurrent requests racing on the same key both succeed.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value under key. ttl <= 0 stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent atomically stores value under key with the given TTL if
	// and only if the key does not exist. Returns true if it was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Increment atomically increments the counter at key and refreshes its
	// TTL, returning the new count.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Keys returns all keys matching a glob pattern (`*` wildcard).
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Delete removes keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining TTL for key, NoExpiry if the key has none,
	// or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Close releases the underlying connection, if any.
	Close() error
}
