package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Get when the key does not exist or expired.
var ErrKeyNotFound = errors.New("key not found")

// Store is the shared key/value store used for rate-limit counters and the
// token blacklist. Implementations must be safe for concurrent use by many
// processes; Incr must create the counter and set its expiry in one atomic
// step so a crash can never leave a counter without a TTL.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Incr increments key by one. The first increment of a window sets the
	// expiry to window. Returns the new count and the remaining TTL.
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)

	Expire(ctx context.Context, key string, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Scan returns every key matching a glob pattern without blocking the store.
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
}
