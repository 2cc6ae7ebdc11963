// internal/cache/store.go
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key or hash field does not exist.
var ErrMiss = errors.New("cache: key not found")

// ErrTransient wraps any I/O failure against the shared store. Callers may retry with backoff.
var ErrTransient = errors.New("cache: transient store error")

// Store is the durable shared key-value store every stateless instance coordinates through.
// All values are opaque bytes; callers own serialization.
// A ttl of zero means "no expiry".
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX stores value only if key is absent, reporting whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HSet(ctx context.Context, key, field string, value []byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)

	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Keys enumerates keys matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Append pushes value to the tail of a list, trims it to the newest maxLen
	// entries (0 = unbounded) and refreshes its ttl.
	Append(ctx context.Context, key string, value []byte, maxLen int64, ttl time.Duration) error
	// Range returns every entry of a list, oldest first.
	Range(ctx context.Context, key string) ([][]byte, error)

	Publish(ctx context.Context, channel string, message []byte) error

	// Update reads key (nil when absent), passes it to fn and writes fn's result with ttl in
	// one optimistic transaction. If another writer changes key first, fn runs again on the
	// fresh value. A nil result writes nothing; an error from fn aborts and is returned as is.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(current []byte) ([]byte, error)) error
	// AppendNumbered takes the next value of counter and pushes build(seq) to every list in
	// one transaction, so each list holds entries in counter order.
	AppendNumbered(ctx context.Context, counter string, lists []string, maxLen int64, ttl time.Duration, build func(seq int64) ([]byte, error)) (int64, error)
}
