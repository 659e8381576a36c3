// Package storage defines the atomic primitives rate limiting strategies
// require of a backend, and provides implementations for memory, Redis,
// Memcached, MongoDB and etcd.
//
// A backend implements the capability sets it can support atomically:
//
//   - Storage: a counter with TTL (fixed window).
//   - MovingWindowSupport: a timestamped hit log (moving window).
//   - SlidingWindowCounterSupport: a two-bucket weighted pair (sliding
//     window counter).
//
// Within a single key, acquire operations are linearizable: the backend
// either performs the multi-step read/compute/write as one server-side
// operation (Lua script, pipeline update, transaction) or emulates it with a
// bounded optimistic retry loop.
package storage

import (
	"context"
	"strconv"
	"time"
)

// Storage is the counter capability. All backends implement it.
type Storage interface {
	// Incr atomically adds amount to the counter at key, creating it with
	// the given expiry when absent. When the key exists the original expiry
	// is preserved unless elasticExpiry is set, in which case it is pushed
	// out again. Returns the value after the increment.
	Incr(ctx context.Context, key string, expiry time.Duration, elasticExpiry bool, amount int64) (int64, error)

	// Get returns the counter value, or 0 when the key is absent or expired.
	Get(ctx context.Context, key string) (int64, error)

	// GetExpiry returns the absolute time at which the key expires. For an
	// absent key the current time is returned.
	GetExpiry(ctx context.Context, key string) (time.Time, error)

	// Clear removes all state stored under key.
	Clear(ctx context.Context, key string) error

	// Check reports whether the backend is reachable and healthy.
	Check(ctx context.Context) bool

	// Reset wipes every rate limiting key and returns how many were
	// removed. Backends that cannot enumerate their keys return
	// ErrNotSupported.
	Reset(ctx context.Context) (int64, error)

	// Close releases the backend connection. The storage must not be used
	// afterwards.
	Close() error
}

// MovingWindowSupport is the capability required by the moving window
// strategy.
type MovingWindowSupport interface {
	// AcquireEntry atomically prunes entries older than the window, and when
	// the remaining entries plus amount stay within limit, appends amount
	// entries stamped with the current time. Reports whether the entries were acquired. An entry aged
	// exactly one window is treated as expired.
	AcquireEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error)

	// MovingWindow returns the timestamp of the oldest retained entry and
	// the number of entries within the window. When the window is empty the
	// current time is returned as oldest.
	MovingWindow(ctx context.Context, key string, limit int64, window time.Duration) (time.Time, int64, error)
}

// SlidingWindowCounterSupport is the capability required by the sliding
// window counter strategy. Buckets are aligned at floor(now/window); the
// current bucket lives for two window lengths so it can be read back as the
// previous bucket after rollover.
type SlidingWindowCounterSupport interface {
	// AcquireSlidingWindowEntry atomically reads the previous and current
	// buckets, computes the weighted usage, and when admission is allowed
	// adds amount to the current bucket. Reports whether admission was
	// granted.
	AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error)

	// SlidingWindow returns the previous and current bucket counts together
	// with the time left until each bucket expires. The previous bucket's
	// TTL is also the portion of it still weighted into the usage.
	SlidingWindow(ctx context.Context, key string, window time.Duration) (prevCount int64, prevTTL time.Duration, curCount int64, curTTL time.Duration, err error)

	// ClearSlidingWindow removes both buckets for the key.
	ClearSlidingWindow(ctx context.Context, key string, window time.Duration) error
}

// windowKeys returns the bucket keys for the sliding window counter: the base
// key suffixed with the previous and current window start epochs. The braces
// follow the Redis hash-tag convention so both buckets land on the same
// cluster node; other backends simply treat them as part of the key.
func windowKeys(key string, now time.Time, window time.Duration) (previous, current string, start time.Time) {
	seconds := int64(window / time.Second)
	startEpoch := now.Unix() - now.Unix()%seconds
	previous = bucketKey(key, startEpoch-seconds)
	current = bucketKey(key, startEpoch)
	return previous, current, time.Unix(startEpoch, 0).UTC()
}

func bucketKey(key string, startEpoch int64) string {
	return "{" + key + "}/" + strconv.FormatInt(startEpoch, 10)
}

// slidingWindowAllows reports whether acquiring amount keeps the weighted
// usage of the two buckets within the limit.
func slidingWindowAllows(previous, current, amount, limit int64, weight float64) bool {
	return float64(previous)*weight+float64(current)+float64(amount) <= float64(limit)
}
