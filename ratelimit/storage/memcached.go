package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"go.uber.org/zap"

	"github.com/Ofahmy143/ratelimit/internal/log"
)

var (
	_ Storage                     = &MemcachedStorage{}
	_ SlidingWindowCounterSupport = &MemcachedStorage{}
)

// MemcachedStorage backs rate limits with one or more memcached servers.
//
// Memcached increments atomically but offers no server-side scripting, so the
// sliding window's read-compute-write runs as an optimistic compare-and-swap
// loop with a bounded retry budget. The moving window strategy is not
// supported: memcached has no affordable representation for a timestamp log.
//
// Memcached reports no TTLs, so each counter's expiry is tracked in a sibling
// "<key>/expires" entry with the same lifetime.
type MemcachedStorage struct {
	client  *memcache.Client
	cfg     config
	timeNow func() time.Time
}

// NewMemcachedStorage connects to the given "host:port" servers.
func NewMemcachedStorage(servers []string, opts ...Option) *MemcachedStorage {
	c := newConfig(opts)
	return &MemcachedStorage{client: memcache.New(servers...), cfg: c, timeNow: c.timeNow}
}

func (s *MemcachedStorage) expiryKey(key string) string {
	return key + "/expires"
}

func (s *MemcachedStorage) Incr(ctx context.Context, key string, expiry time.Duration, elasticExpiry bool, amount int64) (int64, error) {
	prefixed := s.cfg.prefixed(key)
	seconds := int32(expirySeconds(expiry))

	value, err := s.client.Increment(prefixed, uint64(amount))
	if errors.Is(err, memcache.ErrCacheMiss) {
		addErr := s.client.Add(&memcache.Item{
			Key:        prefixed,
			Value:      []byte(strconv.FormatInt(amount, 10)),
			Expiration: seconds,
		})
		switch {
		case addErr == nil:
			s.setExpiryMarker(key, seconds, expiry)
			return amount, nil
		case errors.Is(addErr, memcache.ErrNotStored):
			// Lost the creation race; the other writer set the expiry.
			value, err = s.client.Increment(prefixed, uint64(amount))
		default:
			return 0, wrapErr("memcached", "add", key, addErr)
		}
	}
	if err != nil {
		log.Logger().Error("failed to increment rate limit counter", zap.String("key", key), zap.Error(err))
		return 0, wrapErr("memcached", "incr", key, err)
	}
	if elasticExpiry {
		if err := s.client.Touch(prefixed, seconds); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return 0, wrapErr("memcached", "touch", key, err)
		}
		s.setExpiryMarker(key, seconds, expiry)
	}
	return int64(value), nil
}

// setExpiryMarker records the counter's absolute expiry. Best effort: a lost
// marker only degrades GetExpiry, not admission.
func (s *MemcachedStorage) setExpiryMarker(key string, seconds int32, expiry time.Duration) {
	expiresAt := floatSeconds(s.timeNow().Add(expiry))
	err := s.client.Set(&memcache.Item{
		Key:        s.cfg.prefixed(s.expiryKey(key)),
		Value:      []byte(formatFloat(expiresAt)),
		Expiration: seconds,
	})
	if err != nil {
		log.Logger().Warn("failed to record counter expiry", zap.String("key", key), zap.Error(err))
	}
}

func (s *MemcachedStorage) Get(ctx context.Context, key string) (int64, error) {
	return s.counterValue(key)
}

func (s *MemcachedStorage) counterValue(key string) (int64, error) {
	item, err := s.client.Get(s.cfg.prefixed(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("memcached", "get", key, err)
	}
	value, err := strconv.ParseInt(string(item.Value), 10, 64)
	if err != nil {
		return 0, wrapErr("memcached", "get", key, fmt.Errorf("malformed counter value %q: %w", item.Value, err))
	}
	return value, nil
}

func (s *MemcachedStorage) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	item, err := s.client.Get(s.cfg.prefixed(s.expiryKey(key)))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return s.timeNow(), nil
	}
	if err != nil {
		return time.Time{}, wrapErr("memcached", "get", key, err)
	}
	expiresAt, err := strconv.ParseFloat(string(item.Value), 64)
	if err != nil {
		return time.Time{}, wrapErr("memcached", "get", key, fmt.Errorf("malformed expiry value %q: %w", item.Value, err))
	}
	return timeFromFloat(expiresAt), nil
}

func (s *MemcachedStorage) Clear(ctx context.Context, key string) error {
	for _, k := range []string{s.cfg.prefixed(key), s.cfg.prefixed(s.expiryKey(key))} {
		if err := s.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return wrapErr("memcached", "delete", key, err)
		}
	}
	return nil
}

func (s *MemcachedStorage) Check(ctx context.Context) bool {
	return s.client.Ping() == nil
}

// Reset is not supported: memcached cannot enumerate keys.
func (s *MemcachedStorage) Reset(ctx context.Context) (int64, error) {
	return 0, fmt.Errorf("%w: memcached cannot enumerate keys", ErrNotSupported)
}

// Close is a no-op; the client maintains its own idle connection pool.
func (s *MemcachedStorage) Close() error {
	return nil
}

func (s *MemcachedStorage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := s.timeNow()
	previousKey, currentKey, start := windowKeys(key, now, window)
	weight := float64(window-now.Sub(start)) / float64(window)
	ttl := int32(expirySeconds(start.Add(2 * window).Sub(now)))

	for attempt := 0; attempt < s.cfg.casRetries; attempt++ {
		previous, err := s.counterValue(previousKey)
		if err != nil {
			return false, err
		}

		item, err := s.client.Get(s.cfg.prefixed(currentKey))
		missing := errors.Is(err, memcache.ErrCacheMiss)
		if err != nil && !missing {
			return false, wrapErr("memcached", "get", key, err)
		}

		var current int64
		if !missing {
			current, err = strconv.ParseInt(string(item.Value), 10, 64)
			if err != nil {
				return false, wrapErr("memcached", "get", key, fmt.Errorf("malformed counter value %q: %w", item.Value, err))
			}
		}

		if !slidingWindowAllows(previous, current, amount, limit, weight) {
			return false, nil
		}

		if missing {
			err = s.client.Add(&memcache.Item{
				Key:        s.cfg.prefixed(currentKey),
				Value:      []byte(strconv.FormatInt(amount, 10)),
				Expiration: ttl,
			})
			if errors.Is(err, memcache.ErrNotStored) {
				continue // another writer created the bucket
			}
		} else {
			item.Value = []byte(strconv.FormatInt(current+amount, 10))
			err = s.client.CompareAndSwap(item)
			if errors.Is(err, memcache.ErrCASConflict) || errors.Is(err, memcache.ErrCacheMiss) {
				continue // bucket changed under us
			}
		}
		if err != nil {
			return false, wrapErr("memcached", "cas", key, err)
		}
		return true, nil
	}
	return false, fmt.Errorf("sliding window acquire %q: %w", key, ErrRetryBudgetExceeded)
}

func (s *MemcachedStorage) SlidingWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, int64, time.Duration, error) {
	now := s.timeNow()
	previousKey, currentKey, start := windowKeys(key, now, window)

	previous, err := s.counterValue(previousKey)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	current, err := s.counterValue(currentKey)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	elapsed := now.Sub(start)
	var prevTTL, curTTL time.Duration
	if previous > 0 {
		prevTTL = window - elapsed
	}
	if current > 0 {
		curTTL = 2*window - elapsed
	}
	return previous, prevTTL, current, curTTL, nil
}

func (s *MemcachedStorage) ClearSlidingWindow(ctx context.Context, key string, window time.Duration) error {
	previousKey, currentKey, _ := windowKeys(key, s.timeNow(), window)
	for _, k := range []string{s.cfg.prefixed(previousKey), s.cfg.prefixed(currentKey)} {
		if err := s.client.Delete(k); err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
			return wrapErr("memcached", "delete", key, err)
		}
	}
	return nil
}
