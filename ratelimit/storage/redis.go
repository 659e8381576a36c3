package storage

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Ofahmy143/ratelimit/internal/log"
)

var (
	_ Storage                     = &RedisStorage{}
	_ MovingWindowSupport         = &RedisStorage{}
	_ SlidingWindowCounterSupport = &RedisStorage{}
)

// Every multi-step operation runs server side as a Lua script so concurrent
// clients observe it as a single step, across processes as well as
// goroutines.
var (
	// incrby, setting the expiry only when the key was just created (or
	// always, under elastic expiry).
	redisIncrScript = redis.NewScript(`
local current = redis.call('incrby', KEYS[1], ARGV[2])
if tonumber(ARGV[3]) == 1 or tonumber(current) == tonumber(ARGV[2]) then
  redis.call('expire', KEYS[1], ARGV[1])
end
return current
`)

	// Prune entries that fell out of the window, then append when capacity
	// remains. Entries live in a sorted set scored by hit time; members are
	// caller-supplied unique ids so simultaneous hits at the same timestamp
	// both count.
	redisAcquireEntryScript = redis.NewScript(`
redis.call('zremrangebyscore', KEYS[1], '-inf', ARGV[1])
local count = redis.call('zcard', KEYS[1])
if count + tonumber(ARGV[3]) > tonumber(ARGV[2]) then
  return 0
end
for i = 1, tonumber(ARGV[3]) do
  redis.call('zadd', KEYS[1], ARGV[4], ARGV[5] .. ':' .. i)
end
redis.call('expire', KEYS[1], ARGV[6])
return 1
`)

	redisMovingWindowScript = redis.NewScript(`
redis.call('zremrangebyscore', KEYS[1], '-inf', ARGV[1])
local count = redis.call('zcard', KEYS[1])
if count == 0 then
  return {0, '0'}
end
local oldest = redis.call('zrange', KEYS[1], 0, 0, 'WITHSCORES')
return {count, oldest[2]}
`)

	// KEYS = {previous bucket, current bucket}. Deny when the weighted sum
	// plus this acquisition overflows the limit, otherwise count it in the
	// current bucket.
	redisAcquireSlidingScript = redis.NewScript(`
local previous = tonumber(redis.call('get', KEYS[1]) or '0')
local current = tonumber(redis.call('get', KEYS[2]) or '0')
if previous * tonumber(ARGV[3]) + current + tonumber(ARGV[2]) > tonumber(ARGV[1]) then
  return 0
end
local value = redis.call('incrby', KEYS[2], ARGV[2])
if tonumber(value) == tonumber(ARGV[2]) then
  redis.call('expire', KEYS[2], ARGV[4])
end
return 1
`)

	redisSlidingWindowScript = redis.NewScript(`
local previous = tonumber(redis.call('get', KEYS[1]) or '0')
local current = tonumber(redis.call('get', KEYS[2]) or '0')
local previous_ttl = redis.call('pttl', KEYS[1])
local current_ttl = redis.call('pttl', KEYS[2])
return {previous, previous_ttl, current, current_ttl}
`)

	// Deletes this storage's keys in scan batches. Used by Reset only.
	redisClearKeysScript = redis.NewScript(`
local cursor = '0'
local removed = 0
repeat
  local result = redis.call('scan', cursor, 'match', ARGV[1], 'count', 5000)
  cursor = result[1]
  for _, key in ipairs(result[2]) do
    redis.call('del', key)
    removed = removed + 1
  end
until cursor == '0'
return removed
`)
)

// RedisStorage backs rate limits with a Redis deployment: a single node, a
// cluster or a sentinel-managed group, selected by the client handed to the
// constructor. It supports every strategy.
type RedisStorage struct {
	client  redis.UniversalClient
	cfg     config
	timeNow func() time.Time
}

// NewRedisStorage wraps an existing go-redis client. The client may be a
// *redis.Client, *redis.ClusterClient or failover client; scripts are loaded
// on first use.
func NewRedisStorage(client redis.UniversalClient, opts ...Option) *RedisStorage {
	c := newConfig(opts)
	return &RedisStorage{client: client, cfg: c, timeNow: c.timeNow}
}

func (s *RedisStorage) Incr(ctx context.Context, key string, expiry time.Duration, elasticExpiry bool, amount int64) (int64, error) {
	elastic := 0
	if elasticExpiry {
		elastic = 1
	}
	value, err := redisIncrScript.Run(ctx, s.client,
		[]string{s.cfg.prefixed(key)},
		expirySeconds(expiry), amount, elastic,
	).Int64()
	if err != nil {
		log.Logger().Error("failed to increment rate limit counter", zap.String("key", key), zap.Error(err))
		return 0, wrapErr("redis", "incr", key, err)
	}
	return value, nil
}

func (s *RedisStorage) Get(ctx context.Context, key string) (int64, error) {
	value, err := s.client.Get(ctx, s.cfg.prefixed(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("redis", "get", key, err)
	}
	return value, nil
}

func (s *RedisStorage) GetExpiry(ctx context.Context, key string) (time.Time, error) {
	ttl, err := s.client.TTL(ctx, s.cfg.prefixed(key)).Result()
	if err != nil {
		return time.Time{}, wrapErr("redis", "ttl", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	return s.timeNow().Add(ttl), nil
}

func (s *RedisStorage) Clear(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.cfg.prefixed(key)).Err(); err != nil {
		return wrapErr("redis", "del", key, err)
	}
	return nil
}

func (s *RedisStorage) Check(ctx context.Context) bool {
	return s.client.Ping(ctx).Err() == nil
}

func (s *RedisStorage) Reset(ctx context.Context) (int64, error) {
	removed, err := redisClearKeysScript.Run(ctx, s.client, nil, s.cfg.prefixed("*")).Int64()
	if err != nil {
		return 0, wrapErr("redis", "reset", s.cfg.prefixed("*"), err)
	}
	return removed, nil
}

func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) AcquireEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := floatSeconds(s.timeNow())
	acquired, err := redisAcquireEntryScript.Run(ctx, s.client,
		[]string{s.cfg.prefixed(key)},
		formatFloat(now-window.Seconds()),
		limit,
		amount,
		formatFloat(now),
		uuid.NewString(),
		expirySeconds(window)+1, // slack so in-window entries never expire mid-read
	).Int64()
	if err != nil {
		log.Logger().Error("failed to acquire moving window entry", zap.String("key", key), zap.Error(err))
		return false, wrapErr("redis", "acquire entry", key, err)
	}
	return acquired == 1, nil
}

func (s *RedisStorage) MovingWindow(ctx context.Context, key string, limit int64, window time.Duration) (time.Time, int64, error) {
	now := s.timeNow()
	result, err := redisMovingWindowScript.Run(ctx, s.client,
		[]string{s.cfg.prefixed(key)},
		formatFloat(floatSeconds(now)-window.Seconds()),
	).Slice()
	if err != nil {
		return time.Time{}, 0, wrapErr("redis", "moving window", key, err)
	}
	if len(result) != 2 {
		return time.Time{}, 0, wrapErr("redis", "moving window", key, fmt.Errorf("unexpected script result: %v", result))
	}
	count := toInt64(result[0])
	if count == 0 {
		return now, 0, nil
	}
	oldest, err := strconv.ParseFloat(fmt.Sprint(result[1]), 64)
	if err != nil {
		return time.Time{}, 0, wrapErr("redis", "moving window", key, err)
	}
	return timeFromFloat(oldest), count, nil
}

func (s *RedisStorage) AcquireSlidingWindowEntry(ctx context.Context, key string, limit int64, window time.Duration, amount int64) (bool, error) {
	if amount > limit {
		return false, nil
	}
	now := s.timeNow()
	previousKey, currentKey, start := windowKeys(key, now, window)
	weight := float64(window-now.Sub(start)) / float64(window)
	currentTTL := start.Add(2 * window).Sub(now)

	acquired, err := redisAcquireSlidingScript.Run(ctx, s.client,
		[]string{s.cfg.prefixed(previousKey), s.cfg.prefixed(currentKey)},
		limit,
		amount,
		formatFloat(weight),
		expirySeconds(currentTTL),
	).Int64()
	if err != nil {
		log.Logger().Error("failed to acquire sliding window entry", zap.String("key", key), zap.Error(err))
		return false, wrapErr("redis", "acquire sliding window", key, err)
	}
	return acquired == 1, nil
}

func (s *RedisStorage) SlidingWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, int64, time.Duration, error) {
	previousKey, currentKey, _ := windowKeys(key, s.timeNow(), window)
	result, err := redisSlidingWindowScript.Run(ctx, s.client,
		[]string{s.cfg.prefixed(previousKey), s.cfg.prefixed(currentKey)},
	).Slice()
	if err != nil {
		return 0, 0, 0, 0, wrapErr("redis", "sliding window", key, err)
	}
	if len(result) != 4 {
		return 0, 0, 0, 0, wrapErr("redis", "sliding window", key, fmt.Errorf("unexpected script result: %v", result))
	}
	return toInt64(result[0]), millisTTL(toInt64(result[1])),
		toInt64(result[2]), millisTTL(toInt64(result[3])), nil
}

func (s *RedisStorage) ClearSlidingWindow(ctx context.Context, key string, window time.Duration) error {
	previousKey, currentKey, _ := windowKeys(key, s.timeNow(), window)
	if err := s.client.Del(ctx, s.cfg.prefixed(previousKey), s.cfg.prefixed(currentKey)).Err(); err != nil {
		return wrapErr("redis", "del", key, err)
	}
	return nil
}

func floatSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func timeFromFloat(seconds float64) time.Time {
	return time.UnixMicro(int64(seconds * 1e6))
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// expirySeconds rounds an expiry up to whole seconds, never below one; Redis
// rejects zero TTLs.
func expirySeconds(d time.Duration) int64 {
	seconds := int64(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

// millisTTL converts a PTTL reply to a duration; -1 (no expiry) and -2
// (missing key) both clamp to zero.
func millisTTL(ms int64) time.Duration {
	if ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func toInt64(v interface{}) int64 {
	switch value := v.(type) {
	case int64:
		return value
	case string:
		parsed, _ := strconv.ParseInt(value, 10, 64)
		return parsed
	default:
		return 0
	}
}
