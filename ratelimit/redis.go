package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounters is a CounterStore backed by a shared Redis instance,
// letting horizontally scaled gateway replicas meter together. Each
// bucket is a sorted set of hit timestamps in milliseconds; the trim,
// the limit check and the insert run in one server-side script, so
// the test-and-increment is atomic across replicas.
type RedisCounters struct {
	client *redis.Client
	seq    atomic.Uint64
}

// testAndIncrScript trims expired members, checks the standing count
// against the limit and records the hit only when under it. It
// returns {allowed, count, reset_ms}.
var testAndIncrScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local count = redis.call('ZCARD', key)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
  reset = tonumber(oldest[2]) + window
end

if count >= limit then
  return {0, count, reset}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window + math.floor(window / 10))
return {1, count + 1, reset}
`)

// RedisOptions configures the connection to the counter store.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisCounters creates a Redis backed counter store.
func NewRedisCounters(o RedisOptions) *RedisCounters {
	return &RedisCounters{client: redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
	})}
}

// Close releases the connection pool.
func (c *RedisCounters) Close() error { return c.client.Close() }

// TestAndIncr runs the trim, the check and the insert as one script.
func (c *RedisCounters) TestAndIncr(ctx context.Context, key string, window time.Duration, limit int, now time.Time) (Result, error) {
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatUint(c.seq.Add(1), 10)

	res, err := testAndIncrScript.Run(ctx, c.client, []string{key},
		now.UnixMilli(), window.Milliseconds(), limit, member).Result()
	if err != nil {
		return Result{}, err
	}

	arr := res.([]interface{})
	out := Result{
		Allowed: arr[0].(int64) == 1,
		Count:   int(arr[1].(int64)),
		Reset:   time.UnixMilli(arr[2].(int64)),
	}
	if out.Allowed {
		out.Token = member
	}
	return out, nil
}

// Undo removes a previously admitted hit from the bucket.
func (c *RedisCounters) Undo(ctx context.Context, key string, _ time.Duration, token string) error {
	if token == "" {
		return nil
	}
	return c.client.ZRem(ctx, key, token).Err()
}

// Peek returns the current count without recording a hit.
func (c *RedisCounters) Peek(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	clearBefore := now.Add(-window).UnixMilli()

	pipe := c.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(clearBefore, 10))
	card := pipe.ZCard(ctx, key)
	oldest := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	reset := now.Add(window)
	if members, err := oldest.Result(); err == nil && len(members) > 0 {
		reset = time.UnixMilli(int64(members[0].Score)).Add(window)
	}
	return int(card.Val()), reset, nil
}
