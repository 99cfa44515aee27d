package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"warden/pkg/clock"
)

// admitScript keeps the sliding window in a per-identity sorted set and the
// escalation block in a companion key so one round trip decides admission.
// Replies: {1, count, reset_ms} allow, {0, count, reset_ms} deny,
// {-1, 0, block_pttl_ms} blocked.
var admitScript = redis.NewScript(`
local blocked = redis.call("PTTL", KEYS[2])
if blocked > 0 then
  return {-1, 0, blocked}
end
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local cooldown = tonumber(ARGV[5])
redis.call("ZREMRANGEBYSCORE", KEYS[1], 0, now - window)
local count = redis.call("ZCARD", KEYS[1])
redis.call("ZADD", KEYS[1], now, ARGV[6])
redis.call("PEXPIRE", KEYS[1], window)
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local reset = tonumber(oldest[2]) + window - now
if count < limit then
  return {1, count + 1, reset}
end
if count + 1 > threshold then
  redis.call("SET", KEYS[2], "1", "PX", cooldown)
  return {-1, count + 1, cooldown}
end
return {0, count + 1, reset}
`)

// RedisController enforces the same sliding-window policy against Redis so
// replicas of a host share one budget per identity. Redis outages degrade to
// a per-process in-memory controller.
type RedisController struct {
	Client     *redis.Client
	Prefix     string
	Fallback   *Controller
	multiplier int
	cooldown   time.Duration
}

func NewRedis(client *redis.Client, opts ...Option) *RedisController {
	fallback := New(clock.System(), opts...)
	return &RedisController{
		Client:     client,
		Prefix:     "adm:",
		Fallback:   fallback,
		multiplier: fallback.multiplier,
		cooldown:   fallback.cooldown,
	}
}

func (c *RedisController) Allow(identity string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	if c.Client == nil {
		return c.Fallback.Allow(identity, limit, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()
	res, err := admitScript.Run(ctx, c.Client,
		[]string{c.Prefix + identity, c.Prefix + "block:" + identity},
		now.UnixMilli(),
		window.Milliseconds(),
		limit,
		c.multiplier*limit,
		c.cooldown.Milliseconds(),
		uuid.NewString(),
	).Result()
	if err != nil {
		return c.Fallback.Allow(identity, limit, window)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return c.Fallback.Allow(identity, limit, window)
	}
	state, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	resetMs, _ := vals[2].(int64)
	if resetMs < 0 {
		resetMs = window.Milliseconds()
	}
	d := Decision{
		Allowed: state == 1,
		Count:   int(count),
		Limit:   limit,
		ResetAt: now.Add(time.Duration(resetMs) * time.Millisecond),
	}
	if d.Allowed {
		d.Remaining = limit - d.Count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	}
	if state == -1 {
		d.BlockedUntil = d.ResetAt
	}
	return d
}

func (c *RedisController) ResetAfter(identity string, window time.Duration) time.Duration {
	if window <= 0 {
		window = time.Minute
	}
	if c.Client == nil {
		return c.Fallback.ResetAfter(identity, window)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	now := time.Now().UTC()
	vals, err := c.Client.ZRangeWithScores(ctx, c.Prefix+identity, 0, 0).Result()
	if err != nil || len(vals) == 0 {
		if err != nil {
			return c.Fallback.ResetAfter(identity, window)
		}
		return 0
	}
	oldest := time.UnixMilli(int64(vals[0].Score))
	d := oldest.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
