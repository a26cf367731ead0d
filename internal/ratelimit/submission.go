package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"imageforge/internal/config"
)

const submissionKeyPrefix = "generation:ratelimit:submit:"

// SubmissionLimiter throttles task submissions per user with a token bucket
// kept in Redis, so the limit holds across API replicas. Each user draws
// from an independent bucket that refills continuously up to the configured
// burst capacity.
type SubmissionLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewSubmissionLimiter builds a limiter from the rate-limit config block.
func NewSubmissionLimiter(client *redis.Client, cfg config.Config) *SubmissionLimiter {
	ttl := cfg.RateLimitTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &SubmissionLimiter{
		client:   client,
		capacity: cfg.RateLimitCapacity,
		refill:   cfg.RateLimitRefill,
		ttl:      ttl,
		now:      time.Now,
	}
}

func submissionKey(userID int64) string {
	return submissionKeyPrefix + strconv.FormatInt(userID, 10)
}

// AllowSubmission draws one token from the user's bucket. It reports whether
// the submission may proceed and how many tokens remain.
func (l *SubmissionLimiter) AllowSubmission(ctx context.Context, userID int64) (bool, float64, error) {
	nowMillis := l.now().UnixMilli()
	res, err := drawScript.Run(ctx, l.client, []string{submissionKey(userID)},
		l.capacity, l.refill, nowMillis, l.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, nil
	}
	allowed := arr[0].(int64) == 1
	var remaining float64
	switch v := arr[1].(type) {
	case int64:
		remaining = float64(v)
	case string:
		remaining, _ = strconv.ParseFloat(v, 64)
	}
	return allowed, remaining, nil
}

// drawScript refills the bucket by elapsed wall time, then draws one token
// if any is available. Refill and draw happen atomically so concurrent API
// replicas cannot over-admit.
var drawScript = redis.NewScript(`
local bucket = KEYS[1]
local burst = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', bucket, 'level', 'stamp')
local level = tonumber(state[1])
local stamp = tonumber(state[2])
if level == nil then level = burst end
if stamp == nil then stamp = now_ms end

local elapsed_ms = math.max(0, now_ms - stamp)
level = math.min(burst, level + elapsed_ms / 1000 * rate)

local admitted = 0
if level >= 1 then
  admitted = 1
  level = level - 1
end

redis.call('HMSET', bucket, 'level', tostring(level), 'stamp', now_ms)
if ttl_ms > 0 then redis.call('PEXPIRE', bucket, ttl_ms) end
return {admitted, tostring(level)}
`)
