package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces rate limit counters in a shared Redis.
const DefaultRedisKeyPrefix = "nemesis:ratelimit:"

// fixedWindowScript increments the counter and starts its window on the first
// hit. It returns the new count and the remaining window in milliseconds.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisRateLimitStore implements RateLimitStore with a fixed window counter
// shared across API replicas. Redis failures fail open: the request is
// allowed, logged and counted.
type RedisRateLimitStore struct {
	client  redis.Scripter
	prefix  string
	metrics *Metrics
	logger  *slog.Logger
}

// NewRedisRateLimitStore creates a Redis-backed store. metrics and logger may be nil.
func NewRedisRateLimitStore(client redis.Scripter, metrics *Metrics, logger *slog.Logger) *RedisRateLimitStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateLimitStore{
		client:  client,
		prefix:  DefaultRedisKeyPrefix,
		metrics: metrics,
		logger:  logger,
	}
}

// Allow implements RateLimitStore.
func (s *RedisRateLimitStore) Allow(ctx context.Context, key string, config RateLimitConfig) (bool, int) {
	res, err := fixedWindowScript.Run(ctx, s.client, []string{s.prefix + key}, config.WindowDuration.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if s.metrics != nil {
			s.metrics.IncRateLimitRedisErrors()
		}
		s.logger.WarnContext(ctx, "rate limiter redis unavailable, allowing request",
			slog.String("key", key),
			slog.Any("error", err),
		)
		return true, 0
	}

	count, ttlMS := res[0], res[1]
	if count <= int64(config.RequestsPerWindow) {
		return true, 0
	}
	return false, retryAfterSeconds(time.Duration(ttlMS) * time.Millisecond)
}
