package core

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultAttemptKeyPrefix = "login-attempt:"

var attemptScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
  redis.call("SET", KEYS[1], 1, "PX", ARGV[2])
  return 1
end
if tonumber(current) >= tonumber(ARGV[1]) then
  return 0
end
redis.call("INCR", KEYS[1])
return 1
`)

type RedisRateLimiter struct {
	client    redis.UniversalClient
	keyPrefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, keyPrefix string) *RedisRateLimiter {
	if keyPrefix == "" {
		keyPrefix = DefaultAttemptKeyPrefix
	}
	return &RedisRateLimiter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (r *RedisRateLimiter) key(key string) string {
	return r.keyPrefix + key
}

func (r *RedisRateLimiter) CheckAndIncrement(ctx context.Context, key string, limit int, window time.Duration) error {
	result, err := attemptScript.Run(ctx, r.client, []string{r.key(key)}, limit, window.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrRateLimitExceeded
	}
	return nil
}

func (r *RedisRateLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
