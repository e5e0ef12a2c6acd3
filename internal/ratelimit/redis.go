package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend counts requests in fixed windows shared by every gateway
// instance using the same Redis.
type RedisBackend struct {
	client redis.Scripter
	prefix string
}

var redisAllowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

// NewRedisBackend creates a backend on client. Keys are namespaced with
// prefix.
func NewRedisBackend(client redis.Scripter, prefix string) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) Allow(ctx context.Context, key string, limit Limit, _ time.Time) (bool, error) {
	windowMillis := limit.Window.Milliseconds()
	if windowMillis <= 0 {
		windowMillis = 1000
	}
	result, err := redisAllowScript.Run(ctx, b.client, []string{b.prefix + "ratelimit:" + key}, windowMillis).Result()
	if err != nil {
		return false, err
	}
	current, ok := result.(int64)
	if !ok {
		return false, errors.New("invalid redis counter response")
	}
	return current <= int64(limit.Max), nil
}
