package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RateLimiter enforces a fixed hourly window per API key on Redis. With no
// Redis client, or when Redis fails, it allows the request: rate limiting
// is protection, not a correctness gate.
type RateLimiter struct {
	client *redis.Client
	limit  int
	log    zerolog.Logger
}

func NewRateLimiter(client *redis.Client, limit int, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{client: client, limit: limit, log: log}
}

func (rl *RateLimiter) Allow(ctx context.Context, keyID int) bool {
	if rl.client == nil || rl.limit <= 0 {
		return true
	}

	key := fmt.Sprintf("ratelimit:key:%d:%s", keyID, time.Now().Format("2006-01-02-15"))

	count, err := rl.client.Incr(ctx, key).Result()
	if err != nil {
		rl.log.Warn().Err(err).Msg("rate limit check failed, allowing")
		return true
	}

	if count == 1 {
		rl.client.Expire(ctx, key, time.Hour)
	}

	return count <= int64(rl.limit)
}
