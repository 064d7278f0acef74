package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "wirechat:rl:"

// Redis is a fixed window limiter shared by every relay instance using the same Redis.
type Redis struct {
	rdb    *redis.Client
	limit  int64
	period time.Duration
}

// NewRedis connects to url and verifies the connection.
func NewRedis(ctx context.Context, url string, limit int, period time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if period <= 0 {
		period = time.Minute
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{rdb: rdb, limit: int64(limit), period: period}, nil
}

func (l *Redis) Allow(ctx context.Context, key string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}

	k := keyPrefix + key
	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.ExpireNX(ctx, k, l.period)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit %s: %w", key, err)
	}
	return incr.Val() <= l.limit, nil
}

// Close releases the underlying connection pool.
func (l *Redis) Close() error {
	return l.rdb.Close()
}
