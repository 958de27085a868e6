package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// pollTTL bounds how long a board's last-poll stamp is kept once it stops
// polling.
const pollTTL = 7 * 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	MarkPolled(ctx context.Context, hostname string, at time.Time) error
	LastPolled(ctx context.Context, hostnames []string) (map[string]time.Time, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// MarkPolled records when a board last talked to the scheduler.
func (c *RedisCache) MarkPolled(ctx context.Context, hostname string, at time.Time) error {
	return c.client.Set(ctx, BoardPollKey(hostname), at.UTC().UnixMilli(), pollTTL).Err()
}

// LastPolled returns the last poll time of each board that has one.
func (c *RedisCache) LastPolled(ctx context.Context, hostnames []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(hostnames))
	if len(hostnames) == 0 {
		return out, nil
	}

	keys := make([]string, len(hostnames))
	for i, h := range hostnames {
		keys[i] = BoardPollKey(h)
	}
	vals, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out[hostnames[i]] = time.UnixMilli(ms).UTC()
	}
	return out, nil
}
