package imagecache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

type RedisCache struct {
	metrics
	expiry time.Duration
	client *redis.Client
}

func NewRedisCache(conf Config, reg prometheus.Registerer) *RedisCache {
	return &RedisCache{
		metrics: newMetrics(reg),
		expiry:  conf.RedisKeyExpiration,
		client:  redis.NewClient(&redis.Options{Addr: conf.RedisAddr}),
	}
}

func (c *RedisCache) Put(ctx context.Context, id string, b []byte) error {
	return c.client.Set(ctx, id, b, c.expiry).Err()
}

func (c *RedisCache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	res := c.client.Get(ctx, id)
	if err := res.Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Inc()
			return nil, false, nil
		}
		return nil, false, err
	}
	b, err := res.Bytes()
	if err != nil {
		return nil, false, err
	}
	c.hits.Inc()
	return b, true, nil
}
