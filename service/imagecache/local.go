package imagecache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
)

type LocalCache struct {
	metrics
	lru *lru.Cache[string, []byte]
}

func NewLocalCache(size int, reg prometheus.Registerer) (*LocalCache, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &LocalCache{
		metrics: newMetrics(reg),
		lru:     cache,
	}, nil
}

func (c *LocalCache) Put(ctx context.Context, id string, b []byte) error {
	c.lru.Add(id, b)
	return nil
}

func (c *LocalCache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	if b, ok := c.lru.Get(id); ok {
		c.hits.Inc()
		return b, true, nil
	}
	c.misses.Inc()
	return nil, false, nil
}
