// Package imagecache holds recently generated images so peers and UIs
// can fetch them by id without re-reading the durable store.
package imagecache

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Kind string

const (
	KindNone  Kind = "none"
	KindLocal Kind = "local"
	KindRedis Kind = "redis"
)

func (k *Kind) Set(s string) error {
	switch s {
	case "none", "":
		*k = KindNone
	case "local":
		*k = KindLocal
	case "redis":
		*k = KindRedis
	default:
		return fmt.Errorf("unknown image cache kind: %s", s)
	}
	return nil
}

func (k Kind) String() string {
	return string(k)
}

type Config struct {
	Kind Kind `yaml:"kind"`
	// LocalCacheSize is the entry count bound of the in-memory cache.
	LocalCacheSize     int           `yaml:"local_cache_size"`
	RedisAddr          string        `yaml:"redis_addr"`
	RedisKeyExpiration time.Duration `yaml:"redis_key_expiration"`
}

func (c *Config) SetFlags(fs *flag.FlagSet) {
	fs.Var(&c.Kind, "imagecache.kind", "image cache kind [none, local, redis]")
	fs.IntVar(&c.LocalCacheSize, "imagecache.localsize", 128, "number of images to keep in the local cache")
	fs.StringVar(&c.RedisAddr, "imagecache.redisaddr", "localhost:6379", "redis address for the redis cache")
	fs.DurationVar(&c.RedisKeyExpiration, "imagecache.rediskeyexpiry", time.Hour, "expiration duration of redis keys")
}

// Cache stores image bytes by id.
type Cache interface {
	Put(ctx context.Context, id string, b []byte) error
	Get(ctx context.Context, id string) ([]byte, bool, error)
}

func New(conf Config, reg prometheus.Registerer) (Cache, error) {
	switch conf.Kind {
	case KindLocal:
		size := conf.LocalCacheSize
		if size <= 0 {
			size = 128
		}
		return NewLocalCache(size, reg)
	case KindRedis:
		return NewRedisCache(conf, reg), nil
	}
	return nopCache{}, nil
}

type metrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return metrics{
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "image_cache_hits_total",
			Help: "Number of hits for an image cache lookup.",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "image_cache_misses_total",
			Help: "Number of misses for an image cache lookup.",
		}),
	}
}

type nopCache struct{}

func (nopCache) Put(ctx context.Context, id string, b []byte) error {
	return nil
}

func (nopCache) Get(ctx context.Context, id string) ([]byte, bool, error) {
	return nil, false, nil
}
