package httpcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// L1Cache wraps a Store (the Postgres-backed L2 cache) with a Redis-backed
// L1 layer: reads check Redis first and fall back to the Store, writes go
// to both so a second process sharing the same Redis instance gets the hit.
//
// Grounded on oriys-nova/internal/cache/redis.go's RedisCache (key-prefixed
// Get/Set/Exists over *redis.Client, redis.Nil -> not-found translation).
type L1Cache struct {
	redis  *redis.Client
	l2     *Store
	ttl    time.Duration
	prefix string
}

// L1Config configures the Redis connection backing an L1Cache.
type L1Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// NewL1Cache builds an L1Cache in front of l2. l2 may not be nil: Redis is
// a volatile accelerator, never the source of truth.
func NewL1Cache(cfg L1Config, l2 *Store) *L1Cache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "drone-analyzer:httpcache:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &L1Cache{redis: client, l2: l2, ttl: ttl, prefix: prefix}
}

func (c *L1Cache) key(method, url string) string {
	return c.prefix + method + " " + url
}

// Get checks Redis first; on a miss or a decode failure it falls through to
// the Postgres store and, on a hit there, repopulates Redis.
func (c *L1Cache) Get(ctx context.Context, method, url string) (*Interaction, error) {
	raw, err := c.redis.Get(ctx, c.key(method, url)).Bytes()
	if err == nil {
		var in Interaction
		if jsonErr := json.Unmarshal(raw, &in); jsonErr == nil {
			return &in, nil
		}
	}

	in, err := c.l2.Get(ctx, method, url)
	if err != nil || in == nil {
		return in, err
	}

	if encoded, encErr := json.Marshal(in); encErr == nil {
		_ = c.redis.Set(ctx, c.key(method, url), encoded, c.ttl).Err()
	}
	return in, nil
}

// Set writes through to both Redis and the Postgres store. Like Store.Set,
// it stores nothing for a non-GET request or a non-200 response.
func (c *L1Cache) Set(ctx context.Context, in *Interaction) error {
	if in.RequestMethod != "GET" || in.ResponseStatus != 200 {
		return nil
	}
	if err := c.l2.Set(ctx, in); err != nil {
		return err
	}
	encoded, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return c.redis.Set(ctx, c.key(in.RequestMethod, in.RequestURL), encoded, c.ttl).Err()
}

// Close releases the Redis client's connections.
func (c *L1Cache) Close() error {
	return c.redis.Close()
}
