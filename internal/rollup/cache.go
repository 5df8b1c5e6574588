package rollup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultCacheTTL    = 60 * time.Second
	defaultCachePrefix = "dmarc:rollup"
	cacheOpTimeout     = 2 * time.Second
)

// Backend is the part of a redis client the cache uses.
type Backend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Cache stores view results in redis. Entries are keyed by the store
// generation, which Invalidate bumps after every ingested report, and expire
// after TTL, so a cached view is never older than TTL. Redis failures fall
// through to the store.
type Cache struct {
	rdb    Backend
	ttl    time.Duration
	prefix string
	group  singleflight.Group
}

func NewCache(rdb Backend, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{rdb: rdb, ttl: ttl, prefix: defaultCachePrefix}
}

// TTL is the staleness bound of cached views.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) generationKey() string {
	return c.prefix + ":generation"
}

// Invalidate makes every cached view unreachable.
func (c *Cache) Invalidate(ctx context.Context) error {
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()
	return c.rdb.Incr(opCtx, c.generationKey()).Err()
}

func (c *Cache) generation(ctx context.Context) (int64, error) {
	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	gen, err := c.rdb.Get(opCtx, c.generationKey()).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func (c *Cache) key(view string, f Filter, extra string, gen int64) (string, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append(payload, extra...))
	return fmt.Sprintf("%s:%d:%s:%s", c.prefix, gen, view, hex.EncodeToString(sum[:12])), nil
}

// cached returns the stored result for (view, f, extra) or computes and
// stores it. Concurrent identical requests share one computation.
func cached[T any](ctx context.Context, c *Cache, view string, f Filter, extra string, compute func() (T, error)) (T, error) {
	if c == nil {
		return compute()
	}

	gen, err := c.generation(ctx)
	if err != nil {
		log.Warn("rollup cache unavailable", "view", view, "error", err)
		return compute()
	}
	key, err := c.key(view, f, extra, gen)
	if err != nil {
		return compute()
	}

	opCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	raw, err := c.rdb.Get(opCtx, key).Bytes()
	cancel()
	if err == nil {
		var out T
		if jsonErr := json.Unmarshal(raw, &out); jsonErr == nil {
			log.Debug("rollup cache hit", "view", view, "key", key)
			return out, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warn("rollup cache read failed", "view", view, "error", err)
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		out, err := compute()
		if err != nil {
			return out, err
		}
		if payload, jsonErr := json.Marshal(out); jsonErr == nil {
			setCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
			defer cancel()
			if setErr := c.rdb.Set(setCtx, key, payload, c.ttl).Err(); setErr != nil {
				log.Warn("rollup cache write failed", "view", view, "error", setErr)
			}
		}
		return out, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
