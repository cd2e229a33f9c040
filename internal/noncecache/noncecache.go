// Package noncecache provides an optional Redis fast-path in front of the
// Postgres unique-constraint replay guard, plus a short-TTL read-through
// cache for site plan lookups. Postgres remains the single source of truth
// for replay detection per spec.md §4.2 — this cache only avoids a round
// trip to the database for a nonce it has already seen; a nonce it has not
// seen still goes through the Postgres insert. Adapted from the
// go-redis client wiring pattern in the reference pack.
package noncecache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rawblock/privanalytics/internal/models"
)

const (
	noncePrefix  = "nonce:"
	nonceTTL     = 48 * time.Hour // must exceed the shuffler's purge window
	planPrefix   = "plan:"
	planCacheTTL = 5 * time.Minute
)

// Cache wraps a Redis client. A nil *Cache is valid and treats every
// operation as a cache miss, so callers always fall through to Postgres when
// REDIS_URL is unset ("degraded mode", matching the teacher's handling of an
// unavailable optional dependency).
type Cache struct {
	rdb *redis.Client
}

// Connect dials Redis at addr. Returns an error if the initial ping fails;
// callers should treat that as non-fatal and run without the cache.
func Connect(ctx context.Context, addr string) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return &Cache{rdb: rdb}, nil
}

// Close shuts down the underlying client. Safe to call on a nil Cache.
func (c *Cache) Close() {
	if c != nil && c.rdb != nil {
		c.rdb.Close()
	}
}

// SeenNonce marks jti as seen via SETNX, returning true if it was already
// present (i.e. a probable replay the caller can short-circuit on without
// touching Postgres). A false result is not a guarantee of novelty — the
// caller must still attempt the Postgres insert, which is authoritative.
func (c *Cache) SeenNonce(ctx context.Context, siteID, jti string) (bool, error) {
	if c == nil {
		return false, nil
	}
	key := noncePrefix + siteID + ":" + jti
	wasSet, err := c.rdb.SetNX(ctx, key, 1, nonceTTL).Result()
	if err != nil {
		return false, err
	}
	return !wasSet, nil
}

// CachePlan writes a short-TTL plan entry for siteID.
func (c *Cache) CachePlan(ctx context.Context, siteID string, plan models.Plan) {
	if c == nil {
		return
	}
	_ = c.rdb.Set(ctx, planPrefix+siteID, string(plan), planCacheTTL).Err()
}

// Plan reads a cached plan for siteID. The second return is false on a miss
// or when the cache is disabled; callers fall through to Store.GetPlan.
func (c *Cache) Plan(ctx context.Context, siteID string) (models.Plan, bool) {
	if c == nil {
		return "", false
	}
	val, err := c.rdb.Get(ctx, planPrefix+siteID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			return "", false
		}
		return "", false
	}
	return models.Plan(val), true
}
