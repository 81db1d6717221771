// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package cache implements the hub's two-tier cache. Tier 1 is a bounded
// in-process LRU with write-time expiry; tier 2 is an optional redis store
// with explicit TTLs. A policy table binds each logical data class to the
// tiers it may use, and values cross the boundary as bytes so a malformed
// entry can always be treated as a miss instead of an error.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/eden-vertex/vertex/pkg/config"
	"github.com/eden-vertex/vertex/pkg/telemetry"
	"github.com/eden-vertex/vertex/pkg/util/log"
)

// Tier says which stores a data class may use.
type Tier uint8

const (
	// TierOff disables caching for the class.
	TierOff Tier = iota
	// TierLocal uses only the in-process LRU.
	TierLocal
	// TierRemote uses only redis.
	TierRemote
	// TierBoth reads local first, then redis, and writes through to both.
	TierBoth
)

// Well-known data classes. Callers may introduce new classes; unknown
// classes fall back to the local tier.
const (
	ClassQueries    = "queries"
	ClassReports    = "reports"
	ClassDashboards = "dashboards"
	ClassMetrics    = "metrics"
	ClassSecrets    = "secrets"
)

// defaultPolicy binds each data class to its tiers. Reports and dashboards
// are worth sharing across nodes; metrics and secrets stay process-local.
var defaultPolicy = map[string]Tier{
	ClassQueries:    TierBoth,
	ClassReports:    TierBoth,
	ClassDashboards: TierBoth,
	ClassMetrics:    TierLocal,
	ClassSecrets:    TierLocal,
}

var (
	tlmHits = telemetry.NewCounter("cache", "hits_total",
		[]string{"class", "tier"}, "Cache hits by data class and tier.")
	tlmMisses = telemetry.NewCounter("cache", "misses_total",
		[]string{"class"}, "Cache misses by data class.")
	tlmEvictions = telemetry.NewCounter("cache", "evictions_total",
		nil, "Entries evicted from the local tier.")
	tlmMalformed = telemetry.NewCounter("cache", "malformed_total",
		[]string{"class"}, "Cache entries dropped because they failed to decode.")
)

// Cache is the two-tier cache. The zero value is not usable; build one with
// New.
type Cache struct {
	local    *expirable.LRU[string, []byte]
	remote   *redis.Client
	policy   map[string]Tier
	localTTL time.Duration
	redisTTL time.Duration
	group    singleflight.Group
}

// New builds the cache from configuration. The redis tier is enabled only
// when an address is configured; without it every remote-eligible class
// quietly degrades to the local tier.
func New(cfg config.Cache) *Cache {
	c := &Cache{
		policy:   defaultPolicy,
		localTTL: cfg.LocalTTL.Std(),
		redisTTL: cfg.RedisTTL.Std(),
	}
	c.local = expirable.NewLRU[string, []byte](cfg.LocalSize, func(string, []byte) {
		tlmEvictions.WithLabelValues().Inc()
	}, cfg.LocalTTL.Std())

	if cfg.RedisAddr != "" {
		c.remote = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	}
	return c
}

// NewWithClient builds a cache around an existing redis client. Tests use it
// with miniredis.
func NewWithClient(cfg config.Cache, client *redis.Client) *Cache {
	c := New(config.Cache{
		LocalSize: cfg.LocalSize,
		LocalTTL:  cfg.LocalTTL,
		RedisTTL:  cfg.RedisTTL,
	})
	c.remote = client
	return c
}

// Close releases the redis connection when the remote tier is enabled.
func (c *Cache) Close() error {
	if c.remote != nil {
		return c.remote.Close()
	}
	return nil
}

func (c *Cache) tierFor(class string) Tier {
	if t, ok := c.policy[class]; ok {
		return t
	}
	return TierLocal
}

func redisKey(class, key string) string { return "vertex:cache:" + class + ":" + key }

// Get returns the cached bytes for (class, key) and whether they were found.
func (c *Cache) Get(ctx context.Context, class, key string) ([]byte, bool) {
	tier := c.tierFor(class)

	if tier == TierLocal || tier == TierBoth {
		if v, ok := c.local.Get(class + ":" + key); ok {
			tlmHits.WithLabelValues(class, "local").Inc()
			return v, true
		}
	}

	if (tier == TierRemote || tier == TierBoth) && c.remote != nil {
		v, err := c.remote.Get(ctx, redisKey(class, key)).Bytes()
		if err == nil {
			tlmHits.WithLabelValues(class, "remote").Inc()
			// Promote so the next read is local.
			if tier == TierBoth {
				c.local.Add(class+":"+key, v)
			}
			return v, true
		}
		if err != redis.Nil {
			log.Warnf("Cache read for %s/%s failed: %v", class, key, err)
		}
	}

	tlmMisses.WithLabelValues(class).Inc()
	return nil, false
}

// Put stores value under (class, key). A zero ttl uses the per-tier default.
func (c *Cache) Put(ctx context.Context, class, key string, value []byte, ttl time.Duration) {
	tier := c.tierFor(class)
	if tier == TierOff {
		return
	}

	if tier == TierLocal || tier == TierBoth {
		// The local tier expires every entry at its configured TTL; entries
		// that need to live shorter are capped by the remote tier only.
		c.local.Add(class+":"+key, value)
	}

	if (tier == TierRemote || tier == TierBoth) && c.remote != nil {
		if ttl <= 0 {
			ttl = c.redisTTL
		}
		if err := c.remote.Set(ctx, redisKey(class, key), value, ttl).Err(); err != nil {
			log.Warnf("Cache write for %s/%s failed: %v", class, key, err)
		}
	}
}

// Invalidate drops (class, key) from every tier it may live in.
func (c *Cache) Invalidate(ctx context.Context, class, key string) {
	c.local.Remove(class + ":" + key)
	if c.remote != nil {
		if err := c.remote.Del(ctx, redisKey(class, key)).Err(); err != nil {
			log.Warnf("Cache invalidation for %s/%s failed: %v", class, key, err)
		}
	}
}

// GetOrBuild returns the cached bytes for (class, key), building and storing
// them on a miss. Concurrent callers for the same key share one build call.
func (c *Cache) GetOrBuild(ctx context.Context, class, key string, ttl time.Duration, build func(context.Context) ([]byte, error)) ([]byte, error) {
	if v, ok := c.Get(ctx, class, key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(class+":"+key, func() (interface{}, error) {
		// Another flight may have filled the cache while we queued.
		if v, ok := c.Get(ctx, class, key); ok {
			return v, nil
		}
		built, err := build(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(ctx, class, key, built, ttl)
		return built, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// GetJSON decodes the cached entry into out. A malformed entry counts as a
// miss and is dropped so the next writer replaces it.
func (c *Cache) GetJSON(ctx context.Context, class, key string, out interface{}) bool {
	raw, ok := c.Get(ctx, class, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		log.Warnf("Dropping malformed cache entry %s/%s: %v", class, key, err)
		tlmMalformed.WithLabelValues(class).Inc()
		c.Invalidate(ctx, class, key)
		return false
	}
	return true
}

// PutJSON encodes value and stores it under (class, key).
func (c *Cache) PutJSON(ctx context.Context, class, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.Put(ctx, class, key, raw, ttl)
	return nil
}
