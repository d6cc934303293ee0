package shard

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sgrastar/authrim/internal/actorstore"
)

// GenerationInfo records one historical shard-count generation (§3.1 Shard
// Config). deprecatedAt is zero while the generation is still current.
type GenerationInfo struct {
	Generation   int       `json:"generation"`
	ShardCount   int       `json:"shardCount"`
	DeprecatedAt time.Time `json:"deprecatedAt,omitempty"`
}

// configState is the persisted shape of the shard-config actor for one
// resource kind (session shards, refresh-token shards, rate-limit shards all
// get independent instances of this actor).
type configState struct {
	actorstore.Versioned
	CurrentGeneration   int               `json:"currentGeneration"`
	CurrentShardCount   int               `json:"currentShardCount"`
	PreviousGenerations []GenerationInfo  `json:"previousGenerations"`
}

// Config is the admin-facing actor that owns the authoritative shard count
// for one resource kind. Updating it only changes routing for newly created
// artifacts (§4.2, §9 Design notes); already-issued identifiers keep
// resolving through their embedded generation.
type Config struct {
	actor *actorstore.Actor[configState]
}

// NewConfig wraps an already-constructed shard-config actor. The default
// shard count used before any configuration has been persisted comes from
// the actor's seed function (NewConfigState).
func NewConfig(a *actorstore.Actor[configState]) *Config {
	return &Config{actor: a}
}

// NewConfigState returns the zero-value seed for a fresh shard-config actor.
func NewConfigState(defaultShardCount int) func() configState {
	return func() configState {
		return configState{CurrentGeneration: 0, CurrentShardCount: defaultShardCount}
	}
}

// Current returns the live (generation, shardCount) pair for routing newly
// created artifacts.
func (c *Config) Current(ctx context.Context) (generation, shardCount int, err error) {
	err = c.actor.Read(ctx, func(s configState) {
		generation, shardCount = s.CurrentGeneration, s.CurrentShardCount
	})
	return
}

// Reshard bumps the generation and installs a new shard count, retiring the
// previous generation into history. It never touches already-issued
// artifacts — only the (generation, shardCount) pair future issuances read.
func (c *Config) Reshard(ctx context.Context, now time.Time, newShardCount int) error {
	return c.actor.Mutate(ctx, func(s *configState) error {
		s.PreviousGenerations = append(s.PreviousGenerations, GenerationInfo{
			Generation:   s.CurrentGeneration,
			ShardCount:   s.CurrentShardCount,
			DeprecatedAt: now,
		})
		s.CurrentGeneration++
		s.CurrentShardCount = newShardCount
		return nil
	})
}

// Snapshot is an immutable point-in-time view of a Config, the unit cached
// by CachedConfig.
type Snapshot struct {
	Generation int
	ShardCount int
}

// CachedConfig wraps a Config with a TTL-bounded immutable snapshot cache
// (§6.5 REFRESH_TOKEN_SHARD_CACHE_TTL_MS, §9 Design notes): concurrent
// readers may observe a previous snapshot for up to ttl, which is
// acceptable because routing of already-issued artifacts uses their
// embedded generation, never the live config. The cached value is replaced
// atomically and never mutated in place (§5 shared-resource policy).
type CachedConfig struct {
	cfg *Config
	ttl time.Duration
	now func() time.Time

	cached atomic.Pointer[cachedSnapshot]
}

type cachedSnapshot struct {
	snap      Snapshot
	refreshed time.Time
}

// NewCachedConfig wraps cfg with a TTL cache of ttl.
func NewCachedConfig(cfg *Config, ttl time.Duration, now func() time.Time) *CachedConfig {
	if now == nil {
		now = time.Now
	}
	return &CachedConfig{cfg: cfg, ttl: ttl, now: now}
}

// Current returns a possibly-stale snapshot, refreshing from the underlying
// actor only if the cache has expired.
func (c *CachedConfig) Current(ctx context.Context) (Snapshot, error) {
	if cs := c.cached.Load(); cs != nil && c.now().Sub(cs.refreshed) < c.ttl {
		return cs.snap, nil
	}
	gen, count, err := c.cfg.Current(ctx)
	if err != nil {
		if cs := c.cached.Load(); cs != nil {
			// Stale cache beats a failed read; the embedded-generation
			// scheme tolerates this (§9 Design notes).
			return cs.snap, nil
		}
		return Snapshot{}, err
	}
	snap := Snapshot{Generation: gen, ShardCount: count}
	c.cached.Store(&cachedSnapshot{snap: snap, refreshed: c.now()})
	return snap, nil
}
