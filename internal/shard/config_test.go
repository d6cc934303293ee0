package shard_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/shard"
	"github.com/sgrastar/authrim/pkg/log"
)

func newConfig(t *testing.T, defaultShardCount int) *shard.Config {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-shard-config", memorydurable.New(), logger, shard.NewConfigState(defaultShardCount))
	return shard.NewConfig(a)
}

func TestCurrentReturnsDefaultBeforeAnyReshard(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t, 16)

	gen, count, err := cfg.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, gen)
	require.Equal(t, 16, count)
}

func TestReshardBumpsGenerationAndShardCount(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t, 16)

	require.NoError(t, cfg.Reshard(ctx, time.Now(), 32))

	gen, count, err := cfg.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, gen)
	require.Equal(t, 32, count)
}

func TestCachedConfigServesCachedValueWithinTTL(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t, 16)
	clock := time.Now()
	cached := shard.NewCachedConfig(cfg, time.Minute, func() time.Time { return clock })

	snap, err := cached.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 16, snap.ShardCount)

	require.NoError(t, cfg.Reshard(ctx, clock, 64))

	clock = clock.Add(30 * time.Second)
	stillCached, err := cached.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 16, stillCached.ShardCount, "cache must not refresh before ttl elapses")
}

func TestCachedConfigRefreshesAfterTTL(t *testing.T) {
	ctx := context.Background()
	cfg := newConfig(t, 16)
	clock := time.Now()
	cached := shard.NewCachedConfig(cfg, time.Minute, func() time.Time { return clock })

	_, err := cached.Current(ctx)
	require.NoError(t, err)

	require.NoError(t, cfg.Reshard(ctx, clock, 64))

	clock = clock.Add(2 * time.Minute)
	fresh, err := cached.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, 64, fresh.ShardCount)
}
