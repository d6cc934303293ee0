package shard_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/shard"
)

func TestInstanceNameIsDeterministic(t *testing.T) {
	k := shard.Key{Tenant: "default", Kind: "session", KeyMaterial: "user-1", Generation: 0, ShardCount: 16}
	require.Equal(t, shard.InstanceName(k), shard.InstanceName(k))
}

func TestInstanceNameChangesWithGeneration(t *testing.T) {
	base := shard.Key{Tenant: "default", Kind: "session", KeyMaterial: "user-1", ShardCount: 16}
	gen0 := base
	gen0.Generation = 0
	gen1 := base
	gen1.Generation = 1

	require.NotEqual(t, shard.InstanceName(gen0), shard.InstanceName(gen1))
}

func TestInstanceNameDefaultsShardCountToOne(t *testing.T) {
	k := shard.Key{Tenant: "default", Kind: "session", KeyMaterial: "anything", ShardCount: 0}
	require.Equal(t, "tenant:default:session:anything:v0:shard-0", shard.InstanceName(k))
}

func TestInstanceNameUsesSHA256WhenRequested(t *testing.T) {
	k := shard.Key{Tenant: "default", Kind: "refresh", KeyMaterial: "user-1:client-1", ShardCount: 16, HashFunc: shard.HashSHA256}
	name := shard.InstanceName(k)
	require.Contains(t, name, "tenant:default:refresh:user-1:client-1:v0:shard-")
}

func TestShardIndexWithinRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		idx := shard.ShardIndex("some-key-material", 8, shard.HashFNV1a)
		require.GreaterOrEqual(t, idx, 0)
		require.Less(t, idx, 8)
	}
}

func TestParseGenerationShardExtractsEmbeddedPrefix(t *testing.T) {
	gen, idx, ok := shard.ParseGenerationShard("v2_5_abcDEF123")
	require.True(t, ok)
	require.Equal(t, 2, gen)
	require.Equal(t, 5, idx)
}

func TestParseGenerationShardFalseForLegacyID(t *testing.T) {
	_, _, ok := shard.ParseGenerationShard("rt_9f8a7b6c")
	require.False(t, ok)
}

func TestLegacyInstanceNameHasNoVersionSuffix(t *testing.T) {
	name := shard.LegacyInstanceName("default", "session", "user-1")
	require.Equal(t, "tenant:default:session:user-1", name)
}
