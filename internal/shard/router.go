// Package shard implements the deterministic routing layer described in
// §4.2: a pure function from (tenant, resource kind, key material,
// generation, shard count) to an actor instance name. The router never
// rebalances existing artifacts — a shard-count change only affects newly
// created ones, which is the central correctness property the whole
// identifier scheme rests on.
package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
)

// Hash is a routing hash function. HashFNV1a is used for lower-stakes
// routing (session, authorization code); HashSHA256 is used for
// refresh-token family routing, per §4.2.
type Hash func(s string) uint32

// HashFNV1a hashes s with 32-bit FNV-1a.
func HashFNV1a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// HashSHA256 hashes s with SHA-256 and returns the first 4 bytes as an
// unsigned big-endian integer, as specified in §4.2.
func HashSHA256(s string) uint32 {
	sum := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint32(sum[:4])
}

// Key identifies the routing inputs for one actor-instance lookup.
type Key struct {
	Tenant       string
	Kind         string
	KeyMaterial  string
	Generation   int
	ShardCount   int
	HashFunc     Hash
}

// InstanceName computes the actor name for k, implementing §4.2's template:
//
//	"tenant:" + tenant + ":" + kind + ":" + keyMaterial + ":v" + generation + ":shard-" + (H(keyMaterial) mod shardCount)
func InstanceName(k Key) string {
	if k.ShardCount <= 0 {
		k.ShardCount = 1
	}
	h := k.HashFunc
	if h == nil {
		h = HashFNV1a
	}
	idx := int(h(k.KeyMaterial) % uint32(k.ShardCount))
	return fmt.Sprintf("tenant:%s:%s:%s:v%d:shard-%d", k.Tenant, k.Kind, k.KeyMaterial, k.Generation, idx)
}

// LegacyInstanceName computes the backward-compatible actor name for
// identifiers issued before generation/shard embedding existed: it lacks the
// ":v…:shard-…" suffix entirely and is treated as generation 0 (§4.2, §6.2).
func LegacyInstanceName(tenant, kind, keyMaterial string) string {
	return fmt.Sprintf("tenant:%s:%s:%s", tenant, kind, keyMaterial)
}

// ShardIndex returns the shard index k routes to, without building the full
// instance name. Useful for embedding the index in an identifier (e.g.
// session ids, refresh-token jtis).
func ShardIndex(keyMaterial string, shardCount int, h Hash) int {
	if shardCount <= 0 {
		shardCount = 1
	}
	if h == nil {
		h = HashFNV1a
	}
	return int(h(keyMaterial) % uint32(shardCount))
}

// genShardPrefix matches the "v{generation}_{shardIndex}_" prefix embedded
// in refresh-token jtis (§6.2: "v{gen}_{shard}_{randomBase64Url}").
var genShardPrefix = regexp.MustCompile(`^v(\d+)_(\d+)_`)

// ParseGenerationShard extracts the (generation, shardIndex) pair embedded
// in an artifact id. ok is false for legacy identifiers without an embedded
// prefix (e.g. "rt_{uuid}"), which callers must then route as generation 0
// (§4.2, §9 open question 3).
func ParseGenerationShard(id string) (generation, shardIndex int, ok bool) {
	m := genShardPrefix.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, false
	}
	gen, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	idx, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return gen, idx, true
}
