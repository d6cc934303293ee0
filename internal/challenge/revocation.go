package challenge

import (
	"context"
	"time"

	"github.com/sgrastar/authrim/internal/actorstore"
)

// revokedEntry is a tombstone: the token's hash is known bad until it
// would have expired on its own anyway, at which point the tombstone is
// redundant and can be swept.
type revokedEntry struct {
	ExpiresAt time.Time `json:"expiresAt"`
	Reason    string    `json:"reason,omitempty"`
}

// RevocationState is the persisted shape of one TokenRevocationStore shard.
type RevocationState struct {
	actorstore.Versioned
	Revoked map[string]revokedEntry `json:"revoked"`
}

// NewRevocationState is the zero-value seed for a fresh
// TokenRevocationStore instance.
func NewRevocationState() RevocationState {
	return RevocationState{Revoked: make(map[string]revokedEntry)}
}

// TokenRevocationStore tracks explicitly revoked access tokens (RFC 7009
// §2.1: opaque access tokens have no rotation family of their own, so
// revocation is a denylist keyed by token hash rather than a family
// operation). tokenHash is computed by the caller (server/token issuance)
// so this store never sees raw token material.
type TokenRevocationStore struct {
	actor *actorstore.Actor[RevocationState]
	now   func() time.Time
}

// NewTokenRevocationStore constructs a TokenRevocationStore bound to a
// durable actor instance.
func NewTokenRevocationStore(a *actorstore.Actor[RevocationState], now func() time.Time) *TokenRevocationStore {
	if now == nil {
		now = time.Now
	}
	return &TokenRevocationStore{actor: a, now: now}
}

// Revoke tombstones tokenHash until naturalExpiry.
func (r *TokenRevocationStore) Revoke(ctx context.Context, tokenHash, reason string, naturalExpiry time.Time) error {
	return r.actor.Mutate(ctx, func(st *RevocationState) error {
		if st.Revoked == nil {
			st.Revoked = make(map[string]revokedEntry)
		}
		st.Revoked[tokenHash] = revokedEntry{ExpiresAt: naturalExpiry, Reason: reason}
		return nil
	})
}

// IsRevoked reports whether tokenHash has an active tombstone.
func (r *TokenRevocationStore) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	now := r.now()
	var revoked bool
	err := r.actor.Read(ctx, func(st RevocationState) {
		if e, ok := st.Revoked[tokenHash]; ok && now.Before(e.ExpiresAt) {
			revoked = true
		}
	})
	return revoked, err
}

// Sweep purges tombstones past their natural expiry, driven by
// Actor.StartAlarm.
func (r *TokenRevocationStore) Sweep(ctx context.Context) error {
	now := r.now()
	return r.actor.Mutate(ctx, func(st *RevocationState) error {
		for hash, e := range st.Revoked {
			if now.After(e.ExpiresAt) {
				delete(st.Revoked, hash)
			}
		}
		return nil
	})
}
