package challenge

import (
	"context"
	"time"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/apierr"
)

// dpopEntry records that a DPoP proof's jti has already been seen.
type dpopEntry struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

// DPoPState is the persisted shape of one DPoPJTIStore shard.
type DPoPState struct {
	actorstore.Versioned
	Seen map[string]dpopEntry `json:"seen"`
}

// NewDPoPState is the zero-value seed for a fresh DPoPJTIStore instance.
func NewDPoPState() DPoPState { return DPoPState{Seen: make(map[string]dpopEntry)} }

// DPoPJTIStore rejects replayed DPoP proof jtis within their freshness
// window (RFC 9449 §11.1), a single-use check structurally identical to
// the other challenge stores but keyed purely on presence rather than a
// stored payload.
type DPoPJTIStore struct {
	actor *actorstore.Actor[DPoPState]
	now   func() time.Time
}

// NewDPoPJTIStore constructs a DPoPJTIStore bound to a durable actor
// instance.
func NewDPoPJTIStore(a *actorstore.Actor[DPoPState], now func() time.Time) *DPoPJTIStore {
	if now == nil {
		now = time.Now
	}
	return &DPoPJTIStore{actor: a, now: now}
}

// CheckAndStore atomically rejects jti if it has been seen within the
// still-valid window, otherwise records it for freshnessWindow.
func (d *DPoPJTIStore) CheckAndStore(ctx context.Context, jti string, freshnessWindow time.Duration) error {
	now := d.now()
	return d.actor.Mutate(ctx, func(st *DPoPState) error {
		if st.Seen == nil {
			st.Seen = make(map[string]dpopEntry)
		}
		if e, ok := st.Seen[jti]; ok && now.Before(e.ExpiresAt) {
			return apierr.Consistency("invalid_dpop_proof", "replay", "dpop proof jti already used")
		}
		st.Seen[jti] = dpopEntry{ExpiresAt: now.Add(freshnessWindow)}
		return nil
	})
}

// Sweep purges expired jti entries, driven by Actor.StartAlarm.
func (d *DPoPJTIStore) Sweep(ctx context.Context) error {
	now := d.now()
	return d.actor.Mutate(ctx, func(st *DPoPState) error {
		for jti, e := range st.Seen {
			if now.After(e.ExpiresAt) {
				delete(st.Seen, jti)
			}
		}
		return nil
	})
}
