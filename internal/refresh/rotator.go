// Package refresh implements the RefreshTokenRotator actor (C6):
// family-versioned refresh-token rotation with theft detection. The family
// is the unit of revocation; reuse of any superseded jti invalidates every
// token the family has ever issued. Grounded on dex's storage.RefreshToken
// rotation model (Token / ObsoleteToken) in storage/storage.go, generalized
// from a two-token window into the full previousJtis history and explicit
// version counter §3.1/§4.6 require.
package refresh

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/scope"
	"github.com/sgrastar/authrim/internal/shard"
)

// maxPreviousJTIs bounds how many superseded jtis a family remembers
// (§3.1: "previousJtis (≤ N)"). Only the most recent maxPreviousJTIs are
// kept; anything presented outside that window is already unambiguously
// unknown rather than theft, since it fell out of the family's memory.
const maxPreviousJTIs = 25

// Family is the unit of theft-invalidation (§3.1 Token Family).
type Family struct {
	ID            string    `json:"id"`
	CurrentJTI    string    `json:"currentJti"`
	PreviousJTIs  []string  `json:"previousJtis"`
	Version       int       `json:"version"`
	UserID        string    `json:"userId"`
	ClientID      string    `json:"clientId"`
	AllowedScope  []string  `json:"allowedScope"`
	CreatedAt     time.Time `json:"createdAt"`
	LastRotation  time.Time `json:"lastRotation"`
	ExpiresAt     time.Time `json:"expiresAt"`
	Generation    int       `json:"generation"`
	ShardIndex    int       `json:"shardIndex"`
}

// State is the persisted shape of one (clientId, generation, shardIndex)
// instance of the RefreshTokenRotator actor.
type State struct {
	actorstore.Versioned
	Families     map[string]Family `json:"families"`
	TokenToFamily map[string]string `json:"tokenToFamily"`
}

// NewState is the zero-value seed for a fresh actor instance.
func NewState() State {
	return State{Families: make(map[string]Family), TokenToFamily: make(map[string]string)}
}

// Rotator is the RefreshTokenRotator actor (C6).
type Rotator struct {
	actor      *actorstore.Actor[State]
	now        func() time.Time
	generation int
	shardIndex int
}

// New constructs a Rotator bound to the actor instance routed for
// (generation, shardIndex): every jti this instance mints embeds that pin
// so later re-sharding never orphans an already-issued token (§4.6, §8
// invariant 4).
func New(a *actorstore.Actor[State], now func() time.Time, generation, shardIndex int) *Rotator {
	if now == nil {
		now = time.Now
	}
	return &Rotator{actor: a, now: now, generation: generation, shardIndex: shardIndex}
}

func newJTI(generation, shardIndex int) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("refresh: generate jti: %w", err)
	}
	return fmt.Sprintf("v%d_%d_%s", generation, shardIndex, base64.RawURLEncoding.EncodeToString(buf)), nil
}

// CreateFamily inserts a fresh family at version 0, indexed by initialJti,
// per §4.6. initialJti is normally generated by the caller with NewJTI so
// it already carries this instance's (generation, shardIndex).
func (r *Rotator) CreateFamily(ctx context.Context, userID, clientID string, allowedScope []string, initialJTI string, ttl time.Duration) (string, error) {
	now := r.now()
	familyID, err := newJTI(r.generation, r.shardIndex)
	if err != nil {
		return "", err
	}
	family := Family{
		ID:           familyID,
		CurrentJTI:   initialJTI,
		Version:      0,
		UserID:       userID,
		ClientID:     clientID,
		AllowedScope: allowedScope,
		CreatedAt:    now,
		LastRotation: now,
		ExpiresAt:    now.Add(ttl),
		Generation:   r.generation,
		ShardIndex:   r.shardIndex,
	}
	err = r.actor.Mutate(ctx, func(s *State) error {
		if s.Families == nil {
			s.Families = make(map[string]Family)
			s.TokenToFamily = make(map[string]string)
		}
		s.Families[familyID] = family
		s.TokenToFamily[initialJTI] = familyID
		return nil
	})
	if err != nil {
		return "", err
	}
	return familyID, nil
}

// NewJTI mints a fresh jti pinned to this instance's (generation, shardIndex).
func (r *Rotator) NewJTI() (string, error) { return newJTI(r.generation, r.shardIndex) }

// RotateResult is what Rotate returns on success, per §4.6 step 5.
type RotateResult struct {
	NewJTI string
	Scope  []string
	Expiry time.Time
}

func pushPrevious(prev []string, jti string) []string {
	prev = append(prev, jti)
	if len(prev) > maxPreviousJTIs {
		prev = prev[len(prev)-maxPreviousJTIs:]
	}
	return prev
}

func containsStr(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Rotate checks the presented jti in this order:
//  1. unknown jti (neither current nor in history) -> invalid_grant
//  2. jti matches a previous (superseded) rotation -> theft: revoke family
//  3. otherwise mint a successor, bump version, remember the retired jti
//
// Theft is detected from jti history alone: Rotate receives no rtv claim,
// so the family's version is not compared against the presented token.
//
// requestedScope, if non-empty, must be a subset of the family's frozen
// allowedScope (§3.1: "no privilege escalation"); widening is rejected with
// invalid_scope while narrowing is allowed.
func (r *Rotator) Rotate(ctx context.Context, currentJTI string, requestedScope []string) (RotateResult, error) {
	now := r.now()
	var result RotateResult

	err := r.actor.Mutate(ctx, func(s *State) error {
		familyID, known := s.TokenToFamily[currentJTI]
		if !known {
			// Not the live token for any family. Check whether it's a
			// retired jti of some family still on record — that's theft.
			for fid, fam := range s.Families {
				if containsStr(fam.PreviousJTIs, currentJTI) {
					return theftDetected(s, fid)
				}
			}
			return apierr.Protocol("invalid_grant", "unknown refresh token")
		}

		family, ok := s.Families[familyID]
		if !ok {
			return apierr.Fatal("refresh: token-to-family index pointed at missing family", nil)
		}

		if family.CurrentJTI != currentJTI || containsStr(family.PreviousJTIs, currentJTI) {
			// The index says this jti belongs to familyID but it is no
			// longer the live token: it was superseded since the index
			// was last consistent with reality. Symptomatic of theft
			// (the jti-based counterpart of §4.6 step 4).
			return theftDetected(s, familyID)
		}

		if now.After(family.ExpiresAt) {
			delete(s.Families, familyID)
			delete(s.TokenToFamily, currentJTI)
			return actorstore.Commit(apierr.Protocol("invalid_grant", "refresh token family expired"))
		}

		grantedScope := family.AllowedScope
		if len(requestedScope) > 0 {
			if !scope.Scopes(family.AllowedScope).Contains(scope.Scopes(requestedScope)) {
				return apierr.Protocol("invalid_scope", "requested scope exceeds the family's allowed scope")
			}
			grantedScope = requestedScope
		}

		newJTIVal, err := newJTI(r.generation, r.shardIndex)
		if err != nil {
			return err
		}

		family.PreviousJTIs = pushPrevious(family.PreviousJTIs, family.CurrentJTI)
		family.CurrentJTI = newJTIVal
		family.Version++
		family.LastRotation = now
		s.Families[familyID] = family

		delete(s.TokenToFamily, currentJTI)
		s.TokenToFamily[newJTIVal] = familyID

		result = RotateResult{NewJTI: newJTIVal, Scope: grantedScope, Expiry: family.ExpiresAt}
		return nil
	})
	if err != nil {
		return RotateResult{}, err
	}
	return result, nil
}

// theftDetected clears every trace of a compromised family and returns the
// theft consistency error (§3.1, §4.6 step 3/4, §8 invariant 2), wrapped so
// Mutate persists the revocation instead of rolling it back: the whole
// point of detecting theft is that it survives a restart. Callers must
// still be holding the Mutate lock when this runs.
func theftDetected(s *State, familyID string) error {
	if family, ok := s.Families[familyID]; ok {
		delete(s.TokenToFamily, family.CurrentJTI)
		for _, jti := range family.PreviousJTIs {
			delete(s.TokenToFamily, jti)
		}
	}
	delete(s.Families, familyID)
	return actorstore.Commit(apierr.Consistency("invalid_grant", "theft", "refresh token reuse detected, family revoked"))
}

// RevokeFamily removes familyID and every index entry pointing at it
// (§4.6). Used by /revoke, /logout, and the authorization-code replay
// cascade (§4.9 step 2, §7).
func (r *Rotator) RevokeFamily(ctx context.Context, familyID, reason string) (existed bool, err error) {
	err = r.actor.Mutate(ctx, func(s *State) error {
		family, ok := s.Families[familyID]
		if !ok {
			return nil
		}
		delete(s.TokenToFamily, family.CurrentJTI)
		for _, jti := range family.PreviousJTIs {
			delete(s.TokenToFamily, jti)
		}
		delete(s.Families, familyID)
		existed = true
		return nil
	})
	return
}

// GetFamilyInfo is a read-only diagnostic lookup (§4.6).
func (r *Rotator) GetFamilyInfo(ctx context.Context, familyID string) (Family, bool, error) {
	var fam Family
	var ok bool
	err := r.actor.Read(ctx, func(s State) {
		fam, ok = s.Families[familyID]
	})
	return fam, ok, err
}

// FamilyIDForJTI resolves which family currently owns jti as its live
// token, if any. Used by /introspect and /revoke to locate a family from a
// presented refresh token.
func (r *Rotator) FamilyIDForJTI(ctx context.Context, jti string) (string, bool, error) {
	var id string
	var ok bool
	err := r.actor.Read(ctx, func(s State) {
		id, ok = s.TokenToFamily[jti]
	})
	return id, ok, err
}

// Sweep revokes every expired family, driven by Actor.StartAlarm.
func (r *Rotator) Sweep(ctx context.Context) error {
	now := r.now()
	return r.actor.Mutate(ctx, func(s *State) error {
		for id, fam := range s.Families {
			if now.After(fam.ExpiresAt) {
				delete(s.TokenToFamily, fam.CurrentJTI)
				for _, jti := range fam.PreviousJTIs {
					delete(s.TokenToFamily, jti)
				}
				delete(s.Families, id)
			}
		}
		return nil
	})
}

// RouteKey builds the shard.Key used to resolve the actor instance backing
// the family for (userID, clientID) at the given generation/shardCount,
// per §4.6 ("keyMaterial = userId + ':' + clientId").
func RouteKey(tenant, userID, clientID string, generation, shardCount int) shard.Key {
	return shard.Key{
		Tenant:      tenant,
		Kind:        "refresh",
		KeyMaterial: userID + ":" + clientID,
		Generation:  generation,
		ShardCount:  shardCount,
		HashFunc:    shard.HashSHA256,
	}
}
