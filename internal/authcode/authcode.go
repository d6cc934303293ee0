// Package authcode implements the AuthorizationCodeStore actor (C5):
// one-time authorization codes with PKCE verification, replay detection,
// and the code→family index that powers cascade revocation (§4.5, §9 open
// question 1). Grounded on dex's storage.AuthCode type and
// server/authcodehandlers.go's PKCE verification flow, generalized from
// dex's single compare-and-swap storage into an explicit actor.
package authcode

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"time"

	"context"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/apierr"
)

// PKCEMethod is the code_challenge_method an authorization code was stored
// with (§3.1).
type PKCEMethod string

const (
	PKCES256  PKCEMethod = "S256"
	PKCEPlain PKCEMethod = "plain"
)

// Record is the payload stashed at /authorize time and consumed at /token
// (§3.1 Authorization Code).
type Record struct {
	ClientID            string     `json:"clientId"`
	RedirectURI         string     `json:"redirectUri"`
	UserID              string     `json:"userId"`
	Scope               []string   `json:"scope"`
	CodeChallenge       string     `json:"codeChallenge,omitempty"`
	CodeChallengeMethod PKCEMethod `json:"codeChallengeMethod,omitempty"`
	Nonce               string     `json:"nonce,omitempty"`
	State               string     `json:"state,omitempty"`
	AuthTime            time.Time  `json:"authTime"`
	ExpiresAt           time.Time  `json:"expiresAt"`

	Used   bool      `json:"used"`
	UsedAt time.Time `json:"usedAt,omitempty"`

	// FamilyIDs accumulates every refresh-token family issued against this
	// code, so a detected replay can cascade-revoke every one of them
	// (§9 open question 1, resolved here rather than in the family's own
	// metadata because AuthorizationCodeStore already owns the code's
	// lifetime and is the actor consulted on replay).
	FamilyIDs []string `json:"familyIds,omitempty"`
}

// State is the persisted shape of one tenant's AuthorizationCodeStore actor.
type State struct {
	actorstore.Versioned
	Codes map[string]Record `json:"codes"`
}

// NewState is the zero-value seed for a fresh actor instance.
func NewState() State { return State{Codes: make(map[string]Record)} }

// Store is the AuthorizationCodeStore actor (C5), typically one instance
// per tenant.
type Store struct {
	actor         *actorstore.Actor[State]
	now           func() time.Time
	allowPlainPKCE bool
}

// New constructs a Store. allowPlainPKCE controls whether the "plain" PKCE
// method (§3.1) is accepted at Consume time, per §8's boundary behaviour
// ("PKCE plain method rejected when policy forbids it").
func New(a *actorstore.Actor[State], now func() time.Time, allowPlainPKCE bool) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{actor: a, now: now, allowPlainPKCE: allowPlainPKCE}
}

// Store persists a fresh, unused code. Fails if code already exists
// (§4.5), which should never happen for a cryptographically random code but
// is still checked to fail closed rather than clobber an in-flight code.
func (s *Store) Store(ctx context.Context, code string, rec Record) error {
	if len(code) == 0 || len(code) >= 4096 {
		return apierr.Protocol("invalid_request", "authorization code length out of bounds")
	}
	return s.actor.Mutate(ctx, func(st *State) error {
		if st.Codes == nil {
			st.Codes = make(map[string]Record)
		}
		if _, exists := st.Codes[code]; exists {
			return apierr.Fatal("authorization code already exists", nil)
		}
		st.Codes[code] = rec
		return nil
	})
}

// AttachFamily records that familyID was spawned from code, maintaining the
// cascade index (§9 open question 1).
func (s *Store) AttachFamily(ctx context.Context, code, familyID string) error {
	return s.actor.Mutate(ctx, func(st *State) error {
		rec, ok := st.Codes[code]
		if !ok {
			return nil
		}
		rec.FamilyIDs = append(rec.FamilyIDs, familyID)
		st.Codes[code] = rec
		return nil
	})
}

// FamiliesFor returns every family id previously attached to code, used by
// the token handler's replay cascade (§4.9 step 2, §7).
func (s *Store) FamiliesFor(ctx context.Context, code string) ([]string, error) {
	var ids []string
	err := s.actor.Read(ctx, func(st State) {
		if rec, ok := st.Codes[code]; ok {
			ids = append(ids, rec.FamilyIDs...)
		}
	})
	return ids, err
}

func computeS256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func constantTimeEqual(a, b string) bool {
	// subtle.ConstantTimeCompare requires equal-length inputs to avoid a
	// length side channel; mismatched lengths are never a legitimate match.
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Consume implements §4.5's consume algorithm exactly:
//  1. missing/expired -> invalid_grant
//  2. already used -> replay (consistency error, caller must cascade)
//  3. clientId mismatch -> invalid_grant
//  4. PKCE verification
//  5. atomically mark used and return the payload
func (s *Store) Consume(ctx context.Context, code, clientID, codeVerifier string) (Record, error) {
	now := s.now()
	var out Record

	err := s.actor.Mutate(ctx, func(st *State) error {
		rec, ok := st.Codes[code]
		if !ok {
			return apierr.Protocol("invalid_grant", "unknown or expired authorization code")
		}
		if now.After(rec.ExpiresAt) {
			delete(st.Codes, code) // purge on access, per §4.5 edge case
			return actorstore.Commit(apierr.Protocol("invalid_grant", "expired authorization code"))
		}
		if rec.Used {
			return apierr.Consistency("invalid_grant", "replay", "authorization code already consumed")
		}
		if !constantTimeEqual(rec.ClientID, clientID) {
			return apierr.Protocol("invalid_grant", "client_id does not match authorization request")
		}

		if rec.CodeChallenge != "" {
			if codeVerifier == "" {
				return apierr.Protocol("invalid_grant", "code_verifier required")
			}
			method := rec.CodeChallengeMethod
			if method == "" {
				method = PKCEPlain
			}
			if method == PKCEPlain && !s.allowPlainPKCE {
				return apierr.Protocol("invalid_request", "plain PKCE method not permitted")
			}
			var computed string
			switch method {
			case PKCES256:
				computed = computeS256Challenge(codeVerifier)
			case PKCEPlain:
				computed = codeVerifier
			default:
				return apierr.Protocol("invalid_request", "unsupported code_challenge_method")
			}
			if !constantTimeEqual(rec.CodeChallenge, computed) {
				return apierr.Protocol("invalid_grant", "code_verifier does not match code_challenge")
			}
		} else if codeVerifier != "" {
			return apierr.Protocol("invalid_request", "code_verifier supplied without a code_challenge on file")
		}

		rec.Used = true
		rec.UsedAt = now
		st.Codes[code] = rec
		out = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// Sweep purges expired, never-consumed codes, driven by Actor.StartAlarm.
func (s *Store) Sweep(ctx context.Context) error {
	now := s.now()
	return s.actor.Mutate(ctx, func(st *State) error {
		for code, rec := range st.Codes {
			if now.After(rec.ExpiresAt) {
				delete(st.Codes, code)
			}
		}
		return nil
	})
}
