// Package keymanager implements the signing-key lifecycle actor (C3):
// generation, rotation with an overlap verification window, emergency
// rotation, and JWKS publication. Grounded on dex's server/rotation.go key
// rotation strategy, adapted from a single global storage.Keys blob into a
// per-tenant actor instance.
package keymanager

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/pkg/log"
)

// VerificationKey is a retired signing key kept around for verification
// only, per §3.1.
type VerificationKey struct {
	KID         string           `json:"kid"`
	PublicJWK   *jose.JSONWebKey `json:"publicJWK"`
	CreatedAt   time.Time        `json:"createdAt"`
	Expiry      time.Time        `json:"expiry"`
	Compromised bool             `json:"compromised,omitempty"`
}

// State is the persisted shape of one tenant's KeyManager actor.
type State struct {
	actorstore.Versioned

	ActiveKID        string            `json:"activeKID"`
	ActivePrivateJWK *jose.JSONWebKey  `json:"activePrivateJWK"`
	ActivePublicJWK  *jose.JSONWebKey  `json:"activePublicJWK"`
	ActiveCreatedAt  time.Time         `json:"activeCreatedAt"`
	VerificationKeys []VerificationKey `json:"verificationKeys"`
	NextRotation     time.Time         `json:"nextRotation"`
}

// NewState is the zero-value seed for a fresh KeyManager actor: no signing
// key yet, so the first Rotate call is always due.
func NewState() State { return State{} }

// Config controls rotation cadence and retention, sourced from §6.5's
// KEY_ROTATION_INTERVAL_DAYS / KEY_RETENTION_DAYS.
type Config struct {
	RotationInterval time.Duration
	RetentionPeriod  time.Duration
}

// Manager is the KeyManager actor (C3): one instance per tenant.
type Manager struct {
	actor  *actorstore.Actor[State]
	cfg    Config
	now    func() time.Time
	logger log.Logger
}

// New constructs a Manager bound to a durable actor instance.
func New(a *actorstore.Actor[State], cfg Config, now func() time.Time, logger log.Logger) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{actor: a, cfg: cfg, now: now, logger: logger}
}

func generateKeyPair() (priv, pub *jose.JSONWebKey, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	b := make([]byte, 20)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, nil, fmt.Errorf("generate kid: %w", err)
	}
	kid := hex.EncodeToString(b)
	priv = &jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	pub = &jose.JSONWebKey{Key: key.Public(), KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}
	return priv, pub, nil
}

// Sign signs payload with the currently active key, returning the compact
// JWS and the kid used, per §4.3. Rotate must have succeeded at least once
// before Sign can be called.
func (m *Manager) Sign(ctx context.Context, payload []byte) (jws, kid string, err error) {
	var activeKID string
	var activePriv *jose.JSONWebKey
	if rerr := m.actor.Read(ctx, func(s State) {
		activeKID = s.ActiveKID
		activePriv = s.ActivePrivateJWK
	}); rerr != nil {
		return "", "", rerr
	}
	if activePriv == nil {
		return "", "", fmt.Errorf("keymanager: no active signing key, rotate before signing")
	}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: activePriv}, &jose.SignerOptions{})
	if err != nil {
		return "", "", fmt.Errorf("keymanager: new signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", "", fmt.Errorf("keymanager: sign: %w", err)
	}
	compact, err := sig.CompactSerialize()
	if err != nil {
		return "", "", fmt.Errorf("keymanager: serialize: %w", err)
	}
	return compact, activeKID, nil
}

// GetActivePublicJWK returns the currently active public key, per §4.3.
func (m *Manager) GetActivePublicJWK(ctx context.Context) (*jose.JSONWebKey, error) {
	var pub *jose.JSONWebKey
	err := m.actor.Read(ctx, func(s State) { pub = s.ActivePublicJWK })
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, fmt.Errorf("keymanager: no active signing key")
	}
	return pub, nil
}

// JWKS is the RFC 7517 JSON Web Key Set shape served at
// /.well-known/jwks.json.
type JWKS struct {
	Keys []jose.JSONWebKey `json:"keys"`
}

// GetJWKS returns the active key plus every verification key still inside
// its retention window, per §4.3: retired keys remain for verification
// during overlap even if marked compromised, so in-flight tokens explicitly
// fail verification rather than silently succeeding against a key nobody
// trusts anymore.
func (m *Manager) GetJWKS(ctx context.Context) (JWKS, error) {
	now := m.now()
	var out JWKS
	err := m.actor.Read(ctx, func(s State) {
		if s.ActivePublicJWK != nil {
			out.Keys = append(out.Keys, *s.ActivePublicJWK)
		}
		for _, vk := range s.VerificationKeys {
			if vk.PublicJWK != nil && now.Before(vk.Expiry) {
				out.Keys = append(out.Keys, *vk.PublicJWK)
			}
		}
	})
	return out, err
}

// Rotate generates a new active key if the rotation interval has elapsed,
// demoting the previous active key to verification-only for
// RetentionPeriod and pruning verification keys past their own retention
// (§4.3, §3.1). Atomic and restart-safe: the new key is only considered
// active once the Mutate call durably persists it. Returns the new kid, or
// the existing kid with rotated=false if rotation wasn't yet due.
func (m *Manager) Rotate(ctx context.Context, now time.Time) (kid string, rotated bool, err error) {
	// Cheap check first, mirroring dex's rotation.go: the alarm polls far
	// more often than rotation is actually due, and RSA-2048 generation is
	// too expensive to pay on every poll just to discover it wasn't time
	// yet.
	var due bool
	if rerr := m.actor.Read(ctx, func(s State) {
		due = s.NextRotation.IsZero() || !now.Before(s.NextRotation)
		kid = s.ActiveKID
	}); rerr != nil {
		return "", false, rerr
	}
	if !due {
		return kid, false, nil
	}

	// Generate outside the lock, mirroring dex's rotation.go: key
	// generation is comparatively expensive and must not serialize other
	// actor operations.
	priv, pub, genErr := generateKeyPair()
	if genErr != nil {
		return "", false, genErr
	}

	mutErr := m.actor.Mutate(ctx, func(s *State) error {
		if !s.NextRotation.IsZero() && now.Before(s.NextRotation) {
			kid, rotated = s.ActiveKID, false
			return nil
		}

		// Prune verification keys whose retention has lapsed.
		kept := s.VerificationKeys[:0]
		for _, vk := range s.VerificationKeys {
			if now.Before(vk.Expiry) {
				kept = append(kept, vk)
			}
		}
		s.VerificationKeys = kept

		if s.ActivePublicJWK != nil {
			s.VerificationKeys = append(s.VerificationKeys, VerificationKey{
				KID:       s.ActiveKID,
				PublicJWK: s.ActivePublicJWK,
				CreatedAt: s.ActiveCreatedAt,
				Expiry:    now.Add(m.cfg.RetentionPeriod),
			})
		}

		s.ActiveKID = priv.KeyID
		s.ActivePrivateJWK = priv
		s.ActivePublicJWK = pub
		s.ActiveCreatedAt = now
		s.NextRotation = now.Add(m.cfg.RotationInterval)

		kid, rotated = priv.KeyID, true
		return nil
	})
	if mutErr != nil {
		return "", false, mutErr
	}
	if rotated {
		m.logger.Infof("keymanager: rotated signing key, kid=%s next rotation=%s", kid, m.now().Add(m.cfg.RotationInterval))
	}
	return kid, rotated, nil
}

// RotateEmergency forces an immediate rotation and marks every other key
// (the just-demoted one and all existing verification keys) compromised, so
// JWKS keeps serving them for explicit verification failure rather than
// silently dropping them (§4.3).
func (m *Manager) RotateEmergency(ctx context.Context, now time.Time, reason string) (kid string, err error) {
	priv, pub, genErr := generateKeyPair()
	if genErr != nil {
		return "", genErr
	}

	mutErr := m.actor.Mutate(ctx, func(s *State) error {
		for i := range s.VerificationKeys {
			s.VerificationKeys[i].Compromised = true
		}
		if s.ActivePublicJWK != nil {
			s.VerificationKeys = append(s.VerificationKeys, VerificationKey{
				KID:         s.ActiveKID,
				PublicJWK:   s.ActivePublicJWK,
				CreatedAt:   s.ActiveCreatedAt,
				Expiry:      now.Add(m.cfg.RetentionPeriod),
				Compromised: true,
			})
		}
		s.ActiveKID = priv.KeyID
		s.ActivePrivateJWK = priv
		s.ActivePublicJWK = pub
		s.ActiveCreatedAt = now
		s.NextRotation = now.Add(m.cfg.RotationInterval)
		kid = priv.KeyID
		return nil
	})
	if mutErr != nil {
		return "", mutErr
	}
	m.logger.Warnf("keymanager: emergency rotation, kid=%s reason=%q", kid, reason)
	return kid, nil
}

// Verify checks a compact JWS against the active key and every
// not-yet-pruned verification key, returning the decoded payload. A
// compromised verification key (RotateEmergency) is never accepted, so a
// token still in flight under a leaked key fails closed rather than
// silently verifying.
func (m *Manager) Verify(ctx context.Context, compact string) (payload []byte, kid string, err error) {
	sig, err := jose.ParseSigned(compact, []jose.SignatureAlgorithm{jose.RS256, jose.ES256, jose.PS256})
	if err != nil {
		return nil, "", fmt.Errorf("keymanager: parse jws: %w", err)
	}
	if len(sig.Signatures) != 1 {
		return nil, "", fmt.Errorf("keymanager: expected exactly one signature")
	}
	wantKID := sig.Signatures[0].Header.KeyID

	var candidates []*jose.JSONWebKey
	readErr := m.actor.Read(ctx, func(s State) {
		if s.ActivePublicJWK != nil && s.ActiveKID == wantKID {
			candidates = append(candidates, s.ActivePublicJWK)
		}
		for _, vk := range s.VerificationKeys {
			if vk.KID == wantKID && !vk.Compromised && vk.PublicJWK != nil {
				candidates = append(candidates, vk.PublicJWK)
			}
		}
	})
	if readErr != nil {
		return nil, "", readErr
	}
	if len(candidates) == 0 {
		return nil, "", fmt.Errorf("keymanager: unknown or untrusted kid %q", wantKID)
	}

	for _, key := range candidates {
		if p, verr := sig.Verify(key); verr == nil {
			return p, wantKID, nil
		}
	}
	return nil, "", fmt.Errorf("keymanager: signature verification failed")
}

// StartRotationAlarm schedules Rotate to run every checkInterval until ctx
// is canceled, mirroring dex's startKeyRotation goroutine (server/rotation.go).
// checkInterval should be much shorter than RotationInterval (dex polls
// every 30s against a rotation frequency measured in hours); Rotate itself
// is a no-op until NextRotation has actually elapsed.
func (m *Manager) StartRotationAlarm(ctx context.Context, checkInterval time.Duration) {
	run := func() error {
		_, _, err := m.Rotate(ctx, m.now())
		return err
	}
	go func() {
		if err := run(); err != nil {
			m.logger.Errorf("keymanager: initial rotation failed: %v", err)
		}
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := run(); err != nil {
					m.logger.Errorf("keymanager: rotation alarm failed: %v", err)
				}
			}
		}
	}()
}
