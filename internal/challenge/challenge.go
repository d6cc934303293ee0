// Package challenge implements the single-use-challenge actor family of
// C7: PAR requests, magic links, passkey challenges, session upgrade
// tokens, and consent grants all reduce to "store a payload under a
// random key, consume it exactly once before expiry". Grounded on dex's
// storage.AuthRequest one-shot lifecycle (create, fetch, delete-on-use) in
// storage/storage.go, generalized into one generic actor instead of five
// near-duplicate stores.
package challenge

import (
	"context"
	"time"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/apierr"
)

// entry wraps the caller's payload with the store's own bookkeeping. T must
// be JSON-marshalable since it rides inside Actor's JSON-blob persistence.
type entry[T any] struct {
	Payload   T         `json:"payload"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}

// State is the persisted shape of one SingleUseStore[T] instance.
type State[T any] struct {
	actorstore.Versioned
	Entries map[string]entry[T] `json:"entries"`
}

// NewState returns the zero-value seed for a fresh SingleUseStore[T]
// instance. Bind it with a concrete T via a closure, e.g.
// actorstore.New("par", durable, logger, NewState[PARRequest]).
func NewState[T any]() State[T] { return State[T]{Entries: make(map[string]entry[T])} }

// SingleUseStore is the generic actor backing PAR, magic-link, passkey,
// session-token, and consent-grant storage (§9 "single-use challenge
// stores"). kind names the concrete use (e.g. "par") purely for error
// messages and logging.
type SingleUseStore[T any] struct {
	actor *actorstore.Actor[State[T]]
	kind  string
	now   func() time.Time
}

// New constructs a SingleUseStore[T] bound to a durable actor instance.
func New[T any](a *actorstore.Actor[State[T]], kind string, now func() time.Time) *SingleUseStore[T] {
	if now == nil {
		now = time.Now
	}
	return &SingleUseStore[T]{actor: a, kind: kind, now: now}
}

// Put stores payload under key, valid for ttl. Overwrites any existing
// entry under the same key, since callers mint keys from crypto/rand and a
// collision means the caller reused a key on purpose (e.g. idempotent
// retry of the same PAR submission).
func (s *SingleUseStore[T]) Put(ctx context.Context, key string, payload T, ttl time.Duration) error {
	now := s.now()
	return s.actor.Mutate(ctx, func(st *State[T]) error {
		if st.Entries == nil {
			st.Entries = make(map[string]entry[T])
		}
		st.Entries[key] = entry[T]{Payload: payload, ExpiresAt: now.Add(ttl)}
		return nil
	})
}

// Peek returns the payload under key without consuming it, for callers
// that need to validate before committing to a side effect (e.g. rendering
// a consent screen before the user approves it).
func (s *SingleUseStore[T]) Peek(ctx context.Context, key string) (payload T, ok bool, err error) {
	now := s.now()
	err = s.actor.Read(ctx, func(st State[T]) {
		e, found := st.Entries[key]
		if !found || e.Used || now.After(e.ExpiresAt) {
			return
		}
		payload, ok = e.Payload, true
	})
	return
}

// Consume atomically retrieves and invalidates the entry under key.
// Returns an apierr.Protocol "invalid_request" error if the key is
// unknown or expired, and an apierr.Consistency "invalid_request" error
// with the "replay" subtype if it was already used — mirroring the
// authorization code replay/expiry handling of §4.5, since these stores
// share that shape.
func (s *SingleUseStore[T]) Consume(ctx context.Context, key string) (T, error) {
	now := s.now()
	var out T
	err := s.actor.Mutate(ctx, func(st *State[T]) error {
		e, ok := st.Entries[key]
		if !ok {
			return apierr.Protocol("invalid_request", s.kind+": unknown or expired challenge")
		}
		if now.After(e.ExpiresAt) {
			delete(st.Entries, key)
			return actorstore.Commit(apierr.Protocol("invalid_request", s.kind+": challenge expired"))
		}
		if e.Used {
			return apierr.Consistency("invalid_request", "replay", s.kind+": challenge already consumed")
		}
		e.Used = true
		st.Entries[key] = e
		out = e.Payload
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// Sweep purges expired entries, driven by Actor.StartAlarm.
func (s *SingleUseStore[T]) Sweep(ctx context.Context) error {
	now := s.now()
	return s.actor.Mutate(ctx, func(st *State[T]) error {
		for key, e := range st.Entries {
			if now.After(e.ExpiresAt) {
				delete(st.Entries, key)
			}
		}
		return nil
	})
}
