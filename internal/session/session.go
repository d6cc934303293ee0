// Package session implements the SessionStore actor (C4): session
// lifecycle, TTL eviction, and a per-user index, sharded by the hash of the
// owning user id so no single instance accumulates every session in a
// tenant. Grounded on dex's storage.Storage session-adjacent methods
// (CreateAuthRequest/GetAuthRequest lifecycle) generalized into a sharded
// actor per §4.4.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim/internal/actorstore"
)

// Data holds the free-form authentication context attached to a session
// (§3.1: "amr, acr, deviceName, ip, ua").
type Data struct {
	AMR        []string `json:"amr,omitempty"`
	ACR        string   `json:"acr,omitempty"`
	AuthTime   time.Time `json:"authTime"`
	DeviceName string   `json:"deviceName,omitempty"`
	IP         string   `json:"ip,omitempty"`
	UA         string   `json:"ua,omitempty"`
}

// Session is one authenticated end-user session (§3.1).
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
	Data      Data      `json:"data"`
}

func (s Session) expired(now time.Time) bool { return !now.Before(s.ExpiresAt) }

// State is the persisted shape of one shard's SessionStore actor.
type State struct {
	actorstore.Versioned
	Sessions map[string]Session `json:"sessions"`
}

// NewState is the zero-value seed for a fresh shard.
func NewState() State { return State{Sessions: make(map[string]Session)} }

// Store is one shard instance of the SessionStore actor.
type Store struct {
	actor      *actorstore.Actor[State]
	shardIndex int
	now        func() time.Time
}

// New constructs a Store bound to one shard's durable actor instance.
// shardIndex must match the shard this actor instance was routed to, since
// it is embedded in every session id minted here (§4.4 invariant).
func New(a *actorstore.Actor[State], shardIndex int, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{actor: a, shardIndex: shardIndex, now: now}
}

// Create starts a new session for userID, valid for ttl, per §4.4.
func (s *Store) Create(ctx context.Context, userID string, ttl time.Duration, data Data) (Session, error) {
	now := s.now()
	sess := Session{
		ID:        fmt.Sprintf("%d_session_%s", s.shardIndex, uuid.NewString()),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Data:      data,
	}
	err := s.actor.Mutate(ctx, func(st *State) error {
		if st.Sessions == nil {
			st.Sessions = make(map[string]Session)
		}
		st.Sessions[sess.ID] = sess
		return nil
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Get returns the session for id, or ok=false if it doesn't exist or has
// expired (§4.4: "returns only if not expired").
func (s *Store) Get(ctx context.Context, id string) (sess Session, ok bool, err error) {
	now := s.now()
	err = s.actor.Read(ctx, func(st State) {
		cand, found := st.Sessions[id]
		if !found || cand.expired(now) {
			return
		}
		sess, ok = cand, true
	})
	return
}

// Extend pushes id's expiry forward by add, returning the updated session.
// ok is false if the session doesn't exist or has already expired.
func (s *Store) Extend(ctx context.Context, id string, add time.Duration) (sess Session, ok bool, err error) {
	now := s.now()
	err = s.actor.Mutate(ctx, func(st *State) error {
		cand, found := st.Sessions[id]
		if !found || cand.expired(now) {
			return nil
		}
		cand.ExpiresAt = cand.ExpiresAt.Add(add)
		st.Sessions[id] = cand
		sess, ok = cand, true
		return nil
	})
	return
}

// Invalidate destroys id outright. The id is never reused (ids are
// uuid-derived), so every subsequent Get on it returns ok=false forever
// (§8 invariant 5).
func (s *Store) Invalidate(ctx context.Context, id string) (existed bool, err error) {
	err = s.actor.Mutate(ctx, func(st *State) error {
		if _, found := st.Sessions[id]; found {
			delete(st.Sessions, id)
			existed = true
		}
		return nil
	})
	return
}

// ListUser scans this shard's in-memory sessions for userID (§4.4: "scans
// in-memory map (shard-local)"). Sessions for one user can live on several
// shards only if userID routing has changed generation; callers fan out
// across shard generations to get a complete list.
func (s *Store) ListUser(ctx context.Context, userID string) ([]Session, error) {
	now := s.now()
	var out []Session
	err := s.actor.Read(ctx, func(st State) {
		for _, sess := range st.Sessions {
			if sess.UserID == userID && !sess.expired(now) {
				out = append(out, sess)
			}
		}
	})
	return out, err
}

// DeleteBatch removes every id in ids with a single durable save, per §4.4.
func (s *Store) DeleteBatch(ctx context.Context, ids []string) (n int, err error) {
	err = s.actor.Mutate(ctx, func(st *State) error {
		for _, id := range ids {
			if _, found := st.Sessions[id]; found {
				delete(st.Sessions, id)
				n++
			}
		}
		return nil
	})
	return
}

// Sweep evicts every expired session in this shard, intended to be driven
// by Actor.StartAlarm (§4.1: periodic cleanup sweep, roughly hourly).
func (s *Store) Sweep(ctx context.Context) error {
	now := s.now()
	return s.actor.Mutate(ctx, func(st *State) error {
		for id, sess := range st.Sessions {
			if sess.expired(now) {
				delete(st.Sessions, id)
			}
		}
		return nil
	})
}
