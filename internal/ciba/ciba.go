// Package ciba implements the Client-Initiated Backchannel Authentication
// flow (CIBA, OpenID Connect CIBA Core 1.0): a client posts a login hint to
// /bc-authorize and receives an auth_req_id, then polls /token (or waits for
// a backchannel push, not implemented here) for the outcome. Grounded on
// the same pending/approved/denied actor shape as internal/devicecode,
// since CIBA's state machine is structurally the same flow with a
// login_hint instead of a user_code displayed on a second screen.
package ciba

import (
	"context"
	"time"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/apierr"
)

// Status mirrors devicecode.Status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Record is one outstanding backchannel authentication request.
type Record struct {
	ClientID  string    `json:"clientId"`
	Scope     []string  `json:"scope"`
	LoginHint string    `json:"loginHint"`
	Status    Status    `json:"status"`
	UserID    string    `json:"userId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	Interval  time.Duration `json:"interval"`
	LastPolled time.Time `json:"lastPolled,omitempty"`
	Exchanged bool      `json:"exchanged"`
}

// State is the persisted shape of one tenant's CIBA actor.
type State struct {
	actorstore.Versioned
	Requests map[string]Record `json:"requests"` // auth_req_id -> Record
}

// NewState is the zero-value seed for a fresh actor instance.
func NewState() State { return State{Requests: make(map[string]Record)} }

// Store is the CIBA backchannel-authentication actor.
type Store struct {
	actor *actorstore.Actor[State]
	now   func() time.Time
}

// New constructs a Store bound to a durable actor instance.
func New(a *actorstore.Actor[State], now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{actor: a, now: now}
}

// Create stores a fresh pending backchannel authentication request under
// authReqID.
func (s *Store) Create(ctx context.Context, authReqID, clientID, loginHint string, scope []string, ttl, interval time.Duration) (Record, error) {
	rec := Record{
		ClientID:  clientID,
		Scope:     scope,
		LoginHint: loginHint,
		Status:    StatusPending,
		ExpiresAt: s.now().Add(ttl),
		Interval:  interval,
	}
	err := s.actor.Mutate(ctx, func(st *State) error {
		if st.Requests == nil {
			st.Requests = make(map[string]Record)
		}
		st.Requests[authReqID] = rec
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Resolve marks authReqID approved (granting userID) or denied, the action
// the out-of-band authentication device takes.
func (s *Store) Resolve(ctx context.Context, authReqID, userID string, approved bool) error {
	return s.actor.Mutate(ctx, func(st *State) error {
		rec, ok := st.Requests[authReqID]
		if !ok {
			return apierr.Protocol("invalid_request", "unknown auth_req_id")
		}
		if approved {
			rec.Status, rec.UserID = StatusApproved, userID
		} else {
			rec.Status = StatusDenied
		}
		st.Requests[authReqID] = rec
		return nil
	})
}

// Poll implements /token's urn:openid:params:grant-type:ciba grant
// per-attempt state machine, structurally identical to devicecode.Poll.
func (s *Store) Poll(ctx context.Context, authReqID string) (Record, error) {
	now := s.now()
	var out Record
	err := s.actor.Mutate(ctx, func(st *State) error {
		rec, ok := st.Requests[authReqID]
		if !ok {
			return apierr.Protocol("invalid_grant", "unknown auth_req_id")
		}
		if now.After(rec.ExpiresAt) {
			delete(st.Requests, authReqID)
			return actorstore.Commit(apierr.Protocol("expired_token", "backchannel authentication request expired"))
		}
		if !rec.LastPolled.IsZero() && now.Sub(rec.LastPolled) < rec.Interval {
			return apierr.Capacity("slow_down", int(rec.Interval.Seconds()), "polling too frequently")
		}
		rec.LastPolled = now
		switch rec.Status {
		case StatusDenied:
			st.Requests[authReqID] = rec
			return actorstore.Commit(apierr.Protocol("access_denied", "user denied the backchannel authentication request"))
		case StatusPending:
			st.Requests[authReqID] = rec
			return actorstore.Commit(apierr.Protocol("authorization_pending", "authentication request still pending"))
		case StatusApproved:
			if rec.Exchanged {
				return apierr.Consistency("invalid_grant", "replay", "auth_req_id already exchanged")
			}
			rec.Exchanged = true
			st.Requests[authReqID] = rec
			out = rec
			return nil
		default:
			return apierr.Fatal("ciba: unknown status", nil)
		}
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

// Sweep purges expired requests, driven by Actor.StartAlarm.
func (s *Store) Sweep(ctx context.Context) error {
	now := s.now()
	return s.actor.Mutate(ctx, func(st *State) error {
		for id, rec := range st.Requests {
			if now.After(rec.ExpiresAt) {
				delete(st.Requests, id)
			}
		}
		return nil
	})
}
