// Package devicecode implements the device authorization grant (RFC 8628):
// a user_code/device_code pair that a confirming browser session approves
// out of band while the device polls /token for the outcome. Grounded on
// the same actor shape as internal/authcode, generalized with an explicit
// status field since a device code moves through pending/approved/denied
// rather than being consumed exactly once.
package devicecode

import (
	"context"
	"time"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/apierr"
)

// Status is where a device authorization request currently stands.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

// Record is one outstanding device authorization request (RFC 8628 §3.2).
type Record struct {
	ClientID   string    `json:"clientId"`
	Scope      []string  `json:"scope"`
	UserCode   string    `json:"userCode"`
	Status     Status    `json:"status"`
	UserID     string    `json:"userId,omitempty"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Interval   time.Duration `json:"interval"`
	LastPolled time.Time `json:"lastPolled,omitempty"`
	Exchanged  bool      `json:"exchanged"`
}

// State is the persisted shape of one tenant's device-code actor.
type State struct {
	actorstore.Versioned
	ByDeviceCode map[string]Record `json:"byDeviceCode"`
	ByUserCode   map[string]string `json:"byUserCode"` // user code -> device code
}

// NewState is the zero-value seed for a fresh actor instance.
func NewState() State {
	return State{ByDeviceCode: make(map[string]Record), ByUserCode: make(map[string]string)}
}

// Store is the device-authorization actor.
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

// Create stores a fresh pending device authorization request.
func (s *Store) Create(ctx context.Context, deviceCode, userCode, clientID string, scope []string, ttl, interval time.Duration) (Record, error) {
	rec := Record{
		ClientID:  clientID,
		Scope:     scope,
		UserCode:  userCode,
		Status:    StatusPending,
		ExpiresAt: s.now().Add(ttl),
		Interval:  interval,
	}
	err := s.actor.Mutate(ctx, func(st *State) error {
		if st.ByDeviceCode == nil {
			st.ByDeviceCode = make(map[string]Record)
			st.ByUserCode = make(map[string]string)
		}
		st.ByDeviceCode[deviceCode] = rec
		st.ByUserCode[userCode] = deviceCode
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Approve resolves userCode to userID and marks it approved, the action a
// confirming browser session takes (RFC 8628 §3.3).
func (s *Store) Approve(ctx context.Context, userCode, userID string) error {
	return s.actor.Mutate(ctx, func(st *State) error {
		deviceCode, ok := st.ByUserCode[userCode]
		if !ok {
			return apierr.Protocol("invalid_request", "unknown user code")
		}
		rec, ok := st.ByDeviceCode[deviceCode]
		if !ok {
			return apierr.Fatal("devicecode: user code index pointed at missing record", nil)
		}
		if s.now().After(rec.ExpiresAt) {
			return apierr.Protocol("expired_token", "device authorization request expired")
		}
		rec.Status = StatusApproved
		rec.UserID = userID
		st.ByDeviceCode[deviceCode] = rec
		return nil
	})
}

// Deny marks userCode's request denied.
func (s *Store) Deny(ctx context.Context, userCode string) error {
	return s.actor.Mutate(ctx, func(st *State) error {
		deviceCode, ok := st.ByUserCode[userCode]
		if !ok {
			return apierr.Protocol("invalid_request", "unknown user code")
		}
		rec := st.ByDeviceCode[deviceCode]
		rec.Status = StatusDenied
		st.ByDeviceCode[deviceCode] = rec
		return nil
	})
}

// Poll implements the /token device_code grant's per-attempt state machine
// (RFC 8628 §3.5): authorization_pending while unresolved, a too-fast-poll
// check against Interval, access_denied / expired_token terminal states, and
// a single successful exchange (subsequent polls after success also fail,
// since the device code is one-shot once exchanged).
func (s *Store) Poll(ctx context.Context, deviceCode string) (Record, error) {
	now := s.now()
	var out Record
	err := s.actor.Mutate(ctx, func(st *State) error {
		rec, ok := st.ByDeviceCode[deviceCode]
		if !ok {
			return apierr.Protocol("invalid_grant", "unknown device code")
		}
		if now.After(rec.ExpiresAt) {
			delete(st.ByDeviceCode, deviceCode)
			delete(st.ByUserCode, rec.UserCode)
			return actorstore.Commit(apierr.Protocol("expired_token", "device code expired"))
		}
		if !rec.LastPolled.IsZero() && now.Sub(rec.LastPolled) < rec.Interval {
			return apierr.Capacity("slow_down", int(rec.Interval.Seconds()), "polling too frequently")
		}
		rec.LastPolled = now
		switch rec.Status {
		case StatusDenied:
			st.ByDeviceCode[deviceCode] = rec
			return actorstore.Commit(apierr.Protocol("access_denied", "user denied the device authorization request"))
		case StatusPending:
			st.ByDeviceCode[deviceCode] = rec
			return actorstore.Commit(apierr.Protocol("authorization_pending", "authorization request still pending"))
		case StatusApproved:
			if rec.Exchanged {
				return apierr.Consistency("invalid_grant", "replay", "device code already exchanged")
			}
			rec.Exchanged = true
			st.ByDeviceCode[deviceCode] = rec
			out = rec
			return nil
		default:
			return apierr.Fatal("devicecode: unknown status", nil)
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
		for code, rec := range st.ByDeviceCode {
			if now.After(rec.ExpiresAt) {
				delete(st.ByDeviceCode, code)
				delete(st.ByUserCode, rec.UserCode)
			}
		}
		return nil
	})
}
