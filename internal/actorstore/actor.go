package actorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sgrastar/authrim/pkg/log"
)

// stateKey is the single blob key every actor's state is persisted under
// (§6.6: "Each actor stores a single 'state' blob under key 'state'").
const stateKey = "state"

// Versioned is embedded by every actor's state struct so the persisted blob
// schema can evolve without breaking old readers (§6.6).
type Versioned struct {
	Version int `json:"version"`
}

// commitErr marks an error that Mutate must still persist the in-memory
// mutation for, rather than roll back. Some mutations are a consistency
// finding rather than a validation failure — theft detection revoking a
// refresh-token family, or an access-time purge of an expired record — and
// the whole point of running them is that the deletion survives (§4.1,
// §4.6 step 3). Returning a plain error from fn would discard exactly the
// state change the caller needed durably recorded.
type commitErr struct{ err error }

func (e *commitErr) Error() string { return e.err.Error() }
func (e *commitErr) Unwrap() error { return e.err }

// Commit wraps err so that Mutate persists whatever fn left in *s before
// returning err to the caller, instead of rolling the mutation back. Use it
// for the classification errors a mutation closure returns after already
// making the change that must stick (cascade revocation, access-time
// expiry purge) — never for a validation failure that should leave state
// untouched.
func Commit(err error) error {
	if err == nil {
		return nil
	}
	return &commitErr{err: err}
}

// Actor wraps a Durable store with the initialize-on-first-use /
// save-after-every-mutation pattern described in §4.1. S is the in-memory
// state type for one named instance; it must be JSON-encodable and should
// embed Versioned.
type Actor[S any] struct {
	name    string
	durable Durable
	logger  log.Logger

	mu          sync.Mutex
	initialized bool
	state       S

	newState func() S
}

// New constructs an Actor bound to name, persisting through durable. Lazily
// initialized: nothing is read from storage until the first operation.
// newState must return the zero value to use before any state has ever been
// persisted.
func New[S any](name string, durable Durable, logger log.Logger, newState func() S) *Actor[S] {
	return &Actor[S]{
		name:     name,
		durable:  durable,
		logger:   logger,
		newState: newState,
	}
}

// Name returns the actor instance name this Actor was constructed with.
func (a *Actor[S]) Name() string { return a.name }

// initializeLocked loads persisted state into memory exactly once. Callers
// must hold a.mu.
func (a *Actor[S]) initializeLocked(ctx context.Context) error {
	if a.initialized {
		return nil
	}
	raw, err := a.durable.Get(ctx, stateKey)
	if errors.Is(err, ErrNotFound) {
		a.state = a.newState()
		a.initialized = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("actor %s: load state: %w", a.name, err)
	}
	var s S
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("actor %s: decode state: %w", a.name, err)
	}
	a.state = s
	a.initialized = true
	return nil
}

// Mutate runs fn against the in-memory state under the actor's single-writer
// lock, then persists the result before returning success to the caller. If
// fn returns a plain error, the in-memory state is rolled back to its
// pre-mutation snapshot and the mutation is discarded (§4.1 Failure:
// "partial in-memory mutation must be rolled back"). The snapshot is a full
// JSON round-trip rather than a shallow struct copy, so the rollback also
// undoes changes fn made through maps or slices embedded in *s.
//
// If fn returns an error produced by Commit, the mutated state is persisted
// anyway and the wrapped error is returned once that succeeds — for
// mutations that are themselves the point of the call (cascade revocation,
// access-time expiry purge) and must not be silently discarded just
// because they are reported to the caller as a classified error rather than
// a nil success.
//
// If persistence fails after fn signaled success (or Commit), the in-memory
// state is rolled back to the pre-mutation snapshot, since the durable
// store is now the only source of truth and it never saw the mutation.
//
// fn mutates *s in place (it may also assign a whole new value to *s); the
// resulting *s is what gets persisted.
func (a *Actor[S]) Mutate(ctx context.Context, fn func(s *S) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.initializeLocked(ctx); err != nil {
		return err
	}

	beforeRaw, err := json.Marshal(a.state)
	if err != nil {
		return fmt.Errorf("actor %s: snapshot state: %w", a.name, err)
	}

	fnErr := fn(&a.state)

	var commit *commitErr
	committing := fnErr == nil || errors.As(fnErr, &commit)
	if !committing {
		if restoreErr := json.Unmarshal(beforeRaw, &a.state); restoreErr != nil {
			return fmt.Errorf("actor %s: restore state after rollback: %w", a.name, restoreErr)
		}
		return fnErr
	}

	raw, err := json.Marshal(a.state)
	if err != nil {
		_ = json.Unmarshal(beforeRaw, &a.state)
		return fmt.Errorf("actor %s: encode state: %w", a.name, err)
	}
	if err := a.durable.Put(ctx, stateKey, raw); err != nil {
		_ = json.Unmarshal(beforeRaw, &a.state)
		return fmt.Errorf("actor %s: save state: %w", a.name, err)
	}
	if commit != nil {
		return commit.err
	}
	return nil
}

// Read runs fn against a snapshot of the in-memory state without persisting
// anything. Held under the same lock as Mutate so a Read never observes a
// torn write.
func (a *Actor[S]) Read(ctx context.Context, fn func(s S)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.initializeLocked(ctx); err != nil {
		return err
	}
	fn(a.state)
	return nil
}

// StartAlarm runs fn on a fixed interval until ctx is canceled, mirroring
// the periodic cleanup sweep described in §4.1 ("periodic alarm (every ~1h)
// walks the in-memory map, removes entries past their TTL, re-saves").
// Modeled on dex's startKeyRotation goroutine (server/rotation.go): fn is
// invoked once immediately so a freshly started actor doesn't wait a full
// interval before its first sweep.
func (a *Actor[S]) StartAlarm(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) {
	run := func() {
		if err := fn(ctx); err != nil {
			a.logger.Errorf("actor %s: alarm failed: %v", a.name, err)
		}
	}
	run()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}
