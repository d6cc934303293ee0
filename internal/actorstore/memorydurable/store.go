// Package memorydurable provides a process-local implementation of
// actorstore.Durable, used for tests and single-process deployments.
package memorydurable

import (
	"context"
	"strings"
	"sync"

	"github.com/sgrastar/authrim/internal/actorstore"
)

// Store is a mutex-guarded map standing in for durable storage. It never
// loses data within a process lifetime, but (unlike redisdurable.Store) does
// not survive a process restart — acceptable for tests and for the
// single-instance deployment mode.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New returns an empty in-memory durable store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

var _ actorstore.Durable = (*Store)(nil)

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, actorstore.ErrNotFound
	}
	// Return a copy so callers can't mutate stored bytes in place.
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *Store) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.data[key] = cp
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *Store) ListByPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte)
	for k, v := range s.data {
		if strings.HasPrefix(k, prefix) {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

func (s *Store) PutAll(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		cp := make([]byte, len(v))
		copy(cp, v)
		s.data[k] = cp
	}
	return nil
}
