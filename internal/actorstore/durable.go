// Package actorstore implements the single-writer, durable-storage actor
// abstraction every stateful component of the core is built on: a named
// instance loads its state once, serializes every mutation behind a single
// lock, and persists the encoded result before acknowledging the caller.
package actorstore

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Durable.Get when the key does not exist.
var ErrNotFound = errors.New("actorstore: key not found")

// Durable is the per-instance key-value storage contract an actor is built
// on. Implementations must guarantee that, once Put or PutAll returns
// success, the write survives a process restart (§4.1 of the design: "a
// mutation is not acknowledged before durable persistence completes").
type Durable interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
	PutAll(ctx context.Context, values map[string][]byte) error
}
