// Package redisdurable backs actorstore.Durable with Redis, the production
// persistence layer for every actor instance: each of the instance's keys is
// a plain Redis string key under the instance's namespace prefix, so a
// restarted process finds its state exactly as it left it.
package redisdurable

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sgrastar/authrim/internal/actorstore"
)

// Store is a Redis-backed actorstore.Durable. Keys are namespaced under
// "authrim:actor:{namespace}:{key}" so one Redis instance can host many
// actor instances without key collisions.
type Store struct {
	client    redis.UniversalClient
	namespace string
}

// New returns a Durable store scoped to namespace on client. namespace is
// typically the actor instance name computed by the shard router.
func New(client redis.UniversalClient, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

var _ actorstore.Durable = (*Store)(nil)

func (s *Store) key(k string) string {
	return fmt.Sprintf("authrim:actor:%s:%s", s.namespace, k)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, actorstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisdurable: get %q: %w", key, err)
	}
	return b, nil
}

func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redisdurable: put %q: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redisdurable: delete %q: %w", key, err)
	}
	return nil
}

func (s *Store) ListByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	out := make(map[string][]byte)
	iter := s.client.Scan(ctx, 0, s.key(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		b, err := s.client.Get(ctx, full).Bytes()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, fmt.Errorf("redisdurable: list get %q: %w", full, err)
		}
		// Strip the namespace prefix back off so callers see the same keys
		// they put in.
		short := full[len(s.key("")):]
		out[short] = b
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redisdurable: scan %q: %w", prefix, err)
	}
	return out, nil
}

func (s *Store) PutAll(ctx context.Context, values map[string][]byte) error {
	pipe := s.client.Pipeline()
	for k, v := range values {
		pipe.Set(ctx, s.key(k), v, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisdurable: put-all: %w", err)
	}
	return nil
}
