package challenge_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/challenge"
	"github.com/sgrastar/authrim/pkg/log"
)

func newRevocationStore(t *testing.T, now func() time.Time) *challenge.TokenRevocationStore {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-revocation", memorydurable.New(), logger, challenge.NewRevocationState)
	return challenge.NewTokenRevocationStore(a, now)
}

func TestIsRevokedFalseForUnknownHash(t *testing.T) {
	ctx := context.Background()
	store := newRevocationStore(t, nil)

	revoked, err := store.IsRevoked(ctx, "never-revoked")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeMarksHashRevokedUntilNaturalExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newRevocationStore(t, func() time.Time { return clock })

	naturalExpiry := clock.Add(time.Hour)
	require.NoError(t, store.Revoke(ctx, "token-hash-1", "user requested revocation", naturalExpiry))

	revoked, err := store.IsRevoked(ctx, "token-hash-1")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestIsRevokedFalseAfterNaturalExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newRevocationStore(t, func() time.Time { return clock })

	require.NoError(t, store.Revoke(ctx, "token-hash-1", "logout", clock.Add(time.Minute)))

	clock = clock.Add(2 * time.Minute)
	revoked, err := store.IsRevoked(ctx, "token-hash-1")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestSweepPurgesTombstonesPastNaturalExpiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newRevocationStore(t, func() time.Time { return clock })

	require.NoError(t, store.Revoke(ctx, "expiring", "logout", clock.Add(time.Second)))
	require.NoError(t, store.Revoke(ctx, "surviving", "logout", clock.Add(time.Hour)))

	clock = clock.Add(time.Minute)
	require.NoError(t, store.Sweep(ctx))

	revoked, err := store.IsRevoked(ctx, "expiring")
	require.NoError(t, err)
	require.False(t, revoked)
}
