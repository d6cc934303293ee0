package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/session"
	"github.com/sgrastar/authrim/pkg/log"
)

func newStore(t *testing.T, now func() time.Time) *session.Store {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-sessions", memorydurable.New(), logger, session.NewState)
	return session.New(a, 0, now)
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	sess, err := store.Create(ctx, "user-1", time.Hour, session.Data{ACR: "urn:mace:incommon:iap:silver"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, "user-1", sess.UserID)

	got, ok, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sess.ID, got.ID)
}

func TestGetExpiredSessionNotFound(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newStore(t, func() time.Time { return clock })

	sess, err := store.Create(ctx, "user-1", time.Minute, session.Data{})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)

	_, ok, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestExtendPushesExpiryForward(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newStore(t, func() time.Time { return clock })

	sess, err := store.Create(ctx, "user-1", time.Minute, session.Data{})
	require.NoError(t, err)

	extended, ok, err := store.Extend(ctx, sess.ID, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, extended.ExpiresAt.After(sess.ExpiresAt))
}

func TestExtendOnMissingSessionIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	_, ok, err := store.Extend(ctx, "does-not-exist", time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInvalidateIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	sess, err := store.Create(ctx, "user-1", time.Hour, session.Data{})
	require.NoError(t, err)

	existed, err := store.Invalidate(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, existed)

	_, ok, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, ok)

	existedAgain, err := store.Invalidate(ctx, sess.ID)
	require.NoError(t, err)
	require.False(t, existedAgain)
}

func TestListUserOnlyReturnsLiveSessionsForThatUser(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newStore(t, func() time.Time { return clock })

	_, err := store.Create(ctx, "user-1", time.Minute, session.Data{})
	require.NoError(t, err)
	live, err := store.Create(ctx, "user-1", time.Hour, session.Data{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "user-2", time.Hour, session.Data{})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)

	sessions, err := store.ListUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, live.ID, sessions[0].ID)
}

func TestDeleteBatchRemovesOnlyMatchedIDs(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	a, err := store.Create(ctx, "user-1", time.Hour, session.Data{})
	require.NoError(t, err)
	b, err := store.Create(ctx, "user-1", time.Hour, session.Data{})
	require.NoError(t, err)

	n, err := store.DeleteBatch(ctx, []string{a.ID, "missing-id"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Get(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweepEvictsOnlyExpiredSessions(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newStore(t, func() time.Time { return clock })

	expiring, err := store.Create(ctx, "user-1", time.Minute, session.Data{})
	require.NoError(t, err)
	surviving, err := store.Create(ctx, "user-1", time.Hour, session.Data{})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, store.Sweep(ctx))

	_, ok, err := store.Get(ctx, expiring.ID)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Get(ctx, surviving.ID)
	require.NoError(t, err)
	require.True(t, ok)
}
