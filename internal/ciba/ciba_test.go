package ciba_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/ciba"
	"github.com/sgrastar/authrim/pkg/log"
)

func newStore(t *testing.T, now func() time.Time) *ciba.Store {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-ciba", memorydurable.New(), logger, ciba.NewState)
	return ciba.New(a, now)
}

func TestPollPendingReturnsAuthorizationPending(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)
	_, err := store.Create(ctx, "req-1", "client-1", "user@example.com", []string{"openid"}, time.Minute, 0)
	require.NoError(t, err)

	_, err = store.Poll(ctx, "req-1")
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "authorization_pending", e.Code)
}

func TestResolveApprovedThenPollSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)
	_, err := store.Create(ctx, "req-1", "client-1", "user@example.com", nil, time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, store.Resolve(ctx, "req-1", "user-1", true))

	rec, err := store.Poll(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, "user-1", rec.UserID)

	_, err = store.Poll(ctx, "req-1")
	require.Error(t, err)
	require.True(t, apierr.IsReplay(err))
}

func TestResolveDeniedThenPollReturnsAccessDenied(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)
	_, err := store.Create(ctx, "req-1", "client-1", "user@example.com", nil, time.Minute, 0)
	require.NoError(t, err)

	require.NoError(t, store.Resolve(ctx, "req-1", "", false))

	_, err = store.Poll(ctx, "req-1")
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "access_denied", e.Code)
}

func TestPollTooFrequentlyReturnsSlowDown(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newStore(t, func() time.Time { return clock })
	_, err := store.Create(ctx, "req-1", "client-1", "user@example.com", nil, time.Minute, 5*time.Second)
	require.NoError(t, err)

	_, err = store.Poll(ctx, "req-1")
	require.Error(t, err)

	clock = clock.Add(time.Second)
	_, err = store.Poll(ctx, "req-1")
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindCapacity, e.Kind)
}

func TestResolveUnknownAuthReqIDFails(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, nil)

	err := store.Resolve(ctx, "no-such-request", "user-1", true)
	require.Error(t, err)
}

func TestSweepPurgesExpiredRequests(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newStore(t, func() time.Time { return clock })

	_, err := store.Create(ctx, "req-expiring", "client-1", "hint", nil, time.Second, 0)
	require.NoError(t, err)
	_, err = store.Create(ctx, "req-surviving", "client-1", "hint", nil, time.Hour, 0)
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	require.NoError(t, store.Sweep(ctx))

	err = store.Resolve(ctx, "req-expiring", "user-1", true)
	require.Error(t, err)

	err = store.Resolve(ctx, "req-surviving", "user-1", true)
	require.NoError(t, err)
}
