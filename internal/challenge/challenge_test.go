package challenge_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/challenge"
	"github.com/sgrastar/authrim/pkg/log"
)

type payload struct {
	ClientID string `json:"clientId"`
}

func newPARStore(t *testing.T, now func() time.Time) *challenge.SingleUseStore[payload] {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-par", memorydurable.New(), logger, challenge.NewState[payload])
	return challenge.New[payload](a, "par", now)
}

func TestPutThenConsumeReturnsPayloadOnce(t *testing.T) {
	ctx := context.Background()
	store := newPARStore(t, nil)

	require.NoError(t, store.Put(ctx, "key-1", payload{ClientID: "client-1"}, time.Minute))

	got, err := store.Consume(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "client-1", got.ClientID)

	_, err = store.Consume(ctx, "key-1")
	require.Error(t, err)
	require.True(t, apierr.IsReplay(err))
}

func TestPeekDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	store := newPARStore(t, nil)
	require.NoError(t, store.Put(ctx, "key-1", payload{ClientID: "client-1"}, time.Minute))

	got, ok, err := store.Peek(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "client-1", got.ClientID)

	_, err = store.Consume(ctx, "key-1")
	require.NoError(t, err, "peeking must not have consumed the entry")
}

func TestConsumeUnknownKeyFails(t *testing.T) {
	ctx := context.Background()
	store := newPARStore(t, nil)

	_, err := store.Consume(ctx, "never-stored")
	require.Error(t, err)
}

func TestConsumeExpiredEntryFails(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newPARStore(t, func() time.Time { return clock })
	require.NoError(t, store.Put(ctx, "key-1", payload{ClientID: "client-1"}, time.Second))

	clock = clock.Add(time.Minute)
	_, err := store.Consume(ctx, "key-1")
	require.Error(t, err)
}

func TestSweepPurgesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newPARStore(t, func() time.Time { return clock })

	require.NoError(t, store.Put(ctx, "expiring", payload{ClientID: "c"}, time.Second))
	require.NoError(t, store.Put(ctx, "surviving", payload{ClientID: "c"}, time.Hour))

	clock = clock.Add(time.Minute)
	require.NoError(t, store.Sweep(ctx))

	_, ok, err := store.Peek(ctx, "expiring")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = store.Peek(ctx, "surviving")
	require.NoError(t, err)
	require.True(t, ok)
}
