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

func newDPoPStore(t *testing.T, now func() time.Time) *challenge.DPoPJTIStore {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-dpop", memorydurable.New(), logger, challenge.NewDPoPState)
	return challenge.NewDPoPJTIStore(a, now)
}

func TestDPoPFirstUseOfJTISucceeds(t *testing.T) {
	ctx := context.Background()
	store := newDPoPStore(t, nil)

	require.NoError(t, store.CheckAndStore(ctx, "jti-1", time.Minute))
}

func TestDPoPReplayOfJTIWithinWindowFails(t *testing.T) {
	ctx := context.Background()
	store := newDPoPStore(t, nil)

	require.NoError(t, store.CheckAndStore(ctx, "jti-1", time.Minute))
	require.Error(t, store.CheckAndStore(ctx, "jti-1", time.Minute))
}

func TestDPoPJTIReusableOnceWindowElapses(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newDPoPStore(t, func() time.Time { return clock })

	require.NoError(t, store.CheckAndStore(ctx, "jti-1", time.Minute))

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, store.CheckAndStore(ctx, "jti-1", time.Minute))
}

func TestDPoPSweepPurgesExpiredEntries(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := newDPoPStore(t, func() time.Time { return clock })

	require.NoError(t, store.CheckAndStore(ctx, "jti-1", time.Second))
	clock = clock.Add(time.Minute)
	require.NoError(t, store.Sweep(ctx))

	// After sweeping the expired entry is gone, so recording it again at a
	// fresh window must succeed rather than look like a replay.
	require.NoError(t, store.CheckAndStore(ctx, "jti-1", time.Minute))
}
