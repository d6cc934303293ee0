package refresh_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/refresh"
	"github.com/sgrastar/authrim/pkg/log"
)

func newRotator(t *testing.T, now func() time.Time) *refresh.Rotator {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-refresh", memorydurable.New(), logger, refresh.NewState)
	return refresh.New(a, now, 0, 0)
}

func newFamily(t *testing.T, ctx context.Context, r *refresh.Rotator, scope []string, ttl time.Duration) (familyID, jti string) {
	t.Helper()
	jti, err := r.NewJTI()
	require.NoError(t, err)
	familyID, err = r.CreateFamily(ctx, "user-1", "client-1", scope, jti, ttl)
	require.NoError(t, err)
	return familyID, jti
}

func TestRotateSucceedsOnCurrentJTI(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, nil)
	_, jti := newFamily(t, ctx, r, []string{"openid", "email"}, time.Hour)

	result, err := r.Rotate(ctx, jti, nil)
	require.NoError(t, err)
	require.NotEmpty(t, result.NewJTI)
	require.NotEqual(t, jti, result.NewJTI)
	require.ElementsMatch(t, []string{"openid", "email"}, result.Scope)
}

func TestRotateRejectsUnknownJTI(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, nil)

	_, err := r.Rotate(ctx, "never-issued", nil)
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, apierr.KindProtocol, e.Kind)
}

func TestRotateDetectsReuseOfSupersededJTIAsTheft(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, nil)
	familyID, jti := newFamily(t, ctx, r, nil, time.Hour)

	_, err := r.Rotate(ctx, jti, nil)
	require.NoError(t, err)

	_, err = r.Rotate(ctx, jti, nil)
	require.Error(t, err)
	require.True(t, apierr.IsReplay(err))

	_, found, err := r.GetFamilyInfo(ctx, familyID)
	require.NoError(t, err)
	require.False(t, found, "theft detection must revoke the whole family")
}

func TestRotateRejectsScopeWideningBeyondAllowed(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, nil)
	_, jti := newFamily(t, ctx, r, []string{"openid"}, time.Hour)

	_, err := r.Rotate(ctx, jti, []string{"openid", "admin"})
	require.Error(t, err)
	e, ok := apierr.As(err)
	require.True(t, ok)
	require.Equal(t, "invalid_scope", e.Code)
}

func TestRotateAllowsScopeNarrowing(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, nil)
	_, jti := newFamily(t, ctx, r, []string{"openid", "email", "profile"}, time.Hour)

	result, err := r.Rotate(ctx, jti, []string{"openid"})
	require.NoError(t, err)
	require.Equal(t, []string{"openid"}, result.Scope)
}

func TestRotateRejectsExpiredFamily(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	r := newRotator(t, func() time.Time { return clock })
	_, jti := newFamily(t, ctx, r, nil, time.Minute)

	clock = clock.Add(2 * time.Minute)
	_, err := r.Rotate(ctx, jti, nil)
	require.Error(t, err)
}

func TestRevokeFamilyRemovesAllTokenIndexEntries(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, nil)
	familyID, jti := newFamily(t, ctx, r, nil, time.Hour)

	result, err := r.Rotate(ctx, jti, nil)
	require.NoError(t, err)

	existed, err := r.RevokeFamily(ctx, familyID, "logout")
	require.NoError(t, err)
	require.True(t, existed)

	_, found, err := r.FamilyIDForJTI(ctx, result.NewJTI)
	require.NoError(t, err)
	require.False(t, found)

	existedAgain, err := r.RevokeFamily(ctx, familyID, "logout")
	require.NoError(t, err)
	require.False(t, existedAgain)
}

func TestFamilyIDForJTIResolvesLiveToken(t *testing.T) {
	ctx := context.Background()
	r := newRotator(t, nil)
	familyID, jti := newFamily(t, ctx, r, nil, time.Hour)

	gotID, found, err := r.FamilyIDForJTI(ctx, jti)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, familyID, gotID)
}

func TestSweepRevokesOnlyExpiredFamilies(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	r := newRotator(t, func() time.Time { return clock })

	expiringID, _ := newFamily(t, ctx, r, nil, time.Minute)
	survivingID, _ := newFamily(t, ctx, r, nil, time.Hour)

	clock = clock.Add(2 * time.Minute)
	require.NoError(t, r.Sweep(ctx))

	_, found, err := r.GetFamilyInfo(ctx, expiringID)
	require.NoError(t, err)
	require.False(t, found)

	_, found, err = r.GetFamilyInfo(ctx, survivingID)
	require.NoError(t, err)
	require.True(t, found)
}
