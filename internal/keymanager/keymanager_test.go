package keymanager_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/keymanager"
	"github.com/sgrastar/authrim/pkg/log"
)

func newManager(t *testing.T) *keymanager.Manager {
	t.Helper()
	logger := log.NewLogrusLogger(logrus.New())
	a := actorstore.New("test-keys", memorydurable.New(), logger, keymanager.NewState)
	return keymanager.New(a, keymanager.Config{
		RotationInterval: 24 * time.Hour,
		RetentionPeriod:  72 * time.Hour,
	}, time.Now, logger)
}

func TestSignRequiresPriorRotation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, _, err := m.Sign(ctx, []byte("payload"))
	require.Error(t, err)
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, rotated, err := m.Rotate(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, rotated)

	jws, kid, err := m.Sign(ctx, []byte(`{"sub":"user-1"}`))
	require.NoError(t, err)
	require.NotEmpty(t, kid)

	payload, verifiedKID, err := m.Verify(ctx, jws)
	require.NoError(t, err)
	require.Equal(t, kid, verifiedKID)
	require.JSONEq(t, `{"sub":"user-1"}`, string(payload))
}

func TestVerifyRejectsTamperedToken(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, _, err := m.Rotate(ctx, time.Now())
	require.NoError(t, err)

	jws, _, err := m.Sign(ctx, []byte(`{"sub":"user-1"}`))
	require.NoError(t, err)

	_, _, err = m.Verify(ctx, jws+"tampered")
	require.Error(t, err)
}

func TestVerifyStillAcceptsPreviousKeyAfterRotation(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	now := time.Now()
	_, _, err := m.Rotate(ctx, now)
	require.NoError(t, err)

	jws, oldKID, err := m.Sign(ctx, []byte(`{"sub":"user-1"}`))
	require.NoError(t, err)

	// Force a second, non-emergency rotation; the previous key moves to
	// VerificationKeys but is not compromised, so tokens it signed must
	// keep validating through the retention window.
	_, rotated, err := m.Rotate(ctx, now.Add(48*time.Hour))
	require.NoError(t, err)
	require.True(t, rotated)

	payload, kid, err := m.Verify(ctx, jws)
	require.NoError(t, err, "a retained verification key must still validate tokens it signed")
	require.Equal(t, oldKID, kid)
	require.JSONEq(t, `{"sub":"user-1"}`, string(payload))
}

func TestRotateEmergencyMarksPriorKeysCompromised(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	now := time.Now()

	_, _, err := m.Rotate(ctx, now)
	require.NoError(t, err)
	jws, _, err := m.Sign(ctx, []byte(`{"sub":"user-1"}`))
	require.NoError(t, err)

	_, err = m.RotateEmergency(ctx, now, "leaked private key")
	require.NoError(t, err)

	// The pre-emergency-rotation token's key is now marked compromised:
	// Verify must fail closed rather than accept it.
	_, _, err = m.Verify(ctx, jws)
	require.Error(t, err)
}
