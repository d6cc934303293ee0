package apierr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/apierr"
)

func TestIsReplayMatchesReplayAndTheftSubtypes(t *testing.T) {
	require.True(t, apierr.IsReplay(apierr.Consistency("invalid_grant", "replay", "code reused")))
	require.True(t, apierr.IsReplay(apierr.Consistency("invalid_grant", "theft", "refresh token reused")))
}

func TestIsReplayFalseForOtherKinds(t *testing.T) {
	require.False(t, apierr.IsReplay(apierr.Protocol("invalid_request", "bad request")))
	require.False(t, apierr.IsReplay(errors.New("plain error")))
	require.False(t, apierr.IsReplay(nil))
}

func TestAsUnwrapsWrappedError(t *testing.T) {
	base := apierr.Dependency("server_error", errors.New("connection refused"))
	wrapped := fmt.Errorf("storage layer: %w", base)

	e, ok := apierr.As(wrapped)
	require.True(t, ok)
	require.Equal(t, apierr.KindDependency, e.Kind)
}

func TestAsFalseForUnrelatedError(t *testing.T) {
	_, ok := apierr.As(errors.New("not one of ours"))
	require.False(t, ok)
}

func TestErrorStringIncludesDescriptionWhenPresent(t *testing.T) {
	err := apierr.Protocol("invalid_request", "missing redirect_uri")
	require.Equal(t, "protocol: invalid_request: missing redirect_uri", err.Error())
}

func TestErrorStringOmitsDescriptionWhenEmpty(t *testing.T) {
	err := &apierr.Error{Kind: apierr.KindFatal, Code: "server_error"}
	require.Equal(t, "fatal: server_error", err.Error())
}

func TestDependencyPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := apierr.Dependency("temporarily_unavailable", cause)
	require.ErrorIs(t, err, cause)
}
