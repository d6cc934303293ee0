package claims_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/claims"
)

func TestNewRejectsEmptyPolicies(t *testing.T) {
	_, err := claims.New(claims.Config{})
	require.ErrorIs(t, err, claims.ErrNoPolicies)
}

func TestNewRejectsUnparsablePolicy(t *testing.T) {
	_, err := claims.New(claims.Config{Policies: []string{"not cedar at all {{{"}})
	require.Error(t, err)
}

func TestCheckAllowsWhenRoleMatchesPermitPolicy(t *testing.T) {
	authorizer, err := claims.New(claims.Config{
		Policies: []string{`permit(principal in Role::"admin", action == Action::"read", resource);`},
	})
	require.NoError(t, err)

	decision, err := authorizer.Check(
		claims.Principal{Type: "User", ID: "alice", Roles: []string{"admin"}},
		"read", "Document", "doc-1", nil,
	)
	require.NoError(t, err)
	require.True(t, decision.Allowed)
}

func TestCheckDeniesWhenRoleDoesNotMatch(t *testing.T) {
	authorizer, err := claims.New(claims.Config{
		Policies: []string{`permit(principal in Role::"admin", action == Action::"read", resource);`},
	})
	require.NoError(t, err)

	decision, err := authorizer.Check(
		claims.Principal{Type: "User", ID: "bob", Roles: []string{"viewer"}},
		"read", "Document", "doc-1", nil,
	)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}

func TestCheckDeniesWhenNoPolicyMatchesAction(t *testing.T) {
	authorizer, err := claims.New(claims.Config{
		Policies: []string{`permit(principal, action == Action::"read", resource);`},
	})
	require.NoError(t, err)

	decision, err := authorizer.Check(
		claims.Principal{Type: "User", ID: "alice", Roles: nil},
		"write", "Document", "doc-1", nil,
	)
	require.NoError(t, err)
	require.False(t, decision.Allowed)
}
