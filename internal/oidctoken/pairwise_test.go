package oidctoken_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/oidctoken"
)

func TestPairwiseSubjectIsDeterministic(t *testing.T) {
	salt := []byte("fixed-salt")
	a, err := oidctoken.PairwiseSubject(salt, "sector-a.example.com", "user-1")
	require.NoError(t, err)
	b, err := oidctoken.PairwiseSubject(salt, "sector-a.example.com", "user-1")
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestPairwiseSubjectDiffersAcrossSectors(t *testing.T) {
	salt := []byte("fixed-salt")
	a, err := oidctoken.PairwiseSubject(salt, "sector-a.example.com", "user-1")
	require.NoError(t, err)
	b, err := oidctoken.PairwiseSubject(salt, "sector-b.example.com", "user-1")
	require.NoError(t, err)
	require.NotEqual(t, a, b, "the same user must present an unlinkable sub to each sector")
}

func TestPairwiseSubjectDiffersAcrossUsers(t *testing.T) {
	salt := []byte("fixed-salt")
	a, err := oidctoken.PairwiseSubject(salt, "sector-a.example.com", "user-1")
	require.NoError(t, err)
	b, err := oidctoken.PairwiseSubject(salt, "sector-a.example.com", "user-2")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestPairwiseSubjectDiffersAcrossSalts(t *testing.T) {
	a, err := oidctoken.PairwiseSubject([]byte("salt-one"), "sector-a.example.com", "user-1")
	require.NoError(t, err)
	b, err := oidctoken.PairwiseSubject([]byte("salt-two"), "sector-a.example.com", "user-1")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
