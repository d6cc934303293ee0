package dpop_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/sgrastar/authrim/internal/dpop"
)

func mintProof(t *testing.T, priv *ecdsa.PrivateKey, htm, htu string, issuedAt time.Time) string {
	t.Helper()

	pub := jose.JSONWebKey{Key: &priv.PublicKey}
	pubJSON, err := pub.MarshalJSON()
	require.NoError(t, err)
	var jwkMap map[string]any
	require.NoError(t, json.Unmarshal(pubJSON, &jwkMap))

	claims := dpop.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       "jti-1",
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		HTM: htm,
		HTU: htu,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["jwk"] = jwkMap
	token.Header["typ"] = "dpop+jwt"

	signed, err := token.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestVerifyAcceptsWellFormedProof(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()

	proofJWS := mintProof(t, priv, "POST", "https://auth.example.com/token", now)

	proof, err := dpop.Verify(proofJWS, "POST", "https://auth.example.com/token", now)
	require.NoError(t, err)
	require.NotEmpty(t, proof.JKT)
}

func TestVerifyRejectsMethodMismatch(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()

	proofJWS := mintProof(t, priv, "GET", "https://auth.example.com/token", now)

	_, err = dpop.Verify(proofJWS, "POST", "https://auth.example.com/token", now)
	require.Error(t, err)
}

func TestVerifyRejectsURLMismatch(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()

	proofJWS := mintProof(t, priv, "POST", "https://auth.example.com/token", now)

	_, err = dpop.Verify(proofJWS, "POST", "https://auth.example.com/userinfo", now)
	require.Error(t, err)
}

func TestVerifyRejectsStaleProof(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	issuedAt := time.Now().Add(-time.Hour)

	proofJWS := mintProof(t, priv, "POST", "https://auth.example.com/token", issuedAt)

	_, err = dpop.Verify(proofJWS, "POST", "https://auth.example.com/token", time.Now())
	require.Error(t, err)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()

	proofJWS := mintProof(t, priv, "POST", "https://auth.example.com/token", now)

	_, err = dpop.Verify(proofJWS+"tampered", "POST", "https://auth.example.com/token", now)
	require.Error(t, err)
}

func TestThumbprintIsStableForSameKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()

	proofA := mintProof(t, priv, "POST", "https://auth.example.com/token", now)
	proofB := mintProof(t, priv, "GET", "https://auth.example.com/userinfo", now)

	a, err := dpop.Verify(proofA, "POST", "https://auth.example.com/token", now)
	require.NoError(t, err)
	b, err := dpop.Verify(proofB, "GET", "https://auth.example.com/userinfo", now)
	require.NoError(t, err)

	require.Equal(t, a.JKT, b.JKT, "the same key must always produce the same thumbprint")
}
