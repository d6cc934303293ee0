// Package dpop verifies DPoP proof JWTs (RFC 9449): a client-held key
// signs a short-lived proof binding a request to a specific htm/htu/jti,
// so a stolen bearer token alone is insufficient to replay a request.
// Grounded on the golang-jwt/jwt/v5 usage pattern shown across the
// retrieval pack's JWT issuers (e.g. other_examples' AuthZ jwt-issuer.go):
// jwt.RegisteredClaims embedding plus jwt.ParseWithClaims with an explicit
// Keyfunc, generalized here to parse the proof's embedded "jwk" header
// instead of looking a key up out-of-band.
package dpop

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is a DPoP proof's JWT claim set (RFC 9449 §4.2).
type Claims struct {
	jwt.RegisteredClaims
	HTM        string `json:"htm"`
	HTU        string `json:"htu"`
	AccessTokenHash string `json:"ath,omitempty"`
}

// Proof is a verified DPoP proof, carrying the thumbprint of the key that
// signed it so callers can bind it to an access token (RFC 9449 §6).
type Proof struct {
	JKT    string
	Claims Claims
}

// maxClockSkew bounds how far a proof's iat may drift from the verifier's
// clock before it's rejected as stale (RFC 9449 §4.3 recommends a short
// freshness window; DPoPJTIStore.CheckAndStore then further rejects reuse
// within that window).
const maxClockSkew = 5 * time.Minute

// Verify checks proofJWS's signature against its own embedded "jwk" header
// (DPoP proofs are self-contained, unlike access tokens which need an
// external key), confirms htm/htu match the request, and returns the
// signing key's RFC 7638 thumbprint.
func Verify(proofJWS, expectedMethod, expectedURL string, now time.Time) (Proof, error) {
	var jwk *jose.JSONWebKey

	token, err := jwt.ParseWithClaims(proofJWS, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		raw, ok := t.Header["jwk"]
		if !ok {
			return nil, fmt.Errorf("dpop: proof missing jwk header")
		}
		jwkJSON, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("dpop: re-marshal jwk header: %w", err)
		}
		jwk = &jose.JSONWebKey{}
		if err := jwk.UnmarshalJSON(jwkJSON); err != nil {
			return nil, fmt.Errorf("dpop: parse jwk header: %w", err)
		}
		return publicKeyFor(jwk)
	}, jwt.WithValidMethods([]string{"ES256", "RS256", "PS256"}))
	if err != nil {
		return Proof{}, fmt.Errorf("dpop: verify proof: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Proof{}, fmt.Errorf("dpop: invalid proof claims")
	}
	if claims.HTM != expectedMethod {
		return Proof{}, fmt.Errorf("dpop: htm mismatch")
	}
	if claims.HTU != expectedURL {
		return Proof{}, fmt.Errorf("dpop: htu mismatch")
	}
	if claims.IssuedAt == nil {
		return Proof{}, fmt.Errorf("dpop: missing iat")
	}
	iat := claims.IssuedAt.Time
	if now.Sub(iat) > maxClockSkew || iat.Sub(now) > maxClockSkew {
		return Proof{}, fmt.Errorf("dpop: proof outside freshness window")
	}

	jkt, err := thumbprint(jwk)
	if err != nil {
		return Proof{}, err
	}
	return Proof{JKT: jkt, Claims: *claims}, nil
}

func publicKeyFor(jwk *jose.JSONWebKey) (interface{}, error) {
	switch key := jwk.Key.(type) {
	case *rsa.PublicKey:
		return key, nil
	case *ecdsa.PublicKey:
		return key, nil
	default:
		return nil, fmt.Errorf("dpop: unsupported proof key type %T", key)
	}
}

// thumbprint computes the RFC 7638 JWK thumbprint used as the DPoP "jkt"
// confirmation value bound into an access token (RFC 9449 §6).
func thumbprint(jwk *jose.JSONWebKey) (string, error) {
	sum, err := jwk.Thumbprint(sha256.New())
	if err != nil {
		return "", fmt.Errorf("dpop: compute thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}
