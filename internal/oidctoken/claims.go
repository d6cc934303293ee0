// Package oidctoken builds and signs the JWTs the provider issues: ID
// tokens and JWT-structured access tokens. Grounded directly on dex's
// server/oauth2.go (signatureAlgorithm, signPayload, accessTokenHash,
// idTokenClaims, newIDToken), generalized to the multi-tenant KeyManager
// actor (internal/keymanager) instead of a single global storage.Keys blob,
// and extended with a pairwise subject derived via HKDF instead of the
// federated-id passthrough dex uses.
package oidctoken

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// audience marshals as a bare string when it holds exactly one entry,
// matching dex's audience type and the OIDC core spec's aud representation.
type audience []string

func (a audience) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

// IDTokenClaims is the JWT claim set of an ID token (OIDC core §2).
type IDTokenClaims struct {
	Issuer           string   `json:"iss"`
	Subject          string   `json:"sub"`
	Audience         audience `json:"aud"`
	Expiry           int64    `json:"exp"`
	IssuedAt         int64    `json:"iat"`
	AuthTime         int64    `json:"auth_time,omitempty"`
	AuthorizingParty string   `json:"azp,omitempty"`
	Nonce            string   `json:"nonce,omitempty"`
	ACR              string   `json:"acr,omitempty"`
	AMR              []string `json:"amr,omitempty"`

	AccessTokenHash string `json:"at_hash,omitempty"`
	CodeHash        string `json:"c_hash,omitempty"`

	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`

	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
}

// signatureAlgorithmFor mirrors dex's signatureAlgorithm: RSA keys always
// sign RS256 (OIDC core mandates RS256 support), ECDSA keys map to the
// curve-prescribed ES alg.
func signatureAlgorithmFor(jwk *jose.JSONWebKey) (jose.SignatureAlgorithm, error) {
	if jwk == nil || jwk.Key == nil {
		return "", errors.New("oidctoken: no signing key")
	}
	switch key := jwk.Key.(type) {
	case *rsa.PrivateKey:
		return jose.RS256, nil
	case *rsa.PublicKey:
		return jose.RS256, nil
	case *ecdsa.PrivateKey:
		return ecdsaAlg(key.Params())
	case *ecdsa.PublicKey:
		return ecdsaAlg(key.Params())
	default:
		return "", fmt.Errorf("oidctoken: unsupported signing key type %T", key)
	}
}

func ecdsaAlg(params *elliptic.CurveParams) (jose.SignatureAlgorithm, error) {
	switch params {
	case elliptic.P256().Params():
		return jose.ES256, nil
	case elliptic.P384().Params():
		return jose.ES384, nil
	case elliptic.P521().Params():
		return jose.ES512, nil
	default:
		return "", errors.New("oidctoken: unsupported ecdsa curve")
	}
}

var hashForSigAlg = map[jose.SignatureAlgorithm]func() hash.Hash{
	jose.RS256: sha256.New,
	jose.RS384: sha512.New384,
	jose.RS512: sha512.New,
	jose.ES256: sha256.New,
	jose.ES384: sha512.New384,
	jose.ES512: sha512.New,
}

// TokenHash computes an at_hash/c_hash per OIDC core's ImplicitIDToken
// algorithm: hash the value with the ID token's signing hash, keep the
// left half, base64url-encode it.
func TokenHash(alg jose.SignatureAlgorithm, value string) (string, error) {
	newHash, ok := hashForSigAlg[alg]
	if !ok {
		return "", fmt.Errorf("oidctoken: unsupported signature algorithm: %s", alg)
	}
	h := newHash()
	if _, err := io.WriteString(h, value); err != nil {
		return "", fmt.Errorf("oidctoken: computing hash: %w", err)
	}
	sum := h.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// Signer signs an ID token's claim set with the caller-supplied key and
// reports the alg used, so callers (which own the KeyManager actor) can
// compute at_hash/c_hash before signing.
type Signer interface {
	SignatureAlgorithm() (jose.SignatureAlgorithm, error)
	Sign(payload []byte) (jws string, err error)
}

// jwkSigner adapts a single *jose.JSONWebKey into a Signer, grounded on
// dex's signPayload helper.
type jwkSigner struct {
	key *jose.JSONWebKey
	alg jose.SignatureAlgorithm
}

// NewJWKSigner wraps a private signing JWK.
func NewJWKSigner(key *jose.JSONWebKey) (Signer, error) {
	alg, err := signatureAlgorithmFor(key)
	if err != nil {
		return nil, err
	}
	return &jwkSigner{key: key, alg: alg}, nil
}

func (s *jwkSigner) SignatureAlgorithm() (jose.SignatureAlgorithm, error) { return s.alg, nil }

func (s *jwkSigner) Sign(payload []byte) (string, error) {
	signingKey := jose.SigningKey{Key: s.key, Algorithm: s.alg}
	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{})
	if err != nil {
		return "", fmt.Errorf("oidctoken: new signer: %w", err)
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("oidctoken: sign payload: %w", err)
	}
	return sig.CompactSerialize()
}

// BuildIDTokenClaims assembles an IDTokenClaims, computing at_hash/c_hash
// when accessToken/code are non-empty, mirroring dex's newIDToken.
func BuildIDTokenClaims(alg jose.SignatureAlgorithm, issuer, subject, clientID, nonce, acr string, amr []string, authTime, issuedAt, expiry time.Time, accessToken, code string) (IDTokenClaims, error) {
	tok := IDTokenClaims{
		Issuer:           issuer,
		Subject:          subject,
		Audience:         audience{clientID},
		AuthorizingParty: clientID,
		Nonce:            nonce,
		ACR:              acr,
		AMR:              amr,
		Expiry:           expiry.Unix(),
		IssuedAt:         issuedAt.Unix(),
	}
	if !authTime.IsZero() {
		tok.AuthTime = authTime.Unix()
	}
	if accessToken != "" {
		atHash, err := TokenHash(alg, accessToken)
		if err != nil {
			return IDTokenClaims{}, fmt.Errorf("oidctoken: at_hash: %w", err)
		}
		tok.AccessTokenHash = atHash
	}
	if code != "" {
		cHash, err := TokenHash(alg, code)
		if err != nil {
			return IDTokenClaims{}, fmt.Errorf("oidctoken: c_hash: %w", err)
		}
		tok.CodeHash = cHash
	}
	return tok, nil
}
