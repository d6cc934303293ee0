package opserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"

	"github.com/sgrastar/authrim/internal/oidctoken"
	"github.com/sgrastar/authrim/internal/scope"
)

// accessTokenClaims is the JWT claim set of a structured access token.
// Grounded on dex's accessTokenHash/idTokenClaims pairing (server/oauth2.go),
// extended with scope, jti, and an optional DPoP confirmation claim (RFC
// 9449 §6).
type accessTokenClaims struct {
	Issuer   string   `json:"iss"`
	Subject  string   `json:"sub"`
	Audience []string `json:"aud"`
	ClientID string   `json:"client_id"`
	Scope    string   `json:"scope,omitempty"`
	JTI      string   `json:"jti"`
	Expiry   int64    `json:"exp"`
	IssuedAt int64    `json:"iat"`

	// Permissions carries the RBAC/ReBAC claim layer's decision context
	// (§1, §5).
	Permissions []string `json:"authrim_permissions,omitempty"`

	Confirmation *cnfClaim `json:"cnf,omitempty"`
}

type cnfClaim struct {
	JKT string `json:"jkt"`
}

// pairwiseSubject derives the per-client subject value (§4.9 step 3).
func (s *Server) pairwiseSubject(userID, clientID string) (string, error) {
	return oidctoken.PairwiseSubject(s.deps.PairwiseSalt, clientID, userID)
}

// issueAccessToken mints and signs a structured access token, returning the
// compact JWS and its jti (used as the revocation/introspection key).
func (s *Server) issueAccessToken(ctx context.Context, clientID, subject string, scopes []string, permissions []string, dpopJKT string, ttl time.Duration) (jws, jti string, expiry time.Time, err error) {
	now := s.deps.now()
	expiry = now.Add(ttl)
	jti = uuid.NewString()

	claims := accessTokenClaims{
		Issuer:      s.deps.IssuerURL,
		Subject:     subject,
		Audience:    []string{clientID},
		ClientID:    clientID,
		Scope:       scope.Scopes(scopes).String(),
		JTI:         jti,
		Expiry:      expiry.Unix(),
		IssuedAt:    now.Unix(),
		Permissions: permissions,
	}
	if dpopJKT != "" {
		claims.Confirmation = &cnfClaim{JKT: dpopJKT}
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("opserver: marshal access token claims: %w", err)
	}
	jws, _, err = s.signJWS(ctx, payload)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return jws, jti, expiry, nil
}

// issueIDToken mints and signs an ID token (OIDC core §2), computing at_hash
// and c_hash when accessToken/code are supplied.
func (s *Server) issueIDToken(ctx context.Context, clientID, subject, nonce, acr string, amr []string, authTime time.Time, accessToken, code string, ttl time.Duration) (string, error) {
	now := s.deps.now()
	claims, err := oidctoken.BuildIDTokenClaims(jose.RS256, s.deps.IssuerURL, subject, clientID, nonce, acr, amr, authTime, now, now.Add(ttl), accessToken, code)
	if err != nil {
		return "", fmt.Errorf("opserver: build id token claims: %w", err)
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("opserver: marshal id token claims: %w", err)
	}
	jws, _, err := s.signJWS(ctx, payload)
	return jws, err
}

// signJWS signs payload with the tenant's active KeyManager key. The
// KeyManager only ever generates RSA-2048 keys (internal/keymanager), so
// the signature algorithm is always RS256.
func (s *Server) signJWS(ctx context.Context, payload []byte) (jws, kid string, err error) {
	jws, kid, err = s.deps.Keys.Sign(ctx, payload)
	if err != nil {
		return "", "", fmt.Errorf("opserver: sign: %w", err)
	}
	return jws, kid, nil
}
