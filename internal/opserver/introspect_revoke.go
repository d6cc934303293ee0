package opserver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/scope"
)

func tokenHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// introspectionResponse is the RFC 7662 §2.2 response shape.
type introspectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Expiry    int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
}

// handleIntrospect implements RFC 7662: the token is tried first as a
// refresh-token jti (still-live in a family), then as a structured access
// token JWT. An unrecognized or revoked token is reported as inactive
// rather than erroring, per RFC 7662 §2.2.
func (s *Server) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeTokenErr(w, apierr.Protocol("invalid_request", "malformed request body"))
		return
	}
	if _, err := s.authenticateClient(ctx, r); err != nil {
		writeTokenErr(w, err)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		writeTokenErr(w, apierr.Protocol("invalid_request", "token is required"))
		return
	}

	if familyID, ok, err := s.deps.Refresh.FamilyIDForJTI(ctx, token); err == nil && ok {
		family, ok, err := s.deps.Refresh.GetFamilyInfo(ctx, familyID)
		if err == nil && ok && s.deps.now().Before(family.ExpiresAt) {
			writeJSON(w, http.StatusOK, introspectionResponse{
				Active:    true,
				Scope:     scope.Scopes(family.AllowedScope).String(),
				ClientID:  family.ClientID,
				Subject:   family.UserID,
				Expiry:    family.ExpiresAt.Unix(),
				TokenType: "refresh_token",
				Issuer:    s.deps.IssuerURL,
			})
			return
		}
	}

	claims, active := s.verifyAccessToken(ctx, token)
	if !active {
		writeJSON(w, http.StatusOK, introspectionResponse{Active: false})
		return
	}
	writeJSON(w, http.StatusOK, introspectionResponse{
		Active:    true,
		Scope:     claims.Scope,
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		Expiry:    claims.Expiry,
		IssuedAt:  claims.IssuedAt,
		TokenType: "Bearer",
		Audience:  claims.Audience,
		Issuer:    claims.Issuer,
	})
}

// verifyAccessToken checks a compact JWS's signature, expiry, and
// revocation status, returning its claims when all three hold.
func (s *Server) verifyAccessToken(ctx context.Context, raw string) (accessTokenClaims, bool) {
	payload, _, err := s.deps.Keys.Verify(ctx, raw)
	if err != nil {
		return accessTokenClaims{}, false
	}
	var claims accessTokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return accessTokenClaims{}, false
	}
	if s.deps.now().After(time.Unix(claims.Expiry, 0)) {
		return accessTokenClaims{}, false
	}
	if revoked, err := s.deps.Revoked.IsRevoked(ctx, tokenHash(raw)); err != nil || revoked {
		return accessTokenClaims{}, false
	}
	return claims, true
}

// handleRevoke implements RFC 7009: try the token as a refresh-token jti
// (revoking its whole family), else tombstone it as an access token.
// Per RFC 7009 §2.2, the response is unconditionally 200 regardless of
// whether the token was recognized, so a client can't use this endpoint
// to probe for valid tokens.
func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeTokenErr(w, apierr.Protocol("invalid_request", "malformed request body"))
		return
	}
	if _, err := s.authenticateClient(ctx, r); err != nil {
		writeTokenErr(w, err)
		return
	}

	token := r.FormValue("token")
	if token == "" {
		writeTokenErr(w, apierr.Protocol("invalid_request", "token is required"))
		return
	}

	s.revokeToken(ctx, token)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) revokeToken(ctx context.Context, token string) {
	if familyID, ok, err := s.deps.Refresh.FamilyIDForJTI(ctx, token); err == nil && ok {
		_, _ = s.deps.Refresh.RevokeFamily(ctx, familyID, "client-requested revocation")
		return
	}

	claims, ok := s.verifyAccessToken(ctx, token)
	if !ok {
		return
	}
	_ = s.deps.Revoked.Revoke(ctx, tokenHash(token), "client-requested revocation", time.Unix(claims.Expiry, 0))
}

// bearerToken extracts the token from an Authorization: Bearer header.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		return "", false
	}
	return auth[len(prefix):], true
}
