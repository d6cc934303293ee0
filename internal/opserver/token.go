package opserver

import (
	"context"
	"net/http"
	"time"

	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/claims"
	"github.com/sgrastar/authrim/internal/dpop"
	"github.com/sgrastar/authrim/internal/rdbms"
	"github.com/sgrastar/authrim/internal/scope"
)

// dpopFreshnessWindow bounds how long a DPoP proof's jti is remembered for
// replay detection (RFC 9449 §11.1 recommends matching the proof's own
// short validity window).
const dpopFreshnessWindow = 5 * time.Minute

// tokenResponse is the RFC 6749 §5.1 access token response, extended with
// the OIDC core id_token field.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// handleToken is the grant-type multiplexer of §4.9, dispatching to one of
// the grant implementations below, mirroring dex's handleToken
// (server/tokenhandlers.go).
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenErr(w, apierr.Protocol("invalid_request", "malformed request body"))
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	case "urn:ietf:params:oauth:grant-type:device_code":
		s.handleDeviceCodeGrant(w, r)
	case "urn:openid:params:grant-type:ciba":
		s.handleCIBAGrant(w, r)
	default:
		writeTokenErr(w, apierr.Protocol("unsupported_grant_type", "unsupported grant_type"))
	}
}

// dpopConfirmation verifies an optional DPoP proof header (RFC 9449) bound
// to the token endpoint, returning its key thumbprint to embed in the
// issued access token's "cnf" claim. A request without a DPoP header is a
// plain bearer-token request, not an error.
func (s *Server) dpopConfirmation(ctx context.Context, r *http.Request) (jkt string, err error) {
	return s.verifyDPoPProof(ctx, r, http.MethodPost, s.issuerURL.String()+"/token")
}

// verifyDPoPProof checks an optional DPoP proof against the given method
// and htu, generalizing dpopConfirmation for endpoints other than /token
// (e.g. /userinfo, RFC 9449 §7).
func (s *Server) verifyDPoPProof(ctx context.Context, r *http.Request, method, htu string) (jkt string, err error) {
	proofJWS := r.Header.Get("DPoP")
	if proofJWS == "" {
		return "", nil
	}
	proof, err := dpop.Verify(proofJWS, method, htu, s.deps.now())
	if err != nil {
		return "", apierr.Protocol("invalid_dpop_proof", err.Error())
	}
	if proof.Claims.ID == "" {
		return "", apierr.Protocol("invalid_dpop_proof", "proof missing jti")
	}
	if err := s.deps.DPoPJTIs.CheckAndStore(ctx, proof.Claims.ID, dpopFreshnessWindow); err != nil {
		return "", err
	}
	return proof.JKT, nil
}

// permissionsFor asks the RBAC/ReBAC claim layer (internal/claims) what
// authrim_permissions to embed, if an Authorizer is configured. Absence of
// an Authorizer is not an error: the claim layer is optional policy
// enrichment, not a gate on token issuance.
func (s *Server) permissionsFor(userID, clientID string, scopes []string) []string {
	if s.deps.Authorizer == nil {
		return nil
	}
	ctxMap := map[string]any{"scope": scope.Scopes(scopes).String()}
	decision, err := s.deps.Authorizer.Check(claims.Principal{Type: "User", ID: userID}, "AccessToken", "Client", clientID, ctxMap)
	if err != nil || !decision.Allowed {
		return nil
	}
	return scopes
}

// handleAuthorizationCodeGrant implements §4.9's authorization_code grant:
// consume the code (cascading any replay to every refresh family it ever
// spawned), verify PKCE (already enforced by authcode.Store.Consume),
// verify client/redirect_uri match, then mint tokens.
func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	code := r.FormValue("code")
	codeVerifier := r.FormValue("code_verifier")
	rec, err := s.deps.Codes.Consume(ctx, code, client.ID, codeVerifier)
	if err != nil {
		if apierr.IsReplay(err) {
			s.cascadeRevokeCode(ctx, code)
		}
		writeTokenErr(w, err)
		return
	}
	if rec.RedirectURI != r.FormValue("redirect_uri") {
		writeTokenErr(w, apierr.Protocol("invalid_grant", "redirect_uri does not match the authorization request"))
		return
	}

	s.finishTokenIssuance(ctx, w, r, client, rec.UserID, rec.Scope, rec.Nonce, "", rec.AuthTime, code, true)
}

// cascadeRevokeCode revokes every refresh-token family ever spawned from a
// replayed authorization code (§4.9 step 2, §7 propagation policy).
func (s *Server) cascadeRevokeCode(ctx context.Context, code string) {
	familyIDs, err := s.deps.Codes.FamiliesFor(ctx, code)
	if err != nil {
		return
	}
	for _, fid := range familyIDs {
		_, _ = s.deps.Refresh.RevokeFamily(ctx, fid, "authorization code replay")
	}
}

// handleRefreshTokenGrant implements §4.9's refresh_token grant, including
// theft detection: a reused superseded jti revokes the whole family rather
// than just rejecting the one request.
func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	presented := r.FormValue("refresh_token")
	requestedScope := parseScope(r.FormValue("scope"))

	result, err := s.deps.Refresh.Rotate(ctx, presented, requestedScope)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	familyID, ok, err := s.deps.Refresh.FamilyIDForJTI(ctx, result.NewJTI)
	if err != nil || !ok {
		writeTokenErr(w, apierr.Fatal("refresh: rotated token missing from family index", err))
		return
	}
	family, ok, err := s.deps.Refresh.GetFamilyInfo(ctx, familyID)
	if err != nil || !ok {
		writeTokenErr(w, apierr.Fatal("refresh: family vanished immediately after rotation", err))
		return
	}

	s.writeTokenSet(ctx, w, r, client, family.UserID, result.Scope, "", "", time.Time{}, "", result.NewJTI)
}

// finishTokenIssuance handles the first-issuance path (authorization_code
// grant): mint tokens and, if mintRefresh is set and "offline_access" was
// granted, a brand new refresh-token family.
func (s *Server) finishTokenIssuance(ctx context.Context, w http.ResponseWriter, r *http.Request, client rdbms.Client, userID string, scopes []string, nonce, acr string, authTime time.Time, code string, mintRefresh bool) {
	refreshToken := ""
	if mintRefresh && scope.Scopes(scopes).OfflineAccess() {
		jti, err := s.deps.Refresh.NewJTI()
		if err != nil {
			writeTokenErr(w, apierr.Fatal("failed to mint refresh token jti", err))
			return
		}
		familyID, err := s.deps.Refresh.CreateFamily(ctx, userID, client.ID, scopes, jti, s.deps.RefreshTokenTTL)
		if err != nil {
			writeTokenErr(w, apierr.Dependency("temporarily_unavailable", err))
			return
		}
		if code != "" {
			_ = s.deps.Codes.AttachFamily(ctx, code, familyID)
		}
		refreshToken = jti
	}
	s.writeTokenSet(ctx, w, r, client, userID, scopes, nonce, acr, authTime, code, refreshToken)
}

// writeTokenSet mints the access token (with optional DPoP confirmation and
// RBAC claim enrichment), an ID token when "openid" was granted, and writes
// the RFC 6749 §5.1 response, optionally carrying an already-determined
// refreshToken value (the refresh grant rotates one itself rather than
// minting a fresh family).
func (s *Server) writeTokenSet(ctx context.Context, w http.ResponseWriter, r *http.Request, client rdbms.Client, userID string, scopes []string, nonce, acr string, authTime time.Time, code string, refreshToken string) {
	jkt, err := s.dpopConfirmation(ctx, r)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	subject, err := s.pairwiseSubject(userID, client.ID)
	if err != nil {
		writeTokenErr(w, apierr.Fatal("failed to derive pairwise subject", err))
		return
	}

	permissions := s.permissionsFor(userID, client.ID, scopes)

	accessToken, _, _, err := s.issueAccessToken(ctx, client.ID, subject, scopes, permissions, jkt, s.deps.AccessTokenTTL)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	resp := tokenResponse{
		AccessToken:  accessToken,
		TokenType:    tokenType(jkt),
		ExpiresIn:    int(s.deps.AccessTokenTTL.Seconds()),
		Scope:        scope.Scopes(scopes).String(),
		RefreshToken: refreshToken,
	}

	if scope.Scopes(scopes).HasScope("openid") {
		idToken, err := s.issueIDToken(ctx, client.ID, subject, nonce, acr, nil, authTime, accessToken, code, s.deps.IDTokenTTL)
		if err != nil {
			writeTokenErr(w, err)
			return
		}
		resp.IDToken = idToken
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleDeviceCodeGrant implements RFC 8628 §3.4/3.5: the device polls
// with its device_code until the user resolves the matching user_code out
// of band.
func (s *Server) handleDeviceCodeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	rec, err := s.deps.DeviceCodes.Poll(ctx, r.FormValue("device_code"))
	if err != nil {
		writeTokenErr(w, err)
		return
	}
	if rec.ClientID != client.ID {
		writeTokenErr(w, apierr.Protocol("invalid_grant", "device code was not issued to this client"))
		return
	}

	s.finishTokenIssuance(ctx, w, r, client, rec.UserID, rec.Scope, "", "", s.deps.now(), "", true)
}

// handleCIBAGrant implements the CIBA urn:openid:params:grant-type:ciba
// grant: the client polls with its auth_req_id until the out-of-band
// authentication device resolves it.
func (s *Server) handleCIBAGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	rec, err := s.deps.CIBA.Poll(ctx, r.FormValue("auth_req_id"))
	if err != nil {
		writeTokenErr(w, err)
		return
	}
	if rec.ClientID != client.ID {
		writeTokenErr(w, apierr.Protocol("invalid_grant", "auth_req_id was not issued to this client"))
		return
	}

	s.finishTokenIssuance(ctx, w, r, client, rec.UserID, rec.Scope, "", "", s.deps.now(), "", true)
}

func tokenType(jkt string) string {
	if jkt != "" {
		return "DPoP"
	}
	return "Bearer"
}
