package opserver

import (
	"net/http"

	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/rdbms"
)

// userInfoResponse is the OIDC core §5.3.2 claim set, extended with a
// "_degraded" flag (§7 propagation policy) when the relational profile
// store couldn't be reached: the endpoint still answers with whatever it
// can prove from the token alone rather than failing the request outright.
type userInfoResponse struct {
	Subject       string `json:"sub"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Degraded      bool   `json:"_degraded,omitempty"`
}

// handleUserInfo implements OIDC core §5.3: a bearer (or DPoP-bound)
// access token resolves to its subject's claims. A DPoP-bound token
// (cnf.jkt present) additionally requires the caller present a matching
// DPoP proof, per RFC 9449 §7.
func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := bearerToken(r)
	if !ok {
		writeTokenErr(w, apierr.Authentication("invalid_token", "missing bearer token"))
		return
	}

	claims, ok := s.verifyAccessToken(ctx, token)
	if !ok {
		writeTokenErr(w, apierr.Authentication("invalid_token", "access token is invalid, expired, or revoked"))
		return
	}

	if claims.Confirmation != nil {
		proofJWS := r.Header.Get("DPoP")
		if proofJWS == "" {
			writeTokenErr(w, apierr.Authentication("invalid_token", "DPoP-bound token requires a DPoP proof"))
			return
		}
		jkt, err := s.verifyDPoPProof(ctx, r, http.MethodGet, s.issuerURL.String()+"/userinfo")
		if err != nil || jkt != claims.Confirmation.JKT {
			writeTokenErr(w, apierr.Authentication("invalid_token", "DPoP proof does not match token binding"))
			return
		}
	}

	resp := userInfoResponse{Subject: claims.Subject}
	profile, err := s.deps.Profiles.GetByUserID(ctx, claims.Subject)
	switch {
	case err == nil:
		resp.Name = profile.Name
		resp.Email = profile.Email
		resp.EmailVerified = profile.EmailVerified
	case err == rdbms.ErrNotFound:
		// No profile on file is not degradation: the subject simply has
		// no additional claims to report.
	default:
		resp.Degraded = true
	}

	writeJSON(w, http.StatusOK, resp)
}
