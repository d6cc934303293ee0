package opserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sgrastar/authrim/internal/apierr"
)

// parTTL bounds how long a pushed authorization request survives before it
// must be redeemed at /authorize (RFC 9126 §2.2 recommends a short-lived
// value; dex has no PAR endpoint to draw a precedent from, so this is new
// code in its idiom rather than copied).
const parTTL = 90 * time.Second

// handlePAR implements RFC 9126: a confidential or authenticated client
// pushes its authorization request parameters out of band and gets back an
// opaque request_uri to present at /authorize instead of the parameters
// themselves.
func (s *Server) handlePAR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		writeTokenErr(w, apierr.Protocol("invalid_request", "malformed request body"))
		return
	}

	client, err := s.authenticateClient(ctx, r)
	if err != nil {
		writeTokenErr(w, err)
		return
	}

	redirectURI := r.FormValue("redirect_uri")
	if !validRedirectURI(client, redirectURI) {
		writeTokenErr(w, apierr.Protocol("invalid_request", "redirect_uri is not registered for this client"))
		return
	}

	req := PARRequest{
		ClientID:            client.ID,
		RedirectURI:         redirectURI,
		Scope:               parseScope(r.FormValue("scope")),
		State:               r.FormValue("state"),
		Nonce:               r.FormValue("nonce"),
		CodeChallenge:       r.FormValue("code_challenge"),
		CodeChallengeMethod: r.FormValue("code_challenge_method"),
	}

	token, err := randomToken(32)
	if err != nil {
		writeTokenErr(w, apierr.Fatal("failed to generate request_uri", err))
		return
	}
	requestURI := fmt.Sprintf("urn:ietf:params:oauth:request_uri:%s", token)

	if err := s.deps.PAR.Put(ctx, requestURI, req, parTTL); err != nil {
		writeTokenErr(w, apierr.Dependency("temporarily_unavailable", err))
		return
	}

	writeJSON(w, http.StatusCreated, struct {
		RequestURI string `json:"request_uri"`
		ExpiresIn  int    `json:"expires_in"`
	}{requestURI, int(parTTL.Seconds())})
}
