package opserver

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sgrastar/authrim/internal/authcode"
	"github.com/sgrastar/authrim/internal/rdbms"
	"github.com/sgrastar/authrim/internal/session"
)

// sessionCookieName is the cookie carrying an already-established
// SessionStore id. Establishing that session (login) happens upstream of
// this core (§9 open question 4: an IDP/first-factor integration is an
// external collaborator); /authorize only ever reads an existing session,
// never creates one.
const sessionCookieName = "authrim_session"

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("opserver: generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func parseScope(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return strings.Fields(raw)
}

// handleAuthorize implements §4.8 steps 1-7: validate client_id, then
// redirect_uri (both must resolve before any redirect is safe to issue),
// then response_type/PKCE/scope, then require a session, minting and
// redirecting with an authorization code on success. Validation order
// follows dex's parseAuthorizationRequest (server/oauth2.go).
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		displayedErr(w, http.StatusBadRequest, "malformed authorization request")
		return
	}
	q := r.Form

	clientID := q.Get("client_id")
	if clientID == "" {
		displayedErr(w, http.StatusBadRequest, "client_id is required")
		return
	}
	client, err := s.deps.Clients.GetByID(ctx, clientID)
	if err != nil {
		if err == rdbms.ErrNotFound {
			displayedErr(w, http.StatusBadRequest, "unknown client_id")
			return
		}
		displayedErr(w, http.StatusServiceUnavailable, "client registry unavailable")
		return
	}

	redirectURI := q.Get("redirect_uri")
	if !validRedirectURI(client, redirectURI) {
		// Step 1-2: an unregistered redirect_uri must never be used to
		// deliver an error, since that is itself the open-redirect this
		// check exists to prevent.
		displayedErr(w, http.StatusBadRequest, "redirect_uri is not registered for this client")
		return
	}

	state := q.Get("state")

	var par PARRequest
	if reqURI := q.Get("request_uri"); reqURI != "" {
		par, err = s.deps.PAR.Consume(ctx, reqURI)
		if err != nil {
			redirectAuthErr(w, r, redirectURI, state, "invalid_request", "unknown or expired request_uri")
			return
		}
		if par.ClientID != clientID || par.RedirectURI != redirectURI {
			redirectAuthErr(w, r, redirectURI, state, "invalid_request", "request_uri does not match client_id/redirect_uri")
			return
		}
		state = par.State
	}

	if q.Get("response_type") != "code" {
		redirectAuthErr(w, r, redirectURI, state, "unsupported_response_type", "only the authorization code response type is supported")
		return
	}

	scope := parseScope(q.Get("scope"))
	if par.ClientID != "" {
		scope = par.Scope
	}

	codeChallenge := q.Get("code_challenge")
	codeChallengeMethod := q.Get("code_challenge_method")
	nonce := q.Get("nonce")
	if par.ClientID != "" {
		codeChallenge, codeChallengeMethod, nonce = par.CodeChallenge, par.CodeChallengeMethod, par.Nonce
	}
	var method authcode.PKCEMethod
	switch codeChallengeMethod {
	case "", string(authcode.PKCEPlain):
		method = authcode.PKCEPlain
	case string(authcode.PKCES256):
		method = authcode.PKCES256
	default:
		redirectAuthErr(w, r, redirectURI, state, "invalid_request", "unsupported code_challenge_method")
		return
	}

	sess, ok := s.sessionFromRequest(ctx, r)
	if !ok {
		if q.Get("prompt") == "none" {
			// §4.8 step 7: prompt=none without a session fails at once with
			// login_required, redirected to the already-validated
			// redirect_uri; no code is issued and no login is attempted.
			redirectAuthErr(w, r, redirectURI, state, "login_required", "no active session")
			return
		}
		displayedErr(w, http.StatusUnauthorized, "authentication required: establish a session before retrying /authorize")
		return
	}

	code, err := randomToken(32)
	if err != nil {
		displayedErr(w, http.StatusInternalServerError, "failed to generate authorization code")
		return
	}

	rec := authcode.Record{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		UserID:              sess.UserID,
		Scope:               scope,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: method,
		Nonce:               nonce,
		State:               state,
		AuthTime:            sess.Data.AuthTime,
		ExpiresAt:           s.deps.now().Add(60 * time.Second),
	}
	if err := s.deps.Codes.Store(ctx, code, rec); err != nil {
		displayedErr(w, http.StatusInternalServerError, "failed to store authorization code")
		return
	}

	v := url.Values{}
	v.Set("code", code)
	if state != "" {
		v.Set("state", state)
	}
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	http.Redirect(w, r, redirectURI+sep+v.Encode(), http.StatusSeeOther)
}

// sessionFromRequest resolves the caller's SessionStore entry from its
// session cookie, if any.
func (s *Server) sessionFromRequest(ctx context.Context, r *http.Request) (session.Session, bool) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return session.Session{}, false
	}
	found, exists, err := s.deps.Sessions.Get(ctx, cookie.Value)
	if err != nil || !exists {
		return session.Session{}, false
	}
	return found, true
}
