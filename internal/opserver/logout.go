package opserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// backchannelLogoutEvent is the fixed "events" claim value OpenID
// Connect Back-Channel Logout 1.0 §2.4 requires on every logout token.
const backchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

type logoutTokenClaims struct {
	Issuer   string         `json:"iss"`
	Subject  string         `json:"sub,omitempty"`
	Audience []string       `json:"aud"`
	IssuedAt int64          `json:"iat"`
	JTI      string         `json:"jti"`
	Events   map[string]any `json:"events"`
	SID      string         `json:"sid,omitempty"`
}

// handleLogout implements RP-initiated logout (OIDC Session Management):
// it invalidates the caller's session and, when both client_id and
// post_logout_redirect_uri are supplied and the URI is registered for that
// client, fires a back-channel logout token to that one client (if it has a
// backchannel_logout_uri) and redirects to the URI. Other clients of the
// session are not notified, and id_token_hint is not read.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := r.ParseForm(); err != nil {
		displayedErr(w, http.StatusBadRequest, "malformed logout request")
		return
	}

	sess, ok := s.sessionFromRequest(ctx, r)
	if ok {
		_, _ = s.deps.Sessions.Invalidate(ctx, sess.ID)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})

	redirectURI := r.FormValue("post_logout_redirect_uri")
	clientID := r.FormValue("client_id")
	if redirectURI != "" && clientID != "" {
		client, err := s.deps.Clients.GetByID(ctx, clientID)
		if err == nil && validRedirectURI(client, redirectURI) {
			if client.BackchannelLogoutURI != "" && ok {
				s.deliverBackchannelLogout(client.ID, client.BackchannelLogoutURI, sess.UserID, sess.ID)
			}
			v := url.Values{}
			if state := r.FormValue("state"); state != "" {
				v.Set("state", state)
			}
			target := redirectURI
			if enc := v.Encode(); enc != "" {
				sep := "?"
				if strings.Contains(redirectURI, "?") {
					sep = "&"
				}
				target = redirectURI + sep + enc
			}
			http.Redirect(w, r, target, http.StatusSeeOther)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

// deliverBackchannelLogout mints and POSTs a signed logout token to a
// client's registered back-channel logout endpoint, retried with
// exponential backoff (§5 retry policy) and never blocking the caller's
// own logout response.
func (s *Server) deliverBackchannelLogout(clientID, endpoint, userID, sessionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		token, err := s.issueLogoutToken(ctx, clientID, userID, sessionID)
		if err != nil {
			s.deps.Logger.Errorf("opserver: mint backchannel logout token for client %s: %v", clientID, err)
			return
		}

		op := func() (struct{}, error) {
			form := url.Values{"logout_token": {token}}
			resp, postErr := http.PostForm(endpoint, form)
			if postErr != nil {
				return struct{}{}, postErr
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return struct{}{}, errStatusCode(resp.StatusCode)
			}
			return struct{}{}, nil
		}
		if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3)); err != nil {
			s.deps.Logger.Errorf("opserver: backchannel logout delivery to client %s failed: %v", clientID, err)
		}
	}()
}

type errStatusCode int

func (e errStatusCode) Error() string { return "unexpected status code from backchannel logout endpoint" }

func (s *Server) issueLogoutToken(ctx context.Context, clientID, userID, sessionID string) (string, error) {
	claims := logoutTokenClaims{
		Issuer:   s.deps.IssuerURL,
		Subject:  userID,
		Audience: []string{clientID},
		IssuedAt: s.deps.now().Unix(),
		JTI:      sessionID + "_" + clientID,
		Events:   map[string]any{backchannelLogoutEvent: map[string]any{}},
		SID:      sessionID,
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	jws, _, err := s.signJWS(ctx, payload)
	return jws, err
}
