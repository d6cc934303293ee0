package opserver

import (
	"net/http"
	"time"

	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/scope"
)

const (
	cibaRequestTTL   = 5 * time.Minute
	cibaPollInterval = 5 * time.Second
)

type backchannelAuthorizeResponse struct {
	AuthReqID string `json:"auth_req_id"`
	ExpiresIn int    `json:"expires_in"`
	Interval  int    `json:"interval"`
}

// handleBackchannelAuthorize implements the CIBA /bc-authorize endpoint: a
// client posts a login_hint identifying the user to authenticate out of
// band and receives an auth_req_id to poll /token with.
func (s *Server) handleBackchannelAuthorize(w http.ResponseWriter, r *http.Request) {
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

	loginHint := r.FormValue("login_hint")
	if loginHint == "" {
		writeTokenErr(w, apierr.Protocol("invalid_request", "login_hint is required"))
		return
	}
	requestedScope := parseScope(r.FormValue("scope"))
	if !scope.Scopes(requestedScope).HasScope("openid") {
		writeTokenErr(w, apierr.Protocol("invalid_request", "openid scope is required"))
		return
	}

	authReqID, err := randomToken(24)
	if err != nil {
		writeTokenErr(w, apierr.Fatal("failed to generate auth_req_id", err))
		return
	}

	if _, err := s.deps.CIBA.Create(ctx, authReqID, client.ID, loginHint, requestedScope, cibaRequestTTL, cibaPollInterval); err != nil {
		writeTokenErr(w, apierr.Dependency("temporarily_unavailable", err))
		return
	}

	writeJSON(w, http.StatusOK, backchannelAuthorizeResponse{
		AuthReqID: authReqID,
		ExpiresIn: int(cibaRequestTTL.Seconds()),
		Interval:  int(cibaPollInterval.Seconds()),
	})
}

type cibaResolveRequest struct {
	AuthReqID string `json:"auth_req_id"`
	UserID    string `json:"user_id"`
	Approve   bool   `json:"approve"`
}

// handleCIBAResolve is the out-of-band authentication device's callback
// resolving a pending auth_req_id, analogous to handleDeviceVerify. CIBA's
// spec leaves the authentication device's own channel to the deployment;
// this is the minimal resolution surface that channel calls into.
func (s *Server) handleCIBAResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req cibaResolveRequest
	if err := decodeJSONBody(r, &req); err != nil {
		displayedErr(w, http.StatusBadRequest, "malformed resolution request")
		return
	}
	if req.AuthReqID == "" || (req.Approve && req.UserID == "") {
		displayedErr(w, http.StatusBadRequest, "auth_req_id and, for approval, user_id are required")
		return
	}

	if err := s.deps.CIBA.Resolve(ctx, req.AuthReqID, req.UserID, req.Approve); err != nil {
		writeTokenErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
}
