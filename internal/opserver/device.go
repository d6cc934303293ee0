package opserver

import (
	"crypto/rand"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/sgrastar/authrim/internal/apierr"
)

// validUserCodeChars excludes vowels and visually ambiguous characters, so
// a user reading a code off a second screen can't accidentally spell a
// word or confuse 0/O, 1/I (grounded on dex's storage.NewUserCode).
const validUserCodeChars = "BCDFGHJKLMNPQRSTVWXZ"

const (
	deviceCodeTTL      = 10 * time.Minute
	devicePollInterval = 5 * time.Second
)

func randomUserCode() (string, error) {
	set := big.NewInt(int64(len(validUserCodeChars)))
	buf := make([]byte, 8)
	for i := range buf {
		n, err := rand.Int(rand.Reader, set)
		if err != nil {
			return "", err
		}
		buf[i] = validUserCodeChars[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}

type deviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// handleDeviceAuthorization implements RFC 8628 §3.1/3.2: a device with no
// browser of its own registers for a user_code/device_code pair, which it
// polls /token with while a user approves the user_code on a second screen.
func (s *Server) handleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
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
	scope := parseScope(r.FormValue("scope"))

	deviceCode, err := randomToken(24)
	if err != nil {
		writeTokenErr(w, apierr.Fatal("failed to generate device_code", err))
		return
	}
	userCode, err := randomUserCode()
	if err != nil {
		writeTokenErr(w, apierr.Fatal("failed to generate user_code", err))
		return
	}

	if _, err := s.deps.DeviceCodes.Create(ctx, deviceCode, userCode, client.ID, scope, deviceCodeTTL, devicePollInterval); err != nil {
		writeTokenErr(w, apierr.Dependency("temporarily_unavailable", err))
		return
	}

	verificationURI := s.issuerURL.String() + "/device"
	v := url.Values{}
	v.Set("user_code", userCode)
	completeURL := *s.issuerURL
	completeURL.Path = path.Join(completeURL.Path, "device")
	completeURL.RawQuery = v.Encode()

	writeJSON(w, http.StatusOK, deviceAuthorizationResponse{
		DeviceCode:              deviceCode,
		UserCode:                userCode,
		VerificationURI:         verificationURI,
		VerificationURIComplete: completeURL.String(),
		ExpiresIn:               int(deviceCodeTTL.Seconds()),
		Interval:                int(devicePollInterval.Seconds()),
	})
}

type deviceVerifyRequest struct {
	UserCode string `json:"user_code"`
	Approve  bool   `json:"approve"`
}

// handleDeviceVerify is where an already-authenticated user resolves the
// user_code displayed on the second device (RFC 8628 §3.3). It requires
// the same session cookie /authorize consults; establishing that session
// is an external first-factor concern.
func (s *Server) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, struct {
			UserCode string `json:"user_code"`
		}{r.URL.Query().Get("user_code")})
		return
	}

	sess, ok := s.sessionFromRequest(ctx, r)
	if !ok {
		displayedErr(w, http.StatusUnauthorized, "authentication required before resolving a device code")
		return
	}

	var req deviceVerifyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		displayedErr(w, http.StatusBadRequest, "malformed device verification request")
		return
	}
	if req.UserCode == "" {
		displayedErr(w, http.StatusBadRequest, "user_code is required")
		return
	}

	var err error
	if req.Approve {
		err = s.deps.DeviceCodes.Approve(ctx, req.UserCode, sess.UserID)
	} else {
		err = s.deps.DeviceCodes.Deny(ctx, req.UserCode)
	}
	if err != nil {
		writeTokenErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Status string `json:"status"`
	}{"ok"})
}
