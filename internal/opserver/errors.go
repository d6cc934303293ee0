package opserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/sgrastar/authrim/internal/apierr"
)

// tokenErr writes an RFC 6749 §5.2 JSON error body, grounded on dex's
// tokenErr helper (server/oauth2.go) almost verbatim.
func tokenErr(w http.ResponseWriter, typ, description string, statusCode int) {
	data := struct {
		Error       string `json:"error"`
		Description string `json:"error_description,omitempty"`
	}{typ, description}
	body, err := json.Marshal(data)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// redirectAuthErr sends the RFC 6749 §4.1.2.1 redirect-carried error,
// grounded on dex's redirectedAuthErr.Handler (server/oauth2.go).
func redirectAuthErr(w http.ResponseWriter, r *http.Request, redirectURI, state, typ, description string) {
	v := url.Values{}
	v.Set("state", state)
	v.Set("error", typ)
	if description != "" {
		v.Set("error_description", description)
	}
	sep := "?"
	if strings.Contains(redirectURI, "?") {
		sep = "&"
	}
	http.Redirect(w, r, redirectURI+sep+v.Encode(), http.StatusSeeOther)
}

// displayedErr renders an error directly to the requester, for failures
// that occur before a safe redirect target is known (§4.8 step 1-2: bad
// client_id or redirect_uri must never bounce the user anywhere).
func displayedErr(w http.ResponseWriter, status int, description string) {
	http.Error(w, description, status)
}

// statusForKind maps an apierr.Kind to the HTTP status §7 prescribes.
func statusForKind(k apierr.Kind) int {
	switch k {
	case apierr.KindProtocol:
		return http.StatusBadRequest
	case apierr.KindAuthentication:
		return http.StatusUnauthorized
	case apierr.KindConsistency:
		return http.StatusBadRequest
	case apierr.KindCapacity:
		return http.StatusTooManyRequests
	case apierr.KindDependency:
		return http.StatusServiceUnavailable
	case apierr.KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// writeTokenErr classifies err (an apierr.Error if possible) and writes
// the appropriate JSON error body for a non-redirect endpoint
// (/token, /introspect, /revoke, /userinfo), per §7's response mapping.
func writeTokenErr(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		tokenErr(w, "server_error", "internal error", http.StatusInternalServerError)
		return
	}
	status := statusForKind(apiErr.Kind)
	if apiErr.Kind == apierr.KindCapacity && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", apiErr.RetryAfter))
	}
	tokenErr(w, apiErr.Code, apiErr.Description, status)
}
