package opserver

import (
	"context"
	"net/http"

	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/rdbms"
)

// clientCredentials extracts client_id/client_secret from either HTTP Basic
// auth or the request body, per RFC 6749 §2.3.1. Basic auth takes
// precedence, matching dex's clientIDAndSecret helper.
func clientCredentials(r *http.Request) (id, secret string) {
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		return basicID, basicSecret
	}
	return r.FormValue("client_id"), r.FormValue("client_secret")
}

// authenticateClient resolves and authenticates the calling client against
// the relational client registry. Public clients (no secret on file) only
// need to present a known client_id; confidential clients must present a
// matching secret (§4.9, RFC 6749 §3.2.1).
func (s *Server) authenticateClient(ctx context.Context, r *http.Request) (rdbms.Client, error) {
	id, secret := clientCredentials(r)
	if id == "" {
		return rdbms.Client{}, apierr.Protocol("invalid_request", "client_id is required")
	}
	client, err := s.deps.Clients.GetByID(ctx, id)
	if err != nil {
		if err == rdbms.ErrNotFound {
			return rdbms.Client{}, apierr.Authentication("invalid_client", "unknown client")
		}
		return rdbms.Client{}, apierr.Dependency("temporarily_unavailable", err)
	}
	if client.Public {
		return client, nil
	}
	if secret == "" || !client.VerifySecret(secret) {
		return rdbms.Client{}, apierr.Authentication("invalid_client", "client authentication failed")
	}
	return client, nil
}

// validRedirectURI reports whether uri is one of client's registered
// redirect URIs (RFC 6749 §3.1.2.2: exact string match, no partial/prefix
// matching).
func validRedirectURI(client rdbms.Client, uri string) bool {
	for _, r := range client.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}
