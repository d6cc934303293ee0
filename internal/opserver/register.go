package opserver

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/google/uuid"

	"github.com/sgrastar/authrim/internal/apierr"
	"github.com/sgrastar/authrim/internal/rdbms"
)

type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	BackchannelLogoutURI    string   `json:"backchannel_logout_uri,omitempty"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	GrantTypes              []string `json:"grant_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// handleRegister implements RFC 7591 §3: dynamic client registration. The
// issued client_secret is returned exactly once, in this response; only
// its bcrypt hash is retained afterward.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req registrationRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeTokenErr(w, apierr.Protocol("invalid_client_metadata", "malformed registration request"))
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeTokenErr(w, apierr.Protocol("invalid_redirect_uri", "at least one redirect_uri is required"))
		return
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	isPublic := authMethod == "none"

	clientID := "authrim_" + uuid.NewString()
	var plainSecret, secretHash string
	if !isPublic {
		var err error
		plainSecret, err = randomClientSecret()
		if err != nil {
			writeTokenErr(w, apierr.Fatal("failed to generate client secret", err))
			return
		}
		secretHash, err = rdbms.HashSecret(plainSecret)
		if err != nil {
			writeTokenErr(w, apierr.Fatal("failed to hash client secret", err))
			return
		}
	}

	client := rdbms.Client{
		ID:                      clientID,
		SecretHash:              secretHash,
		Name:                    req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
		Public:                  isPublic,
		BackchannelLogoutURI:    req.BackchannelLogoutURI,
	}
	if err := s.deps.Clients.Create(ctx, client); err != nil {
		writeTokenErr(w, apierr.Dependency("temporarily_unavailable", err))
		return
	}

	writeJSON(w, http.StatusCreated, registrationResponse{
		ClientID:                clientID,
		ClientSecret:            plainSecret,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		TokenEndpointAuthMethod: authMethod,
	})
}

func randomClientSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
