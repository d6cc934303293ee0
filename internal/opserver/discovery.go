package opserver

import (
	"encoding/json"
	"net/http"
)

func decodeJSONBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// discoveryDocument is the OIDC Discovery 1.0 metadata document, grounded
// on dex's discoveryHandler shape (server/server.go) extended with the
// PAR/device/CIBA/registration endpoints this implementation adds.
type discoveryDocument struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	IntrospectionEndpoint             string   `json:"introspection_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	EndSessionEndpoint                string   `json:"end_session_endpoint"`
	PushedAuthorizationRequestEndpoint string  `json:"pushed_authorization_request_endpoint"`
	DeviceAuthorizationEndpoint       string   `json:"device_authorization_endpoint"`
	BackchannelAuthenticationEndpoint string   `json:"backchannel_authentication_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	ScopesSupported                  []string `json:"scopes_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported    []string `json:"code_challenge_methods_supported"`
	ClaimsSupported                  []string `json:"claims_supported"`
	DPoPSigningAlgValuesSupported    []string `json:"dpop_signing_alg_values_supported"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := s.issuerURL.String()
	doc := discoveryDocument{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		UserinfoEndpoint:                  base + "/userinfo",
		JWKSURI:                           base + "/.well-known/jwks.json",
		IntrospectionEndpoint:             base + "/introspect",
		RevocationEndpoint:                base + "/revoke",
		EndSessionEndpoint:                base + "/logout",
		PushedAuthorizationRequestEndpoint: base + "/as/par",
		DeviceAuthorizationEndpoint:       base + "/device_authorization",
		BackchannelAuthenticationEndpoint: base + "/bc-authorize",
		RegistrationEndpoint:              base + "/register",
		ResponseTypesSupported:           []string{"code"},
		SubjectTypesSupported:            []string{"pairwise"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		ScopesSupported:                  []string{"openid", "profile", "email", "offline_access"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
		GrantTypesSupported: []string{
			"authorization_code", "refresh_token",
			"urn:ietf:params:oauth:grant-type:device_code",
			"urn:openid:params:grant-type:ciba",
		},
		CodeChallengeMethodsSupported: []string{"S256", "plain"},
		ClaimsSupported:               []string{"sub", "iss", "aud", "exp", "iat", "auth_time", "nonce", "acr", "amr"},
		DPoPSigningAlgValuesSupported: []string{"RS256", "ES256", "PS256"},
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := s.deps.Keys.GetJWKS(r.Context())
	if err != nil {
		writeTokenErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jwks)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
