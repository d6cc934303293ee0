package opserver_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/sgrastar/authrim/internal/actorstore"
	"github.com/sgrastar/authrim/internal/actorstore/memorydurable"
	"github.com/sgrastar/authrim/internal/authcode"
	"github.com/sgrastar/authrim/internal/challenge"
	"github.com/sgrastar/authrim/internal/keymanager"
	"github.com/sgrastar/authrim/internal/opserver"
	"github.com/sgrastar/authrim/internal/rdbms"
	"github.com/sgrastar/authrim/internal/refresh"
	"github.com/sgrastar/authrim/internal/session"
	"github.com/sgrastar/authrim/pkg/log"
)

// fakeClientStore is an in-memory opserver.ClientStore, standing in for
// *rdbms.ClientRegistry so this test never needs a live Postgres instance.
type fakeClientStore struct {
	mu      sync.Mutex
	clients map[string]rdbms.Client
}

func newFakeClientStore() *fakeClientStore {
	return &fakeClientStore{clients: make(map[string]rdbms.Client)}
}

func (f *fakeClientStore) GetByID(_ context.Context, id string) (rdbms.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return rdbms.Client{}, rdbms.ErrNotFound
	}
	return c, nil
}

func (f *fakeClientStore) Create(_ context.Context, c rdbms.Client) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[c.ID] = c
	return nil
}

var _ opserver.ClientStore = (*fakeClientStore)(nil)

// fakeProfileLookup is an in-memory opserver.ProfileLookup, standing in for
// *rdbms.ProfileStore.
type fakeProfileLookup struct {
	profiles map[string]rdbms.Profile
}

func (f *fakeProfileLookup) GetByUserID(_ context.Context, userID string) (rdbms.Profile, error) {
	p, ok := f.profiles[userID]
	if !ok {
		return rdbms.Profile{}, rdbms.ErrNotFound
	}
	return p, nil
}

var _ opserver.ProfileLookup = (*fakeProfileLookup)(nil)

// TestAuthorizationCodeFlowAgainstGoOIDCRelyingParty drives the full
// /authorize -> /token round trip through go-oidc acting as the relying
// party: discovery, authorization-code exchange via x/oauth2, and ID token
// verification against the live JWKS endpoint. This exercises the
// integration surface the per-actor package tests don't: the actual HTTP
// wiring between discovery, authorize, and token, and a real third-party
// OIDC client validating what this provider issues.
func TestAuthorizationCodeFlowAgainstGoOIDCRelyingParty(t *testing.T) {
	ctx := context.Background()
	logger := log.NewLogrusLogger(logrus.New())

	// httptest.NewUnstartedServer + Start first, so the issuer URL
	// (needed to build Deps) is known before the Server exists; the
	// handler is swapped in once opserver.New has it.
	ts := httptest.NewUnstartedServer(http.NotFoundHandler())
	ts.Start()
	defer ts.Close()

	keysActor := actorstore.New("test-keys", memorydurable.New(), logger, keymanager.NewState)
	keys := keymanager.New(keysActor, keymanager.Config{
		RotationInterval: 24 * time.Hour,
		RetentionPeriod:  24 * time.Hour,
	}, nil, logger)
	_, rotated, err := keys.Rotate(ctx, time.Now())
	require.NoError(t, err)
	require.True(t, rotated)

	sessionsActor := actorstore.New("test-sessions", memorydurable.New(), logger, session.NewState)
	sessions := session.New(sessionsActor, 0, nil)

	codesActor := actorstore.New("test-codes", memorydurable.New(), logger, authcode.NewState)
	codes := authcode.New(codesActor, nil, false)

	refreshActor := actorstore.New("test-refresh", memorydurable.New(), logger, refresh.NewState)
	rotator := refresh.New(refreshActor, nil, 0, 0)

	parActor := actorstore.New("test-par", memorydurable.New(), logger, challenge.NewState[opserver.PARRequest])
	par := challenge.New(parActor, "par", nil)

	consentActor := actorstore.New("test-consent", memorydurable.New(), logger, challenge.NewState[opserver.ConsentGrant])
	consent := challenge.New(consentActor, "consent", nil)

	dpopActor := actorstore.New("test-dpop", memorydurable.New(), logger, challenge.NewDPoPState)
	dpopJTIs := challenge.NewDPoPJTIStore(dpopActor, nil)

	revocationActor := actorstore.New("test-revocation", memorydurable.New(), logger, challenge.NewRevocationState)
	revoked := challenge.NewTokenRevocationStore(revocationActor, nil)

	clients := newFakeClientStore()
	profiles := &fakeProfileLookup{profiles: map[string]rdbms.Profile{
		"user-1": {UserID: "user-1", Name: "Ada Lovelace", Email: "ada@example.com", EmailVerified: true},
	}}

	srv, err := opserver.New(opserver.Deps{
		Logger:          logger,
		IssuerURL:       ts.URL,
		Keys:            keys,
		Sessions:        sessions,
		Codes:           codes,
		Refresh:         rotator,
		PAR:             par,
		Consent:         consent,
		DPoPJTIs:        dpopJTIs,
		Revoked:         revoked,
		Clients:         clients,
		Profiles:        profiles,
		AccessTokenTTL:  5 * time.Minute,
		RefreshTokenTTL: time.Hour,
		IDTokenTTL:      5 * time.Minute,
		PairwiseSalt:    []byte("test-pairwise-salt-value-32bytes"),
	})
	require.NoError(t, err)
	ts.Config.Handler = srv

	const redirectURI = "https://rp.example.com/callback"
	client := rdbms.Client{
		ID:                      "rp-client",
		Name:                    "Relying Party",
		RedirectURIs:            []string{redirectURI},
		GrantTypes:              []string{"authorization_code"},
		TokenEndpointAuthMethod: "client_secret_basic",
	}
	secretHash, err := rdbms.HashSecret("rp-secret")
	require.NoError(t, err)
	client.SecretHash = secretHash
	require.NoError(t, clients.Create(ctx, client))

	sess, err := sessions.Create(ctx, "user-1", time.Hour, session.Data{AuthTime: time.Now()})
	require.NoError(t, err)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	httpClient := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	rpCtx := oidc.ClientContext(ctx, httpClient)

	provider, err := oidc.NewProvider(rpCtx, ts.URL)
	require.NoError(t, err)

	oauth2Cfg := oauth2.Config{
		ClientID:     client.ID,
		ClientSecret: "rp-secret",
		Endpoint:     provider.Endpoint(),
		RedirectURL:  redirectURI,
		Scopes:       []string{"openid", "profile", "email"},
	}

	authorizeURL := oauth2Cfg.AuthCodeURL("state-abc123")
	req, err := http.NewRequest(http.MethodGet, authorizeURL, nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: "authrim_session", Value: sess.ID})

	resp, err := httpClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	loc, err := resp.Location()
	require.NoError(t, err)
	require.Equal(t, "state-abc123", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)

	token, err := oauth2Cfg.Exchange(rpCtx, code)
	require.NoError(t, err)
	require.NotEmpty(t, token.AccessToken)

	rawIDToken, ok := token.Extra("id_token").(string)
	require.True(t, ok, "token response must carry an id_token for the openid scope")

	verifier := provider.Verifier(&oidc.Config{ClientID: client.ID})
	idToken, err := verifier.Verify(rpCtx, rawIDToken)
	require.NoError(t, err)

	var claims struct {
		Subject string `json:"sub"`
	}
	require.NoError(t, idToken.Claims(&claims))
	require.NotEmpty(t, claims.Subject)

	wantAudience := []string{client.ID}
	if diff := cmp.Diff(wantAudience, idToken.Audience); diff != "" {
		t.Fatalf("id token audience mismatch (-want +got):\n%s", diff)
	}
}
