// Package opserver wires the provider's actors (internal/actorstore,
// internal/shard, internal/keymanager, internal/session, internal/authcode,
// internal/refresh, internal/challenge, internal/claims, internal/rdbms)
// into the HTTP surface of §6.1. Grounded structurally on dex's
// server/server.go router construction: a gorilla/mux router, a
// handlerWithHeaders wrapper applying common headers/CORS, and one
// handle/handleFunc registration per endpoint.
package opserver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/sgrastar/authrim/internal/authcode"
	"github.com/sgrastar/authrim/internal/challenge"
	"github.com/sgrastar/authrim/internal/ciba"
	"github.com/sgrastar/authrim/internal/claims"
	"github.com/sgrastar/authrim/internal/devicecode"
	"github.com/sgrastar/authrim/internal/keymanager"
	"github.com/sgrastar/authrim/internal/rdbms"
	"github.com/sgrastar/authrim/internal/refresh"
	"github.com/sgrastar/authrim/internal/session"
	"github.com/sgrastar/authrim/internal/shard"
	"github.com/sgrastar/authrim/pkg/log"
)

// PARRequest is the payload stashed by /as/par and consumed by /authorize
// (RFC 9126).
type PARRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               []string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ConsentGrant is the payload of a pending consent challenge (§4.8 step 6).
type ConsentGrant struct {
	UserID      string
	ClientID    string
	GrantedScope []string
}

// ClientStore is the subset of *rdbms.ClientRegistry the HTTP layer calls,
// narrowed to a package-local interface so a test can substitute an
// in-memory fake for the Postgres-backed registry without standing up a
// database. *rdbms.ClientRegistry satisfies this interface unchanged.
type ClientStore interface {
	GetByID(ctx context.Context, id string) (rdbms.Client, error)
	Create(ctx context.Context, c rdbms.Client) error
}

// ProfileLookup is the subset of *rdbms.ProfileStore the HTTP layer calls,
// narrowed the same way as ClientStore. *rdbms.ProfileStore satisfies this
// interface unchanged.
type ProfileLookup interface {
	GetByUserID(ctx context.Context, userID string) (rdbms.Profile, error)
}

// Deps bundles every actor/store the HTTP layer calls into, already
// resolved to the shard/tenant this process instance is responsible for.
// A real deployment resolves these per-request through the shard router;
// this struct holds the resolved singletons a given process owns.
type Deps struct {
	Logger log.Logger

	IssuerURL string

	Keys     *keymanager.Manager
	Sessions *session.Store
	Codes    *authcode.Store
	Refresh  *refresh.Rotator

	PAR      *challenge.SingleUseStore[PARRequest]
	Consent  *challenge.SingleUseStore[ConsentGrant]
	DPoPJTIs *challenge.DPoPJTIStore
	Revoked  *challenge.TokenRevocationStore
	RateLimiter *challenge.RateLimiterCounter

	DeviceCodes *devicecode.Store
	CIBA        *ciba.Store

	Clients  ClientStore
	Audit    *rdbms.AuditLog
	Profiles ProfileLookup

	Authorizer *claims.Authorizer

	ShardConfig *shard.CachedConfig

	// AccessTokenTTL/RefreshTokenTTL/IDTokenTTL mirror config.TokensConfig,
	// threaded through directly so opserver doesn't import internal/config
	// and create an import cycle risk. AllowPlainPKCE is not carried here;
	// it is passed to authcode.New instead.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	IDTokenTTL      time.Duration

	// PairwiseSalt seeds the per-tenant HKDF pairwise-subject derivation
	// (§4.9 step 3).
	PairwiseSalt []byte

	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Server is the HTTP entry point, analogous to dex's Server (server/server.go).
type Server struct {
	deps      Deps
	issuerURL *url.URL
	router    *mux.Router
}

// New builds a Server with every route registered, mirroring dex's
// NewServer route table (server/server.go) extended with PAR, device,
// CIBA, and dynamic registration.
func New(deps Deps) (*Server, error) {
	issuer, err := url.Parse(deps.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("opserver: parse issuer url: %w", err)
	}

	s := &Server{deps: deps, issuerURL: issuer}

	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	handle := func(p string, h http.HandlerFunc) {
		r.Handle(path.Join(issuer.Path, p), s.withCommonHeaders(p, h))
	}
	handleCORS := func(p string, h http.HandlerFunc) {
		cors := handlers.CORS(
			handlers.AllowedOrigins([]string{"*"}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type"}),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		)
		r.Handle(path.Join(issuer.Path, p), cors(s.withCommonHeaders(p, h)))
	}
	r.NotFoundHandler = http.NotFoundHandler()

	handleCORS("/.well-known/openid-configuration", s.handleDiscovery)
	handleCORS("/.well-known/jwks.json", s.handleJWKS)
	handle("/authorize", s.handleAuthorize)
	handle("/as/par", s.handlePAR)
	handleCORS("/token", s.handleToken)
	handleCORS("/introspect", s.handleIntrospect)
	handleCORS("/revoke", s.handleRevoke)
	handleCORS("/userinfo", s.handleUserInfo)
	handle("/logout", s.handleLogout)
	handle("/device_authorization", s.handleDeviceAuthorization)
	handle("/device", s.handleDeviceVerify)
	handle("/bc-authorize", s.handleBackchannelAuthorize)
	handle("/bc-authorize/resolve", s.handleCIBAResolve)
	handle("/register", s.handleRegister)
	handle("/healthz", s.handleHealthz)

	s.router = r
	return s, nil
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// withCommonHeaders mirrors dex's handlerWithHeaders: per-request context
// stamping plus a uniform no-store cache header on every OAuth2/OIDC
// response (RFC 6749 §5.1).
func (s *Server) withCommonHeaders(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Pragma", "no-cache")
		ctx := context.WithValue(r.Context(), requestNameKey{}, name)
		h(w, r.WithContext(ctx))
	}
}

type requestNameKey struct{}
