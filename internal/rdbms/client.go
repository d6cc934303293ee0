// Package rdbms is the relational store backing the parts of the system
// that are naturally row-shaped rather than actor-shaped: the registered
// client catalogue and the audit log. Grounded on
// suleymanmyradov-growth-server's repository layer (backend/services/
// gateway/internal/repository/user_repository.go): a thin struct wrapping
// *sqlx.DB, one exported method per query, $N placeholders for Postgres.
package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/cenkalti/backoff/v5"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("rdbms: not found")

// Client is a registered OAuth2/OIDC client (§3.1, RFC 7591 registration).
type Client struct {
	ID                      string    `db:"id"`
	SecretHash              string    `db:"secret_hash"`
	Name                    string    `db:"name"`
	RedirectURIs            []string  `db:"-"`
	RedirectURIsRaw         string    `db:"redirect_uris"`
	GrantTypes              []string  `db:"-"`
	GrantTypesRaw           string    `db:"grant_types"`
	TokenEndpointAuthMethod string    `db:"token_endpoint_auth_method"`
	Public                  bool      `db:"is_public"`
	BackchannelLogoutURI    string    `db:"backchannel_logout_uri"`
	CreatedAt               time.Time `db:"created_at"`
	UpdatedAt               time.Time `db:"updated_at"`
}

// ClientRegistry is the relational store of registered clients.
type ClientRegistry struct {
	db *sqlx.DB
}

// NewClientRegistry wraps an already-open *sqlx.DB. Callers construct the
// DB with sqlx.Connect("postgres", dsn) per §6.5's DATABASE_URL.
func NewClientRegistry(db *sqlx.DB) *ClientRegistry {
	return &ClientRegistry{db: db}
}

// Create inserts a new client row, per RFC 7591 dynamic registration.
func (r *ClientRegistry) Create(ctx context.Context, c Client) error {
	c.FlattenCSV()
	const query = `
		INSERT INTO oauth_clients
			(id, secret_hash, name, redirect_uris, grant_types, token_endpoint_auth_method, is_public, backchannel_logout_uri, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	now := time.Now()
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, execErr := r.db.ExecContext(ctx, query,
			c.ID, c.SecretHash, c.Name, c.RedirectURIsRaw, c.GrantTypesRaw,
			c.TokenEndpointAuthMethod, c.Public, c.BackchannelLogoutURI, now, now)
		return struct{}{}, execErr
	})
	if err != nil {
		return fmt.Errorf("rdbms: create client %q: %w", c.ID, err)
	}
	return nil
}

// joinCSV/splitCSV move a []string between its row-storage form (comma
// joined, db:"-" tagged field never round-trips through sqlx directly) and
// its Go-facing slice form. Redirect URIs and grant types are small, fixed
// lists per client, so a comma-joined column is simpler than a join table.
func joinCSV(values []string) string { return strings.Join(values, ",") }

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// HydrateCSV populates RedirectURIs/GrantTypes from their raw row columns,
// for callers that loaded a Client directly via sqlx (GetByID already does
// this before returning).
func (c *Client) HydrateCSV() {
	c.RedirectURIs = splitCSV(c.RedirectURIsRaw)
	c.GrantTypes = splitCSV(c.GrantTypesRaw)
}

// FlattenCSV serializes RedirectURIs/GrantTypes into their raw row columns
// before a Create/Update call.
func (c *Client) FlattenCSV() {
	c.RedirectURIsRaw = joinCSV(c.RedirectURIs)
	c.GrantTypesRaw = joinCSV(c.GrantTypes)
}

// VerifySecret reports whether plaintext matches the client's stored bcrypt
// hash (RFC 6749 §2.3.1 confidential client authentication).
func (c *Client) VerifySecret(plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(plaintext)) == nil
}

// HashSecret bcrypt-hashes a new client secret at registration/rotation time.
func HashSecret(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("rdbms: hash client secret: %w", err)
	}
	return string(hash), nil
}

// GetByID retrieves a client by its client_id.
func (r *ClientRegistry) GetByID(ctx context.Context, id string) (Client, error) {
	const query = `
		SELECT id, secret_hash, name, redirect_uris, grant_types,
		       token_endpoint_auth_method, is_public, backchannel_logout_uri, created_at, updated_at
		FROM oauth_clients
		WHERE id = $1`

	client, err := withRetry(ctx, func() (Client, error) {
		var c Client
		getErr := r.db.GetContext(ctx, &c, query, id)
		return c, getErr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Client{}, ErrNotFound
		}
		return Client{}, fmt.Errorf("rdbms: get client %q: %w", id, err)
	}
	client.HydrateCSV()
	return client, nil
}

// UpdateSecretHash rotates a client's hashed secret in place.
func (r *ClientRegistry) UpdateSecretHash(ctx context.Context, id, secretHash string) error {
	const query = `UPDATE oauth_clients SET secret_hash = $2, updated_at = $3 WHERE id = $1`
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, execErr := r.db.ExecContext(ctx, query, id, secretHash, time.Now())
		return struct{}{}, execErr
	})
	if err != nil {
		return fmt.Errorf("rdbms: update secret for client %q: %w", id, err)
	}
	return nil
}

// Delete removes a client registration outright.
func (r *ClientRegistry) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM oauth_clients WHERE id = $1`
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, execErr := r.db.ExecContext(ctx, query, id)
		return struct{}{}, execErr
	})
	if err != nil {
		return fmt.Errorf("rdbms: delete client %q: %w", id, err)
	}
	return nil
}

// withRetry wraps a single rdbms round trip with cenkalti/backoff/v5's
// exponential backoff, per §7's dependency-error retry rule: transient
// connection failures are retried locally a bounded number of times before
// bubbling up as apierr.Dependency.
func withRetry[T any](ctx context.Context, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}
