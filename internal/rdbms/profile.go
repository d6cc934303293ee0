package rdbms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Profile is a user's userinfo-endpoint claim set (OIDC core §5.1),
// trimmed to the claims this deployment tracks itself rather than the full
// standard claim set.
type Profile struct {
	UserID        string    `db:"user_id"`
	Name          string    `db:"name"`
	Email         string    `db:"email"`
	EmailVerified bool      `db:"email_verified"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// ProfileStore is the relational store of user profile claims, grounded on
// ClientRegistry's same thin-wrapper-over-sqlx shape.
type ProfileStore struct {
	db *sqlx.DB
}

// NewProfileStore wraps an already-open *sqlx.DB.
func NewProfileStore(db *sqlx.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

// GetByUserID retrieves one user's profile claims.
func (s *ProfileStore) GetByUserID(ctx context.Context, userID string) (Profile, error) {
	const query = `
		SELECT user_id, name, email, email_verified, updated_at
		FROM user_profiles
		WHERE user_id = $1`

	profile, err := withRetry(ctx, func() (Profile, error) {
		var p Profile
		getErr := s.db.GetContext(ctx, &p, query, userID)
		return p, getErr
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("rdbms: get profile %q: %w", userID, err)
	}
	return profile, nil
}

// Upsert creates or replaces a user's profile claims.
func (s *ProfileStore) Upsert(ctx context.Context, p Profile) error {
	const query = `
		INSERT INTO user_profiles (user_id, name, email, email_verified, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			name = excluded.name, email = excluded.email,
			email_verified = excluded.email_verified, updated_at = excluded.updated_at`

	now := time.Now()
	_, err := withRetry(ctx, func() (struct{}, error) {
		_, execErr := s.db.ExecContext(ctx, query, p.UserID, p.Name, p.Email, p.EmailVerified, now)
		return struct{}{}, execErr
	})
	if err != nil {
		return fmt.Errorf("rdbms: upsert profile %q: %w", p.UserID, err)
	}
	return nil
}
