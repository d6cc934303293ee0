package rdbms

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migration is one forward-only schema step, applied in order and never
// edited once released, per dex's storage/sql migration table pattern
// (storage/sql/migrate.go).
type migration struct {
	stmt string
}

var migrations = []migration{
	{stmt: `
		create table oauth_clients (
			id text primary key,
			secret_hash text not null,
			name text not null,
			redirect_uris text not null,
			grant_types text not null,
			token_endpoint_auth_method text not null,
			is_public boolean not null default false,
			created_at timestamptz not null,
			updated_at timestamptz not null
		);
	`},
	{stmt: `
		create table audit_events (
			id text primary key,
			kind text not null,
			subject text not null,
			client_id text not null default '',
			detail jsonb not null,
			created_at timestamptz not null
		);
		create index audit_events_subject_idx on audit_events (subject, created_at desc);
	`},
	{stmt: `
		alter table oauth_clients add column backchannel_logout_uri text not null default '';
	`},
	{stmt: `
		create table user_profiles (
			user_id text primary key,
			name text not null default '',
			email text not null default '',
			email_verified boolean not null default false,
			updated_at timestamptz not null
		);
	`},
}

// Migrate applies every pending migration inside its own transaction,
// tracking progress in a migrations table the same way dex's sql backend
// does, so a crash mid-migration resumes rather than re-applying completed
// steps.
func Migrate(ctx context.Context, db *sqlx.DB) (int, error) {
	if _, err := db.ExecContext(ctx, `
		create table if not exists migrations (
			num integer not null,
			at timestamptz not null
		);
	`); err != nil {
		return 0, fmt.Errorf("rdbms: create migrations table: %w", err)
	}

	applied := 0
	for {
		done, err := applyNext(ctx, db, applied)
		if err != nil {
			return applied, err
		}
		if done {
			break
		}
		applied++
	}
	return applied, nil
}

func applyNext(ctx context.Context, db *sqlx.DB, alreadyApplied int) (done bool, err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("rdbms: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var num sql.NullInt64
	if err := tx.QueryRowContext(ctx, `select max(num) from migrations;`).Scan(&num); err != nil {
		return false, fmt.Errorf("rdbms: select max migration: %w", err)
	}
	n := 0
	if num.Valid {
		n = int(num.Int64)
	}
	if n >= len(migrations) {
		return true, nil
	}

	m := migrations[n]
	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return false, fmt.Errorf("rdbms: migration %d failed: %w", n+1, err)
	}
	if _, err := tx.ExecContext(ctx, `insert into migrations (num, at) values ($1, now());`, n+1); err != nil {
		return false, fmt.Errorf("rdbms: update migration table: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("rdbms: commit migration %d: %w", n+1, err)
	}
	return false, nil
}
