package rdbms

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// AuditEvent is one row of the append-only audit log (§7: theft detection,
// emergency key rotation, and cascade revocation are all required to leave
// a durable trail, since they represent security-relevant state changes).
type AuditEvent struct {
	ID        string    `db:"id"`
	Kind      string    `db:"kind"`
	Subject   string    `db:"subject"`
	ClientID  string    `db:"client_id"`
	Detail    string    `db:"detail"`
	CreatedAt time.Time `db:"created_at"`
}

// AuditLog is the relational append-only audit store.
type AuditLog struct {
	db *sqlx.DB
}

// NewAuditLog wraps an already-open *sqlx.DB.
func NewAuditLog(db *sqlx.DB) *AuditLog {
	return &AuditLog{db: db}
}

// Record appends one audit event. detail is marshaled to JSON so callers
// can pass any struct describing the event without the schema needing a
// column per event kind.
func (a *AuditLog) Record(ctx context.Context, kind, subject, clientID string, detail any) error {
	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("rdbms: marshal audit detail: %w", err)
	}

	const query = `
		INSERT INTO audit_events (id, kind, subject, client_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err = withRetry(ctx, func() (struct{}, error) {
		_, execErr := a.db.ExecContext(ctx, query,
			uuid.NewString(), kind, subject, clientID, string(detailJSON), time.Now())
		return struct{}{}, execErr
	})
	if err != nil {
		return fmt.Errorf("rdbms: record audit event %q: %w", kind, err)
	}
	return nil
}

// ListBySubject returns the audit trail for subject (typically a user id
// or family id), most recent first, bounded by limit.
func (a *AuditLog) ListBySubject(ctx context.Context, subject string, limit int) ([]AuditEvent, error) {
	const query = `
		SELECT id, kind, subject, client_id, detail, created_at
		FROM audit_events
		WHERE subject = $1
		ORDER BY created_at DESC
		LIMIT $2`

	events, err := withRetry(ctx, func() ([]AuditEvent, error) {
		var out []AuditEvent
		selErr := a.db.SelectContext(ctx, &out, query, subject, limit)
		return out, selErr
	})
	if err != nil {
		return nil, fmt.Errorf("rdbms: list audit events for %q: %w", subject, err)
	}
	return events, nil
}
