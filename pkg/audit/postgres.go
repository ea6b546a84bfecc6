package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	_ "github.com/lib/pq"
)

// PostgresSink persists audit entries to PostgreSQL for multi-instance
// production deployments.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink wraps an open Postgres connection. The audit_entries
// table is expected to exist (see Migrate).
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Migrate creates the audit_entries table if missing.
func (s *PostgresSink) Migrate(ctx context.Context) error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        id TEXT PRIMARY KEY,
        sequence BIGINT NOT NULL,
        timestamp TIMESTAMPTZ NOT NULL,
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        event TEXT NOT NULL,
        detail JSONB,
        previous_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    )`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresSink) Write(ctx context.Context, entry *Entry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, sequence, timestamp, entity_type, entity_id, event, detail, previous_hash, entry_hash)
         VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
         ON CONFLICT (id) DO NOTHING`,
		entry.ID, entry.Sequence, entry.Timestamp,
		entry.EntityType, entry.EntityID, entry.Event, string(detailJSON),
		entry.PreviousHash, entry.EntryHash)
	return err
}
