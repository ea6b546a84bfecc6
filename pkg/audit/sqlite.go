package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink persists audit entries to SQLite for single-instance
// deployments.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink creates the sink and runs migrations.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSink) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_entries (
        id TEXT PRIMARY KEY,
        sequence INTEGER NOT NULL,
        timestamp TEXT NOT NULL,
        entity_type TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        event TEXT NOT NULL,
        detail JSON,
        previous_hash TEXT NOT NULL,
        entry_hash TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_entity ON audit_entries (entity_type, entity_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSink) Write(ctx context.Context, entry *Entry) error {
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, sequence, timestamp, entity_type, entity_id, event, detail, previous_hash, entry_hash)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Sequence, entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.EntityType, entry.EntityID, entry.Event, string(detailJSON),
		entry.PreviousHash, entry.EntryHash)
	return err
}
