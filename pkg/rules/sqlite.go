package rules

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteFireRecordStore is a durable FireRecordStore backed by SQLite.
type SQLiteFireRecordStore struct {
	db *sql.DB
}

// NewSQLiteFireRecordStore creates the store and runs migrations.
func NewSQLiteFireRecordStore(db *sql.DB) (*SQLiteFireRecordStore, error) {
	s := &SQLiteFireRecordStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteFireRecordStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS trigger_fires (
        rule_id TEXT NOT NULL,
        subject_id TEXT NOT NULL,
        fired_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_fires_rule_subject ON trigger_fires (rule_id, subject_id, fired_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteFireRecordStore) RecordFire(ctx context.Context, rec contracts.TriggerFireRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_fires (rule_id, subject_id, fired_at) VALUES (?, ?, ?)`,
		rec.RuleID, rec.SubjectID, rec.FiredAt.UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteFireRecordStore) LastFire(ctx context.Context, ruleID, subjectID string) (time.Time, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fired_at FROM trigger_fires WHERE rule_id = ? AND subject_id = ? ORDER BY fired_at DESC LIMIT 1`,
		ruleID, subjectID)
	var fired string
	if err := row.Scan(&fired); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, fired)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

func (s *SQLiteFireRecordStore) CountOnDay(ctx context.Context, ruleID, subjectID string, t time.Time) (int, error) {
	day := t.UTC().Truncate(24 * time.Hour)
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trigger_fires WHERE rule_id = ? AND subject_id = ? AND fired_at >= ? AND fired_at < ?`,
		ruleID, subjectID,
		day.Format(time.RFC3339Nano),
		day.Add(24*time.Hour).Format(time.RFC3339Nano))
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
