package signalstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS signals (
        id TEXT PRIMARY KEY,
        subject_id TEXT NOT NULL,
        source_type TEXT NOT NULL,
        occurred_at TEXT NOT NULL,
        received_at TEXT NOT NULL,
        payload JSON
    );
    CREATE INDEX IF NOT EXISTS idx_signals_subject_time ON signals (subject_id, occurred_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, sig *contracts.Signal) error {
	if sig == nil || !sig.Valid() {
		return ErrInvalidSignal
	}

	received := sig.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(sig.Payload)
	if err != nil {
		return ErrInvalidSignal
	}

	// INSERT OR IGNORE keeps the first write; a zero rowcount means the
	// signal ID was already present.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO signals (id, subject_id, source_type, occurred_at, received_at, payload)
         VALUES (?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.SubjectID, string(sig.SourceType),
		sig.OccurredAt.UTC().Format(time.RFC3339Nano),
		received.UTC().Format(time.RFC3339Nano),
		string(payloadJSON),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicateSignal
	}
	return nil
}

func (s *SQLiteStore) Window(ctx context.Context, subjectID string, from, to time.Time) ([]*contracts.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, source_type, occurred_at, received_at, payload
         FROM signals
         WHERE subject_id = ? AND occurred_at >= ? AND occurred_at < ?
         ORDER BY occurred_at ASC`,
		subjectID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.Signal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, subject_id, source_type, occurred_at, received_at, payload
         FROM signals WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanSignal(rows)
}

func scanSignal(rows *sql.Rows) (*contracts.Signal, error) {
	var (
		id, subjectID, sourceType string
		occurredAt, receivedAt    string
		payloadJSON               sql.NullString
	)
	if err := rows.Scan(&id, &subjectID, &sourceType, &occurredAt, &receivedAt, &payloadJSON); err != nil {
		return nil, err
	}

	var payload map[string]any
	if payloadJSON.Valid && payloadJSON.String != "" {
		_ = json.Unmarshal([]byte(payloadJSON.String), &payload)
	}

	return &contracts.Signal{
		ID:         id,
		SubjectID:  subjectID,
		SourceType: contracts.SourceType(sourceType),
		OccurredAt: parseTime(occurredAt),
		ReceivedAt: parseTime(receivedAt),
		Payload:    payload,
	}, nil
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
