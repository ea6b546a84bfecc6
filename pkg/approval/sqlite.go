package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteRequestStore is a durable RequestStore backed by SQLite, so
// pending approvals survive a restart. The full request is stored as
// JSON; id, subject and status are indexed columns for the query paths.
type SQLiteRequestStore struct {
	db *sql.DB
}

// NewSQLiteRequestStore creates the store and runs migrations.
func NewSQLiteRequestStore(db *sql.DB) (*SQLiteRequestStore, error) {
	s := &SQLiteRequestStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteRequestStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS action_requests (
        id TEXT PRIMARY KEY,
        subject_id TEXT NOT NULL,
        status TEXT NOT NULL,
        created_at TEXT NOT NULL,
        body JSON NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_action_requests_status ON action_requests (status, subject_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteRequestStore) Create(ctx context.Context, req *contracts.ActionRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("approval: encode request: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO action_requests (id, subject_id, status, created_at, body)
         VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.SubjectID, string(req.Status),
		req.CreatedAt.UTC().Format(time.RFC3339Nano), string(body),
	)
	return err
}

func (s *SQLiteRequestStore) Get(ctx context.Context, id string) (*contracts.ActionRequest, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM action_requests WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeRequest(body)
}

func (s *SQLiteRequestStore) ListByStatus(ctx context.Context, status contracts.RequestStatus, subjectFilter string) ([]*contracts.ActionRequest, error) {
	query := `SELECT body FROM action_requests WHERE status = ?`
	args := []any{string(status)}
	if subjectFilter != "" {
		query += ` AND subject_id = ?`
		args = append(args, subjectFilter)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ActionRequest
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		req, err := decodeRequest(body)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *SQLiteRequestStore) Transition(ctx context.Context, id string, from, to contracts.RequestStatus, mutate func(*contracts.ActionRequest)) (*contracts.ActionRequest, bool, error) {
	req, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if req.Status != from {
		return req, false, nil
	}

	req.Status = to
	if mutate != nil {
		mutate(req)
	}
	updated, err := json.Marshal(req)
	if err != nil {
		return nil, false, fmt.Errorf("approval: encode request: %w", err)
	}

	// The status predicate makes the write conditional: of several
	// concurrent writers only the first matches the row.
	res, err := s.db.ExecContext(ctx,
		`UPDATE action_requests SET status = ?, body = ? WHERE id = ? AND status = ?`,
		string(req.Status), string(updated), id, string(from),
	)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		// Lost the race; report the winner's state.
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	return req, true, nil
}

func decodeRequest(body string) (*contracts.ActionRequest, error) {
	var req contracts.ActionRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, fmt.Errorf("approval: decode request: %w", err)
	}
	return &req, nil
}
