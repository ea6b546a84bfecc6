package health

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteSnapshotStore is a durable SnapshotStore backed by SQLite. One
// row per subject holds the latest snapshot.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore creates the store and runs migrations.
func NewSQLiteSnapshotStore(db *sql.DB) (*SQLiteSnapshotStore, error) {
	s := &SQLiteSnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSnapshotStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS health_snapshots (
        subject_id TEXT PRIMARY KEY,
        computed_at TEXT NOT NULL,
        composite REAL NOT NULL,
        usage REAL NOT NULL,
        engagement REAL NOT NULL,
        sentiment REAL NOT NULL,
        trend TEXT NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteSnapshotStore) Latest(ctx context.Context, subjectID string) (*contracts.HealthScoreSnapshot, error) {
	var (
		computedAt, trend                       string
		composite, usage, engagement, sentiment float64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT computed_at, composite, usage, engagement, sentiment, trend
         FROM health_snapshots WHERE subject_id = ?`, subjectID).
		Scan(&computedAt, &composite, &usage, &engagement, &sentiment, &trend)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	parsed, _ := time.Parse(time.RFC3339Nano, computedAt)
	return &contracts.HealthScoreSnapshot{
		SubjectID:      subjectID,
		ComputedAt:     parsed,
		CompositeScore: composite,
		Components: contracts.ScoreComponents{
			Usage:      usage,
			Engagement: engagement,
			Sentiment:  sentiment,
		},
		Trend: contracts.Trend(trend),
	}, nil
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap *contracts.HealthScoreSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO health_snapshots (subject_id, computed_at, composite, usage, engagement, sentiment, trend)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(subject_id) DO UPDATE SET
             computed_at = excluded.computed_at,
             composite = excluded.composite,
             usage = excluded.usage,
             engagement = excluded.engagement,
             sentiment = excluded.sentiment,
             trend = excluded.trend`,
		snap.SubjectID, snap.ComputedAt.UTC().Format(time.RFC3339Nano),
		snap.CompositeScore, snap.Components.Usage, snap.Components.Engagement,
		snap.Components.Sentiment, string(snap.Trend),
	)
	return err
}
