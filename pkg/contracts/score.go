package contracts

import "time"

// Trend describes the direction of a subject's composite score relative
// to the prior snapshot.
type Trend string

const (
	TrendGrowing   Trend = "growing"
	TrendStable    Trend = "stable"
	TrendDeclining Trend = "declining"
)

// ScoreComponents holds the three sub-scores feeding the composite.
// Each is on the same 0–100 scale as the composite.
type ScoreComponents struct {
	Usage      float64 `json:"usage"`
	Engagement float64 `json:"engagement"`
	Sentiment  float64 `json:"sentiment"`
}

// HealthScoreSnapshot is one computed health score for a subject.
// Snapshots are superseded, never edited in place.
type HealthScoreSnapshot struct {
	SubjectID      string          `json:"subject_id"`
	ComputedAt     time.Time       `json:"computed_at"`
	CompositeScore float64         `json:"composite_score"` // 0–100
	Components     ScoreComponents `json:"components"`
	Trend          Trend           `json:"trend"`
}
