package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"
)

func fixedScorers(usage, engagement, sentiment float64) Scorers {
	return Scorers{
		Usage:      func([]*contracts.Signal) float64 { return usage },
		Engagement: func([]*contracts.Signal) float64 { return engagement },
		Sentiment:  func([]*contracts.Signal) float64 { return sentiment },
	}
}

func windowOf(n int) []*contracts.Signal {
	signals := make([]*contracts.Signal, n)
	for i := range signals {
		signals[i] = &contracts.Signal{
			ID:         time.Now().Format(time.RFC3339Nano) + string(rune('a'+i)),
			SubjectID:  "S1",
			SourceType: contracts.SourceUsage,
			OccurredAt: time.Now(),
		}
	}
	return signals
}

func TestWeightsValidation(t *testing.T) {
	if err := (Weights{Usage: 0.4, Engagement: 0.3, Sentiment: 0.3}).Validate(); err != nil {
		t.Fatal(err)
	}
	// Within the 0.001 tolerance.
	if err := (Weights{Usage: 0.4004, Engagement: 0.3, Sentiment: 0.3}).Validate(); err != nil {
		t.Fatal(err)
	}

	err := (Weights{Usage: 0.5, Engagement: 0.3, Sentiment: 0.3}).Validate()
	if !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("expected ErrInvalidWeights, got %v", err)
	}

	if _, err := NewCalculator(Weights{Usage: 1.2}, fixedScorers(0, 0, 0), NewMemorySnapshotStore(), 1); !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("expected constructor to reject weights, got %v", err)
	}
}

func TestComputeScoreWeighting(t *testing.T) {
	store := NewMemorySnapshotStore()
	calc, err := NewCalculator(DefaultWeights(), fixedScorers(80, 60, 40), store, 1)
	if err != nil {
		t.Fatal(err)
	}

	snap, err := calc.ComputeScore(context.Background(), "S1", windowOf(3))
	if err != nil {
		t.Fatal(err)
	}
	// 80*0.4 + 60*0.3 + 40*0.3 = 62
	if snap.CompositeScore != 62 {
		t.Fatalf("expected composite 62, got %v", snap.CompositeScore)
	}
	if snap.Trend != contracts.TrendStable {
		t.Fatalf("first snapshot should be stable, got %s", snap.Trend)
	}

	latest, err := store.Latest(context.Background(), "S1")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.CompositeScore != 62 {
		t.Fatalf("snapshot not persisted: %+v", latest)
	}
}

func TestComputeScoreClamps(t *testing.T) {
	calc, err := NewCalculator(DefaultWeights(), fixedScorers(250, -40, 50), NewMemorySnapshotStore(), 1)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := calc.ComputeScore(context.Background(), "S1", windowOf(1))
	if err != nil {
		t.Fatal(err)
	}
	if snap.Components.Usage != 100 || snap.Components.Engagement != 0 {
		t.Fatalf("components not clamped: %+v", snap.Components)
	}
}

func TestTrendBoundaries(t *testing.T) {
	cases := []struct {
		name  string
		prior float64
		next  float64
		want  contracts.Trend
	}{
		{"exactly +3 is stable", 50, 53, contracts.TrendStable},
		{"just past +3 grows", 50, 53.5, contracts.TrendGrowing},
		{"exactly -3 is stable", 50, 47, contracts.TrendStable},
		{"just past -3 declines", 50, 46.5, contracts.TrendDeclining},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemorySnapshotStore()
			if err := store.Save(context.Background(), &contracts.HealthScoreSnapshot{
				SubjectID:      "S1",
				CompositeScore: tc.prior,
				Trend:          contracts.TrendStable,
			}); err != nil {
				t.Fatal(err)
			}
			// Route the whole composite through usage with weight 1.
			calc, err := NewCalculator(Weights{Usage: 1}, fixedScorers(tc.next, 0, 0), store, 1)
			if err != nil {
				t.Fatal(err)
			}
			snap, err := calc.ComputeScore(context.Background(), "S1", windowOf(1))
			if err != nil {
				t.Fatal(err)
			}
			if snap.Trend != tc.want {
				t.Fatalf("prior %v next %v: expected %s, got %s", tc.prior, tc.next, tc.want, snap.Trend)
			}
		})
	}
}

func TestInsufficientDataCarriesForward(t *testing.T) {
	store := NewMemorySnapshotStore()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Save(context.Background(), &contracts.HealthScoreSnapshot{
		SubjectID:      "S1",
		CompositeScore: 72,
		Trend:          contracts.TrendDeclining,
		ComputedAt:     now.Add(-24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	calc, err := NewCalculator(DefaultWeights(), fixedScorers(10, 10, 10), store, 3)
	if err != nil {
		t.Fatal(err)
	}
	calc.WithClock(func() time.Time { return now })

	snap, err := calc.ComputeScore(context.Background(), "S1", windowOf(2))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if snap == nil {
		t.Fatal("expected carried-forward snapshot")
	}
	if snap.CompositeScore != 72 {
		t.Fatalf("carried snapshot must keep prior score, got %v", snap.CompositeScore)
	}
	if snap.Trend != contracts.TrendStable {
		t.Fatalf("carried snapshot must be stable, got %s", snap.Trend)
	}
	if !snap.ComputedAt.Equal(now) {
		t.Fatalf("carried snapshot must be restamped, got %v", snap.ComputedAt)
	}
}

func TestInsufficientDataWithoutPrior(t *testing.T) {
	calc, err := NewCalculator(DefaultWeights(), fixedScorers(50, 50, 50), NewMemorySnapshotStore(), 3)
	if err != nil {
		t.Fatal(err)
	}
	snap, err := calc.ComputeScore(context.Background(), "S1", nil)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
	if snap != nil {
		t.Fatalf("expected no snapshot, got %+v", snap)
	}
}

func TestAverageFieldScorer(t *testing.T) {
	scorer := AverageFieldScorer("usage_score", 50)

	signals := []*contracts.Signal{
		{Payload: map[string]any{"usage_score": 90.0}},
		{Payload: map[string]any{"usage_score": 70}},
		{Payload: map[string]any{"unrelated": 1.0}},
	}
	if got := scorer(signals); got != 80 {
		t.Fatalf("expected average 80, got %v", got)
	}

	if got := scorer(nil); got != 50 {
		t.Fatalf("expected fallback 50 on empty window, got %v", got)
	}
}
