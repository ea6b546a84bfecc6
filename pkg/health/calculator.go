// Package health derives composite 0–100 health scores and trends from a
// subject's recent signals.
package health

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"
)

var (
	// ErrInsufficientData means fewer signals exist in the lookback window
	// than the configured minimum; the prior snapshot carries forward.
	ErrInsufficientData = errors.New("insufficient data for score computation")
	// ErrInvalidWeights means the configured component weights do not sum
	// to 1.0 within tolerance.
	ErrInvalidWeights = errors.New("component weights must sum to 1.0")
)

// weightTolerance is the allowed deviation of the weight sum from 1.0.
const weightTolerance = 0.001

// trendDelta is the composite-score delta beyond which the trend leaves
// "stable".
const trendDelta = 3.0

// Weights configures the contribution of each component sub-score.
type Weights struct {
	Usage      float64 `yaml:"usage" json:"usage"`
	Engagement float64 `yaml:"engagement" json:"engagement"`
	Sentiment  float64 `yaml:"sentiment" json:"sentiment"`
}

// Validate checks the sum-to-one invariant.
func (w Weights) Validate() error {
	sum := w.Usage + w.Engagement + w.Sentiment
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: got %.4f", ErrInvalidWeights, sum)
	}
	return nil
}

// DefaultWeights weighs usage heaviest, matching the default scoring
// profile.
func DefaultWeights() Weights {
	return Weights{Usage: 0.4, Engagement: 0.3, Sentiment: 0.3}
}

// Scorer computes one component sub-score (0–100) from a window of
// signals. Implementations are supplied by collaborators.
type Scorer func(signals []*contracts.Signal) float64

// Scorers bundles the three component scoring functions.
type Scorers struct {
	Usage      Scorer
	Engagement Scorer
	Sentiment  Scorer
}

// SnapshotStore keeps the latest snapshot per subject.
type SnapshotStore interface {
	Latest(ctx context.Context, subjectID string) (*contracts.HealthScoreSnapshot, error)
	Save(ctx context.Context, snap *contracts.HealthScoreSnapshot) error
}

// Calculator computes composite health scores.
type Calculator struct {
	weights    Weights
	scorers    Scorers
	store      SnapshotStore
	minSignals int
	clock      func() time.Time
}

// NewCalculator validates the weights and builds a calculator.
// minSignals is the minimum window size below which computation reports
// ErrInsufficientData.
func NewCalculator(weights Weights, scorers Scorers, store SnapshotStore, minSignals int) (*Calculator, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if minSignals < 1 {
		minSignals = 1
	}
	return &Calculator{
		weights:    weights,
		scorers:    scorers,
		store:      store,
		minSignals: minSignals,
		clock:      time.Now,
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Calculator) WithClock(clock func() time.Time) *Calculator {
	c.clock = clock
	return c
}

// ComputeScore derives a new snapshot from the subject's window signals
// and persists it. On ErrInsufficientData the prior snapshot is re-saved
// with trend stable so consumers always see a current record.
func (c *Calculator) ComputeScore(ctx context.Context, subjectID string, windowSignals []*contracts.Signal) (*contracts.HealthScoreSnapshot, error) {
	prior, err := c.store.Latest(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("load prior snapshot: %w", err)
	}

	if len(windowSignals) < c.minSignals {
		if prior != nil {
			carried := *prior
			carried.Trend = contracts.TrendStable
			carried.ComputedAt = c.clock().UTC()
			if err := c.store.Save(ctx, &carried); err != nil {
				return nil, fmt.Errorf("carry forward snapshot: %w", err)
			}
			return &carried, ErrInsufficientData
		}
		return nil, ErrInsufficientData
	}

	components := contracts.ScoreComponents{
		Usage:      clampScore(c.scorers.Usage(windowSignals)),
		Engagement: clampScore(c.scorers.Engagement(windowSignals)),
		Sentiment:  clampScore(c.scorers.Sentiment(windowSignals)),
	}
	composite := components.Usage*c.weights.Usage +
		components.Engagement*c.weights.Engagement +
		components.Sentiment*c.weights.Sentiment

	snap := &contracts.HealthScoreSnapshot{
		SubjectID:      subjectID,
		ComputedAt:     c.clock().UTC(),
		CompositeScore: clampScore(composite),
		Components:     components,
		Trend:          trendFrom(prior, composite),
	}

	if err := c.store.Save(ctx, snap); err != nil {
		return nil, fmt.Errorf("persist snapshot: %w", err)
	}
	return snap, nil
}

func trendFrom(prior *contracts.HealthScoreSnapshot, composite float64) contracts.Trend {
	if prior == nil {
		return contracts.TrendStable
	}
	delta := composite - prior.CompositeScore
	switch {
	case delta > trendDelta:
		return contracts.TrendGrowing
	case delta < -trendDelta:
		return contracts.TrendDeclining
	default:
		return contracts.TrendStable
	}
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// MemorySnapshotStore is an in-memory SnapshotStore.
type MemorySnapshotStore struct {
	mu     sync.RWMutex
	latest map[string]*contracts.HealthScoreSnapshot
}

// NewMemorySnapshotStore creates an empty snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{latest: make(map[string]*contracts.HealthScoreSnapshot)}
}

func (s *MemorySnapshotStore) Latest(_ context.Context, subjectID string) (*contracts.HealthScoreSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest[subjectID], nil
}

func (s *MemorySnapshotStore) Save(_ context.Context, snap *contracts.HealthScoreSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *snap
	s.latest[snap.SubjectID] = &stored
	return nil
}
