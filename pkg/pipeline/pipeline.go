// Package pipeline wires the automation core end to end: signal
// ingestion → detection → scoring → rule evaluation → approval →
// dispatch, with per-subject serialization and cross-subject
// parallelism.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/attunehq/pulse/pkg/approval"
	"github.com/attunehq/pulse/pkg/audit"
	"github.com/attunehq/pulse/pkg/breaker"
	"github.com/attunehq/pulse/pkg/contracts"
	"github.com/attunehq/pulse/pkg/detector"
	"github.com/attunehq/pulse/pkg/health"
	"github.com/attunehq/pulse/pkg/observability"
	"github.com/attunehq/pulse/pkg/rules"
	"github.com/attunehq/pulse/pkg/signalstore"
)

// Core orchestrates the pipeline stages. All stages share one audit log;
// failures local to one subject never block other subjects.
type Core struct {
	signals    signalstore.Store
	detect     *detector.Detector
	calculator *health.Calculator
	snapshots  health.SnapshotStore
	engine     *rules.Engine
	gate       *approval.Gate
	breakers   *breaker.Registry
	auditLog   *audit.Log
	metrics    *observability.Provider
	lookback   time.Duration
	clock      func() time.Time
	logger     *slog.Logger

	mu           sync.Mutex
	subjectLocks map[string]*sync.Mutex
	recentEvents map[string][]*contracts.DetectedEvent
}

// recentEventCap bounds the per-subject event history kept for the query
// surface.
const recentEventCap = 100

// Options collects the pipeline's collaborators.
type Options struct {
	Signals    signalstore.Store
	Detector   *detector.Detector
	Calculator *health.Calculator
	Snapshots  health.SnapshotStore
	Engine     *rules.Engine
	Gate       *approval.Gate
	Breakers   *breaker.Registry
	AuditLog   *audit.Log
	Metrics    *observability.Provider
	Lookback   time.Duration
}

// New assembles the core.
func New(opts Options) (*Core, error) {
	if opts.Signals == nil || opts.Detector == nil || opts.Calculator == nil ||
		opts.Engine == nil || opts.Gate == nil || opts.AuditLog == nil {
		return nil, errors.New("pipeline: missing collaborator")
	}
	lookback := opts.Lookback
	if lookback <= 0 {
		lookback = 30 * 24 * time.Hour
	}
	return &Core{
		signals:      opts.Signals,
		detect:       opts.Detector,
		calculator:   opts.Calculator,
		snapshots:    opts.Snapshots,
		engine:       opts.Engine,
		gate:         opts.Gate,
		breakers:     opts.Breakers,
		auditLog:     opts.AuditLog,
		metrics:      opts.Metrics,
		lookback:     lookback,
		clock:        time.Now,
		logger:       slog.Default().With("component", "pipeline"),
		subjectLocks: make(map[string]*sync.Mutex),
		recentEvents: make(map[string][]*contracts.DetectedEvent),
	}, nil
}

// WithClock overrides the clock for deterministic testing.
func (c *Core) WithClock(clock func() time.Time) *Core {
	c.clock = clock
	return c
}

// SubmitSignal is the ingestion boundary. The caller-supplied signalID
// makes submission idempotent under at-least-once delivery: a duplicate
// is a no-op to the caller, distinguishable only in the audit log.
func (c *Core) SubmitSignal(ctx context.Context, signalID, subjectID string, sourceType contracts.SourceType, payload map[string]any, occurredAt time.Time) error {
	sig := &contracts.Signal{
		ID:         signalID,
		SubjectID:  subjectID,
		SourceType: sourceType,
		OccurredAt: occurredAt,
		ReceivedAt: c.clock().UTC(),
		Payload:    payload,
	}
	if !sig.Valid() {
		return signalstore.ErrInvalidSignal
	}

	lock := c.subjectLock(subjectID)
	lock.Lock()
	defer lock.Unlock()

	if err := c.signals.Put(ctx, sig); err != nil {
		if errors.Is(err, signalstore.ErrDuplicateSignal) {
			c.auditLog.Record(ctx, "signal", sig.ID, "duplicate_ignored", nil)
			return nil
		}
		return fmt.Errorf("pipeline: store signal: %w", err)
	}
	c.auditLog.Record(ctx, "signal", sig.ID, "ingested", map[string]any{
		"subject_id": subjectID, "source_type": string(sourceType),
	})
	if c.metrics != nil {
		c.metrics.SignalIngested(ctx, string(sourceType))
	}

	c.process(ctx, sig)
	return nil
}

// process runs detection, scoring, and rule evaluation for one stored
// signal. Stage failures are isolated: they are audited and logged but
// never abort the remaining stages or other subjects.
func (c *Core) process(ctx context.Context, sig *contracts.Signal) {
	events, err := c.detect.Detect(ctx, sig)
	if err != nil {
		c.logger.Warn("detection failed", "signal_id", sig.ID, "error", err)
		c.auditLog.Record(ctx, "signal", sig.ID, "detection_failed", map[string]any{"error": err.Error()})
	}
	for _, ev := range events {
		c.rememberEvent(ev)
		c.auditLog.Record(ctx, "detected_event", ev.ID, "detected", map[string]any{
			"subject_id": ev.SubjectID, "type": string(ev.Type), "severity": string(ev.Severity),
		})
	}

	snapshot, delta := c.recomputeScore(ctx, sig)

	// Score drops feed back through detection as a synthetic signal so
	// the score_drop threshold rule sees them. The derived ID keeps the
	// feedback idempotent per originating signal.
	if snapshot != nil && delta < 0 {
		scoreSig := &contracts.Signal{
			ID:         sig.ID + ":score",
			SubjectID:  sig.SubjectID,
			SourceType: detector.SourceScoreChange,
			OccurredAt: snapshot.ComputedAt,
			Payload:    map[string]any{"score_drop": -delta},
		}
		dropEvents, err := c.detect.Detect(ctx, scoreSig)
		if err != nil {
			c.logger.Warn("score-change detection failed", "signal_id", scoreSig.ID, "error", err)
		}
		for _, ev := range dropEvents {
			c.rememberEvent(ev)
			c.auditLog.Record(ctx, "detected_event", ev.ID, "detected", map[string]any{
				"subject_id": ev.SubjectID, "type": string(ev.Type), "severity": string(ev.Severity),
			})
		}
		events = append(events, dropEvents...)
	}

	// Evaluate rules once per detected event, plus once for the score
	// change itself.
	for _, ev := range events {
		c.evaluate(ctx, rules.Input{
			SubjectID:  sig.SubjectID,
			Event:      ev,
			Snapshot:   snapshot,
			ScoreDelta: delta,
		})
	}
	if snapshot != nil {
		c.evaluate(ctx, rules.Input{
			SubjectID:  sig.SubjectID,
			Snapshot:   snapshot,
			ScoreDelta: delta,
		})
	}
}

// recomputeScore recalculates the subject's composite score from the
// lookback window. Returns the current snapshot (possibly carried
// forward) and the composite delta against the prior one.
func (c *Core) recomputeScore(ctx context.Context, sig *contracts.Signal) (*contracts.HealthScoreSnapshot, float64) {
	now := c.clock().UTC()
	window, err := c.signals.Window(ctx, sig.SubjectID, now.Add(-c.lookback), now.Add(time.Second))
	if err != nil {
		c.logger.Error("window query failed", "subject", sig.SubjectID, "error", err)
		return nil, 0
	}

	var prior *contracts.HealthScoreSnapshot
	if c.snapshots != nil {
		prior, _ = c.snapshots.Latest(ctx, sig.SubjectID)
	}

	snapshot, err := c.calculator.ComputeScore(ctx, sig.SubjectID, window)
	if err != nil {
		if errors.Is(err, health.ErrInsufficientData) {
			c.logger.Info("insufficient data for score", "subject", sig.SubjectID)
			c.auditLog.Record(ctx, "score", sig.SubjectID, "insufficient_data", nil)
			return snapshot, 0
		}
		c.logger.Error("score computation failed", "subject", sig.SubjectID, "error", err)
		return nil, 0
	}

	delta := 0.0
	if prior != nil {
		delta = snapshot.CompositeScore - prior.CompositeScore
	}
	c.auditLog.Record(ctx, "score", sig.SubjectID, "computed", map[string]any{
		"composite": snapshot.CompositeScore, "trend": string(snapshot.Trend), "delta": delta,
	})
	return snapshot, delta
}

func (c *Core) evaluate(ctx context.Context, input rules.Input) {
	requests, err := c.engine.Evaluate(ctx, input)
	if err != nil {
		c.logger.Error("rule evaluation failed", "subject", input.SubjectID, "error", err)
		return
	}
	for _, req := range requests {
		c.auditLog.Record(ctx, "rule", req.OriginRuleID, "fired", map[string]any{
			"subject_id": req.SubjectID, "request_id": req.ID,
		})
		if c.metrics != nil {
			c.metrics.RuleFired(ctx, req.OriginRuleID)
		}
		if _, err := c.gate.Submit(ctx, req); err != nil {
			c.logger.Error("gate submit failed", "request_id", req.ID, "error", err)
		}
	}
}

func (c *Core) subjectLock(subjectID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.subjectLocks[subjectID]
	if !ok {
		m = &sync.Mutex{}
		c.subjectLocks[subjectID] = m
	}
	return m
}

func (c *Core) rememberEvent(ev *contracts.DetectedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := append(c.recentEvents[ev.SubjectID], ev)
	if len(events) > recentEventCap {
		events = events[len(events)-recentEventCap:]
	}
	c.recentEvents[ev.SubjectID] = events
}

// Health returns the subject's current snapshot, or nil if none exists.
func (c *Core) Health(ctx context.Context, subjectID string) (*contracts.HealthScoreSnapshot, error) {
	if c.snapshots == nil {
		return nil, nil
	}
	return c.snapshots.Latest(ctx, subjectID)
}

// RecentEvents returns the subject's recent detected events, oldest
// first.
func (c *Core) RecentEvents(subjectID string) []*contracts.DetectedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.recentEvents[subjectID]
	out := make([]*contracts.DetectedEvent, len(events))
	copy(out, events)
	return out
}

// BreakerStates returns the state of every provider breaker.
func (c *Core) BreakerStates() []contracts.CircuitBreakerState {
	if c.breakers == nil {
		return nil
	}
	return c.breakers.Snapshots()
}

// AuditTail returns the most recent n audit entries.
func (c *Core) AuditTail(n int) []*audit.Entry {
	return c.auditLog.Tail(n)
}

// Gate exposes the approval surface (list pending, decide) to boundary
// handlers.
func (c *Core) Gate() *approval.Gate {
	return c.gate
}

// RunExpirationSweep loops the approval expiration sweep until ctx ends.
func (c *Core) RunExpirationSweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := c.gate.SweepExpired(ctx)
			if err != nil {
				c.logger.Error("expiration sweep failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				c.logger.Info("expired pending requests", "count", len(expired))
			}
		}
	}
}
