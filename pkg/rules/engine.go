package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attunehq/pulse/pkg/contracts"
)

// RuleSource supplies the active rule set at evaluation time.
type RuleSource interface {
	ActiveRules() []contracts.TriggerRule
}

// Input is one evaluation trigger: a detected event, a score change, or
// both (an event evaluated with the current snapshot alongside).
type Input struct {
	SubjectID  string
	Event      *contracts.DetectedEvent       // nil for pure score changes
	Snapshot   *contracts.HealthScoreSnapshot // nil when no score exists yet
	ScoreDelta float64                        // composite delta vs prior snapshot
	Subject    map[string]any                 // subject attributes for conditions
}

// Engine evaluates trigger rules and emits action requests. It owns
// ActionRequest creation and TriggerFireRecord writes.
type Engine struct {
	source    RuleSource
	evaluator *ConditionEvaluator
	fires     FireRecordStore
	locks     *subjectLocks
	clock     func() time.Time
	logger    *slog.Logger
}

// NewEngine builds an engine over the given rule source and fire store.
func NewEngine(source RuleSource, evaluator *ConditionEvaluator, fires FireRecordStore) *Engine {
	return &Engine{
		source:    source,
		evaluator: evaluator,
		fires:     fires,
		locks:     newSubjectLocks(),
		clock:     time.Now,
		logger:    slog.Default().With("component", "rule-engine"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Evaluate runs all matching enabled rules against the input under the
// subject's lock and returns the resulting action requests. Rules that
// skip on condition, cooldown, or daily cap produce no requests and no
// error; that is expected throttling, not failure. Conflicting actions
// from independently matching rules are emitted independently.
func (e *Engine) Evaluate(ctx context.Context, input Input) ([]*contracts.ActionRequest, error) {
	if input.SubjectID == "" {
		return nil, fmt.Errorf("rules: evaluation input missing subject")
	}

	lock := e.locks.lock(input.SubjectID)
	defer lock.Unlock()

	now := e.clock().UTC()
	var requests []*contracts.ActionRequest

	for _, rule := range e.source.ActiveRules() {
		if !e.matches(&rule, input) {
			continue
		}

		ok, err := e.evaluator.Evaluate(rule.ConditionExpression, conditionInput(input))
		if err != nil {
			// A broken condition disables that rule for this pass only.
			e.logger.Error("condition evaluation failed",
				"rule", rule.ID, "subject", input.SubjectID, "error", err)
			continue
		}
		if !ok {
			e.logger.Debug("condition false", "rule", rule.ID, "subject", input.SubjectID)
			continue
		}

		last, fired, err := e.fires.LastFire(ctx, rule.ID, input.SubjectID)
		if err != nil {
			return requests, fmt.Errorf("rules: read last fire: %w", err)
		}
		if fired && now.Sub(last) < rule.Cooldown() {
			e.logger.Debug("cooldown active", "rule", rule.ID, "subject", input.SubjectID)
			continue
		}

		count, err := e.fires.CountOnDay(ctx, rule.ID, input.SubjectID, now)
		if err != nil {
			return requests, fmt.Errorf("rules: count fires: %w", err)
		}
		if count >= rule.MaxFiresPerDay {
			e.logger.Debug("daily cap reached", "rule", rule.ID, "subject", input.SubjectID)
			continue
		}

		if err := e.fires.RecordFire(ctx, contracts.TriggerFireRecord{
			RuleID:    rule.ID,
			SubjectID: input.SubjectID,
			FiredAt:   now,
		}); err != nil {
			return requests, fmt.Errorf("rules: record fire: %w", err)
		}

		for _, tmpl := range rule.Actions {
			requests = append(requests, &contracts.ActionRequest{
				ID:           uuid.New().String(),
				SubjectID:    input.SubjectID,
				ActionType:   tmpl.ActionType,
				Provider:     tmpl.Provider,
				Payload:      instantiatePayload(tmpl.Payload, input),
				Policy:       tmpl.Policy,
				OriginRuleID: rule.ID,
				CreatedAt:    now,
				Status:       contracts.StatusPending,
			})
		}
		e.logger.Info("rule fired",
			"rule", rule.ID, "subject", input.SubjectID, "actions", len(rule.Actions))
	}

	return requests, nil
}

func (e *Engine) matches(rule *contracts.TriggerRule, input Input) bool {
	if input.Event != nil {
		for _, et := range rule.Match.EventTypes {
			if et == input.Event.Type {
				if rule.Match.MinSeverity != "" && !input.Event.Severity.AtLeast(rule.Match.MinSeverity) {
					return false
				}
				return true
			}
		}
		return false
	}

	// Score-change evaluation.
	if !rule.Match.OnScoreChange || input.Snapshot == nil {
		return false
	}
	if rule.Match.MaxScore != nil && input.Snapshot.CompositeScore > *rule.Match.MaxScore {
		return false
	}
	if rule.Match.MinScoreDelta != nil && absf(input.ScoreDelta) < *rule.Match.MinScoreDelta {
		return false
	}
	return true
}

func conditionInput(input Input) ConditionInput {
	ci := ConditionInput{
		ScoreDelta: input.ScoreDelta,
		Subject:    input.Subject,
	}
	if input.Snapshot != nil {
		ci.Score = input.Snapshot.CompositeScore
		ci.Trend = string(input.Snapshot.Trend)
	}
	if input.Event != nil {
		ci.EventType = string(input.Event.Type)
		ci.Severity = string(input.Event.Severity)
	}
	return ci
}

// instantiatePayload merges template payload with evaluation context so
// dispatched actions carry the state that justified them.
func instantiatePayload(tmpl map[string]any, input Input) map[string]any {
	payload := make(map[string]any, len(tmpl)+3)
	for k, v := range tmpl {
		payload[k] = v
	}
	payload["subject_id"] = input.SubjectID
	if input.Snapshot != nil {
		payload["composite_score"] = input.Snapshot.CompositeScore
	}
	if input.Event != nil {
		payload["event_type"] = string(input.Event.Type)
		payload["event_severity"] = string(input.Event.Severity)
		payload["evidence_ref"] = input.Event.EvidenceRef
	}
	return payload
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
