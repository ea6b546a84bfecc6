package contracts

import (
	"errors"
	"fmt"
	"time"
)

// MatchCriteria selects which events and score changes a rule applies to.
// Empty slices match nothing for that dimension; OnScoreChange extends the
// rule to composite-score recomputations regardless of detected events.
type MatchCriteria struct {
	EventTypes    []EventType `json:"event_types,omitempty" yaml:"event_types,omitempty"`
	MinSeverity   Severity    `json:"min_severity,omitempty" yaml:"min_severity,omitempty"`
	OnScoreChange bool        `json:"on_score_change,omitempty" yaml:"on_score_change,omitempty"`
	MaxScore      *float64    `json:"max_score,omitempty" yaml:"max_score,omitempty"`
	MinScoreDelta *float64    `json:"min_score_delta,omitempty" yaml:"min_score_delta,omitempty"`
}

// ActionTemplate describes one action a rule requests when it fires.
type ActionTemplate struct {
	ActionType string         `json:"action_type" yaml:"action_type"`
	Provider   string         `json:"provider" yaml:"provider"`
	Policy     ApprovalPolicy `json:"policy" yaml:"policy"`
	Payload    map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// TriggerRule is an operator-configured automation rule. Read-only to the
// engine at evaluation time.
type TriggerRule struct {
	ID                  string           `json:"id" yaml:"id"`
	Name                string           `json:"name" yaml:"name"`
	Priority            int              `json:"priority" yaml:"priority"` // higher evaluates first
	Enabled             bool             `json:"enabled" yaml:"enabled"`
	Match               MatchCriteria    `json:"match" yaml:"match"`
	ConditionExpression string           `json:"condition_expression,omitempty" yaml:"condition_expression,omitempty"` // CEL
	CooldownSeconds     int64            `json:"cooldown_seconds" yaml:"cooldown_seconds"`
	MaxFiresPerDay      int              `json:"max_fires_per_day" yaml:"max_fires_per_day"`
	Actions             []ActionTemplate `json:"actions" yaml:"actions"`
}

// Cooldown returns the rule cooldown as a duration.
func (r *TriggerRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// Rule validation errors, surfaced synchronously to the operator on write.
var (
	ErrRuleMissingID     = errors.New("trigger rule: missing id")
	ErrRuleBadCooldown   = errors.New("trigger rule: cooldown must be >= 0")
	ErrRuleBadDailyCap   = errors.New("trigger rule: max fires per day must be >= 1")
	ErrRuleNoActions     = errors.New("trigger rule: at least one action required")
	ErrRuleBadPolicy     = errors.New("trigger rule: unknown approval policy")
	ErrRuleEmptyCriteria = errors.New("trigger rule: match criteria select nothing")
)

// Validate enforces the configuration-write contract.
func (r *TriggerRule) Validate() error {
	if r.ID == "" {
		return ErrRuleMissingID
	}
	if r.CooldownSeconds < 0 {
		return fmt.Errorf("%w: rule %s has cooldown %d", ErrRuleBadCooldown, r.ID, r.CooldownSeconds)
	}
	if r.MaxFiresPerDay < 1 {
		return fmt.Errorf("%w: rule %s has cap %d", ErrRuleBadDailyCap, r.ID, r.MaxFiresPerDay)
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("%w: rule %s", ErrRuleNoActions, r.ID)
	}
	for _, a := range r.Actions {
		if !a.Policy.Known() {
			return fmt.Errorf("%w: rule %s action %s policy %q", ErrRuleBadPolicy, r.ID, a.ActionType, a.Policy)
		}
	}
	if len(r.Match.EventTypes) == 0 && !r.Match.OnScoreChange {
		return fmt.Errorf("%w: rule %s", ErrRuleEmptyCriteria, r.ID)
	}
	return nil
}

// TriggerFireRecord is the append-only record of one rule fire for one
// subject, the basis of cooldown and daily-cap enforcement.
type TriggerFireRecord struct {
	RuleID    string    `json:"rule_id"`
	SubjectID string    `json:"subject_id"`
	FiredAt   time.Time `json:"fired_at"`
}
