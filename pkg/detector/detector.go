// Package detector classifies inbound signals into typed risk and
// expansion events via declarative threshold rules.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attunehq/pulse/pkg/contracts"
)

// ErrMalformedPayload marks a signal whose payload cannot be interpreted
// by a matching rule. The failure is isolated to that signal.
var ErrMalformedPayload = errors.New("malformed signal payload")

// ThresholdRule declares one detection: when a numeric payload field of a
// signal from Source crosses Threshold, emit an event of the given type.
type ThresholdRule struct {
	ID         string               `yaml:"id" json:"id"`
	Event      contracts.EventType  `yaml:"event" json:"event"`
	Source     contracts.SourceType `yaml:"source" json:"source"`
	Field      string               `yaml:"field" json:"field"`
	Threshold  float64              `yaml:"threshold" json:"threshold"`
	Below      bool                 `yaml:"below,omitempty" json:"below,omitempty"` // fire when value <= threshold instead of >=
	Severity   contracts.Severity   `yaml:"severity" json:"severity"`
	CriticalAt *float64             `yaml:"critical_at,omitempty" json:"critical_at,omitempty"` // escalate to critical past this value
}

// DefaultRules returns the standard detection set.
func DefaultRules() []ThresholdRule {
	critDrop := 20.0
	return []ThresholdRule{
		{ID: "score-drop", Event: contracts.EventScoreDrop, Source: SourceScoreChange, Field: "score_drop", Threshold: 10, Severity: contracts.SeverityHigh, CriticalAt: &critDrop},
		{ID: "inactivity", Event: contracts.EventInactivity, Source: contracts.SourceUsage, Field: "days_inactive", Threshold: 14, Severity: contracts.SeverityMedium},
		{ID: "usage-anomaly", Event: contracts.EventUsageAnomaly, Source: contracts.SourceUsage, Field: "anomaly_zscore", Threshold: 3, Severity: contracts.SeverityMedium},
		{ID: "nps-detractor", Event: contracts.EventNPSDetractor, Source: contracts.SourceSentiment, Field: "nps", Threshold: 6, Below: true, Severity: contracts.SeverityHigh},
		{ID: "ticket-escalated", Event: contracts.EventTicketEscalated, Source: contracts.SourceTicket, Field: "priority_level", Threshold: 3, Severity: contracts.SeverityHigh},
		{ID: "renewal-approaching", Event: contracts.EventRenewalApproach, Source: contracts.SourceBilling, Field: "days_to_renewal", Threshold: 60, Below: true, Severity: contracts.SeverityMedium},
		{ID: "champion-departure", Event: contracts.EventChampionDeparture, Source: contracts.SourceCRM, Field: "champion_departed", Threshold: 1, Severity: contracts.SeverityCritical},
	}
}

// SourceScoreChange is the synthetic source type the pipeline uses for
// score-recomputation signals fed back into detection.
const SourceScoreChange contracts.SourceType = "score_change"

// seenLimit bounds one generation of the dedupe map. Two generations are
// kept, so a signal ID is remembered for at least seenLimit subsequent
// distinct signals.
const seenLimit = 1 << 16

// Detector evaluates threshold rules against signals. Detection is
// deterministic and idempotent: a signal ID never yields events twice
// within the dedupe window.
type Detector struct {
	mu       sync.Mutex
	rules    []ThresholdRule
	seen     map[string]struct{}
	seenPrev map[string]struct{}
	clock    func() time.Time
	logger   *slog.Logger
}

// New creates a detector over the given rule set.
func New(rules []ThresholdRule) *Detector {
	return &Detector{
		rules:  rules,
		seen:   make(map[string]struct{}),
		clock:  time.Now,
		logger: slog.Default().With("component", "detector"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (d *Detector) WithClock(clock func() time.Time) *Detector {
	d.clock = clock
	return d
}

// Detect classifies one signal, returning zero or more events. A signal
// already processed (by ID) yields nothing. Unmapped source types yield
// nothing; that is not an error. A malformed payload returns
// ErrMalformedPayload without affecting other signals, and without
// consuming the signal ID: only a fully evaluated pass is committed to
// the dedupe set.
func (d *Detector) Detect(_ context.Context, sig *contracts.Signal) ([]*contracts.DetectedEvent, error) {
	if sig == nil || sig.ID == "" {
		return nil, ErrMalformedPayload
	}
	if d.isSeen(sig.ID) {
		return nil, nil
	}

	var events []*contracts.DetectedEvent
	now := d.clock().UTC()
	for _, rule := range d.rules {
		if rule.Source != sig.SourceType {
			continue
		}
		raw, present := sig.Payload[rule.Field]
		if !present {
			continue
		}
		value, ok := asFloat(raw)
		if !ok {
			d.logger.Warn("unreadable payload field",
				"signal_id", sig.ID, "rule", rule.ID, "field", rule.Field)
			return nil, fmt.Errorf("%w: signal %s field %s", ErrMalformedPayload, sig.ID, rule.Field)
		}

		crossed := value >= rule.Threshold
		if rule.Below {
			crossed = value <= rule.Threshold
		}
		if !crossed {
			continue
		}

		severity := rule.Severity
		if rule.CriticalAt != nil && !rule.Below && value > *rule.CriticalAt {
			severity = contracts.SeverityCritical
		}

		events = append(events, &contracts.DetectedEvent{
			ID:          uuid.New().String(),
			SubjectID:   sig.SubjectID,
			Type:        rule.Event,
			Severity:    severity,
			EvidenceRef: sig.ID,
			DetectedAt:  now,
		})
	}

	if !d.markSeen(sig.ID) {
		// A concurrent pass for the same ID committed first; its events
		// stand and this pass emits nothing.
		return nil, nil
	}
	return events, nil
}

func (d *Detector) isSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[id]; dup {
		return true
	}
	_, dup := d.seenPrev[id]
	return dup
}

// markSeen commits the ID to the dedupe set, reporting false when it was
// already present. Generations rotate at seenLimit so the set stays
// bounded over the process lifetime.
func (d *Detector) markSeen(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[id]; dup {
		return false
	}
	if _, dup := d.seenPrev[id]; dup {
		return false
	}
	if len(d.seen) >= seenLimit {
		d.seenPrev = d.seen
		d.seen = make(map[string]struct{}, seenLimit)
	}
	d.seen[id] = struct{}{}
	return true
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
