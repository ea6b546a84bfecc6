package detector

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"
)

var testTime = time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

func newTestDetector() *Detector {
	d := New(DefaultRules())
	d.WithClock(func() time.Time { return testTime })
	return d
}

func signalWith(id string, source contracts.SourceType, payload map[string]any) *contracts.Signal {
	return &contracts.Signal{
		ID:         id,
		SubjectID:  "S1",
		SourceType: source,
		OccurredAt: testTime,
		Payload:    payload,
	}
}

func TestDetectScoreDrop(t *testing.T) {
	d := newTestDetector()

	events, err := d.Detect(context.Background(), signalWith("sig-1", SourceScoreChange, map[string]any{"score_drop": 12.0}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	ev := events[0]
	if ev.Type != contracts.EventScoreDrop {
		t.Fatalf("expected score_drop, got %s", ev.Type)
	}
	if ev.Severity != contracts.SeverityHigh {
		t.Fatalf("drop of 12 should be high, got %s", ev.Severity)
	}
	if ev.EvidenceRef != "sig-1" {
		t.Fatalf("evidence must reference the signal, got %s", ev.EvidenceRef)
	}
	if !ev.DetectedAt.Equal(testTime) {
		t.Fatalf("unexpected detection time %v", ev.DetectedAt)
	}
}

func TestDetectScoreDropEscalatesToCritical(t *testing.T) {
	d := newTestDetector()

	events, err := d.Detect(context.Background(), signalWith("sig-1", SourceScoreChange, map[string]any{"score_drop": 25.0}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Severity != contracts.SeverityCritical {
		t.Fatalf("drop of 25 should escalate to critical, got %+v", events)
	}
}

func TestDetectBelowThresholdRules(t *testing.T) {
	d := newTestDetector()

	events, err := d.Detect(context.Background(), signalWith("sig-1", contracts.SourceSentiment, map[string]any{"nps": 4.0}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != contracts.EventNPSDetractor {
		t.Fatalf("nps 4 should be a detractor event, got %+v", events)
	}

	events, err = d.Detect(context.Background(), signalWith("sig-2", contracts.SourceSentiment, map[string]any{"nps": 9.0}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("nps 9 should not fire, got %+v", events)
	}
}

func TestDetectIsIdempotentPerSignalID(t *testing.T) {
	d := newTestDetector()
	sig := signalWith("sig-1", contracts.SourceCRM, map[string]any{"champion_departed": 1})

	first, err := d.Detect(context.Background(), sig)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 1 {
		t.Fatalf("expected 1 event on first pass, got %d", len(first))
	}

	second, err := d.Detect(context.Background(), sig)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 0 {
		t.Fatalf("replayed signal must yield nothing, got %d events", len(second))
	}
}

func TestDetectUnmappedSourceYieldsNothing(t *testing.T) {
	d := newTestDetector()

	events, err := d.Detect(context.Background(), signalWith("sig-1", contracts.SourceType("telemetry"), map[string]any{"days_inactive": 99.0}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("unmapped source must yield nothing, got %+v", events)
	}
}

func TestDetectMalformedPayloadIsolated(t *testing.T) {
	d := newTestDetector()

	_, err := d.Detect(context.Background(), signalWith("bad", contracts.SourceUsage, map[string]any{"days_inactive": "a lot"}))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}

	// The failure must not poison later signals.
	events, err := d.Detect(context.Background(), signalWith("good", contracts.SourceUsage, map[string]any{"days_inactive": 20.0}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Type != contracts.EventInactivity {
		t.Fatalf("expected inactivity event after malformed signal, got %+v", events)
	}
}

func TestDetectMalformedPayloadDoesNotConsumeSignalID(t *testing.T) {
	d := newTestDetector()

	// One readable field matches a rule, another is garbage. The pass must
	// fail without committing the ID, so a corrected redelivery still
	// yields the events.
	_, err := d.Detect(context.Background(), signalWith("sig-1", contracts.SourceUsage, map[string]any{
		"days_inactive":  30.0,
		"anomaly_zscore": "spiky",
	}))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}

	events, err := d.Detect(context.Background(), signalWith("sig-1", contracts.SourceUsage, map[string]any{
		"days_inactive":  30.0,
		"anomaly_zscore": 4.2,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("corrected redelivery must yield both events, got %d", len(events))
	}
}

func TestDetectDedupeSetStaysBounded(t *testing.T) {
	d := newTestDetector()

	first := signalWith("sig-first", contracts.SourceUsage, map[string]any{"days_inactive": 20.0})
	events, err := d.Detect(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	for i := 0; i < 2*seenLimit+1; i++ {
		sig := signalWith(fmt.Sprintf("filler-%d", i), contracts.SourceType("telemetry"), nil)
		if _, err := d.Detect(context.Background(), sig); err != nil {
			t.Fatal(err)
		}
	}
	if len(d.seen)+len(d.seenPrev) > 2*seenLimit {
		t.Fatalf("dedupe set exceeded bound: %d", len(d.seen)+len(d.seenPrev))
	}

	// Both generations have rotated past the first ID; dedupe is
	// best-effort beyond the window and the signal detects again.
	events, err = d.Detect(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("rotated-out signal should detect again, got %d events", len(events))
	}
}

func TestDetectMultipleRulesOneSignal(t *testing.T) {
	d := newTestDetector()

	events, err := d.Detect(context.Background(), signalWith("sig-1", contracts.SourceUsage, map[string]any{
		"days_inactive":  30.0,
		"anomaly_zscore": 4.2,
	}))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("expected both usage rules to fire, got %d events", len(events))
	}
}
