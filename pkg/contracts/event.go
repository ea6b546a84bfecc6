package contracts

import "time"

// EventType classifies a detected risk or expansion event.
type EventType string

// Detected event types.
const (
	EventScoreDrop         EventType = "score_drop"
	EventInactivity        EventType = "inactivity"
	EventRenewalApproach   EventType = "renewal_approaching"
	EventTicketEscalated   EventType = "ticket_escalated"
	EventNPSDetractor      EventType = "nps_detractor"
	EventUsageAnomaly      EventType = "usage_anomaly"
	EventChampionDeparture EventType = "champion_departure"
	EventCustom            EventType = "custom"
)

// Severity grades a detected event.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is at least as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return severityRank[s] >= severityRank[min]
}

// DetectedEvent is a typed, derived, immutable classification of one or
// more signals, produced by the risk/expansion detector.
type DetectedEvent struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subject_id"`
	Type        EventType `json:"type"`
	Severity    Severity  `json:"severity"`
	EvidenceRef string    `json:"evidence_ref"` // signal ID the event was derived from
	DetectedAt  time.Time `json:"detected_at"`
}
