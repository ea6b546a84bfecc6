// Package contracts defines the shared domain types flowing through the
// automation core: signals, health snapshots, detected events, trigger
// rules, action requests, and provider breaker state.
package contracts

import "time"

// SourceType categorizes where a signal originated.
type SourceType string

// Known signal sources.
const (
	SourceUsage     SourceType = "usage"
	SourceSentiment SourceType = "sentiment"
	SourceTicket    SourceType = "ticket"
	SourceBilling   SourceType = "billing"
	SourceCRM       SourceType = "crm"
)

// Signal is a single inbound observation about a subject. Immutable once
// stored; the ID is caller-supplied so at-least-once delivery from
// upstream webhooks and batch jobs stays idempotent.
type Signal struct {
	ID         string         `json:"id"`
	SubjectID  string         `json:"subject_id"`
	SourceType SourceType     `json:"source_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	ReceivedAt time.Time      `json:"received_at"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// Valid reports whether the signal carries the minimum required fields.
func (s *Signal) Valid() bool {
	return s.ID != "" && s.SubjectID != "" && s.SourceType != "" && !s.OccurredAt.IsZero()
}
