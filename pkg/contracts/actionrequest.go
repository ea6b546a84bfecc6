package contracts

import "time"

// ApprovalPolicy classifies how an action request passes the gate.
type ApprovalPolicy string

const (
	PolicyAlwaysApprove   ApprovalPolicy = "always_approve"
	PolicyAutoApprove     ApprovalPolicy = "auto_approve"
	PolicyRequireApproval ApprovalPolicy = "require_approval"
	PolicyNeverApprove    ApprovalPolicy = "never_approve"
)

// Known reports whether p is a recognized policy value.
func (p ApprovalPolicy) Known() bool {
	switch p {
	case PolicyAlwaysApprove, PolicyAutoApprove, PolicyRequireApproval, PolicyNeverApprove:
		return true
	}
	return false
}

// RequestStatus is the lifecycle state of an ActionRequest.
//
// Transitions: pending → approved | rejected | expired;
// approved → executed | failed. Terminal states are immutable.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
	StatusExecuted RequestStatus = "executed"
	StatusFailed   RequestStatus = "failed"
)

// Terminal reports whether no further transition is permitted from s.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusExecuted, StatusFailed:
		return true
	}
	return false
}

// ActionRequest is a proposed side-effecting operation awaiting policy
// classification and, possibly, human approval before dispatch.
//
// Ownership: the rule engine creates requests; the approval gate owns
// pending→{approved,rejected,expired}; the dispatcher owns
// approved→{executed,failed}.
type ActionRequest struct {
	ID           string         `json:"id"`
	SubjectID    string         `json:"subject_id"`
	ActionType   string         `json:"action_type"`
	Provider     string         `json:"provider"`
	Payload      map[string]any `json:"payload,omitempty"`
	Policy       ApprovalPolicy `json:"policy"`
	OriginRuleID string         `json:"origin_rule_id"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Status       RequestStatus  `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	DecisionNote string         `json:"decision_note,omitempty"`
}
