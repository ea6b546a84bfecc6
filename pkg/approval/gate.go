// Package approval implements the human-in-the-loop gate: every action
// request is classified by policy, then either auto-approved, queued for
// a reviewer, or rejected outright. Pending requests expire on a
// deadline; expiration always beats a late approval.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attunehq/pulse/pkg/audit"
	"github.com/attunehq/pulse/pkg/contracts"
)

// ReasonPolicyBlocked is the status reason for never_approve rejections.
const ReasonPolicyBlocked = "policy_blocked"

// ReasonExpired is the status reason set by the expiration sweep.
const ReasonExpired = "approval_window_elapsed"

// DefaultPendingTTL is how long a require_approval request stays
// decidable.
const DefaultPendingTTL = 72 * time.Hour

// Decision is a reviewer verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Forwarder receives requests the moment they become approved. The
// dispatcher implements this.
type Forwarder interface {
	Forward(ctx context.Context, req *contracts.ActionRequest)
}

// Gate classifies, queues, and decides action requests.
type Gate struct {
	store      RequestStore
	forwarder  Forwarder
	auditor    audit.Recorder
	pendingTTL time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

// NewGate builds a gate. forwarder may be nil when dispatch is wired
// separately (e.g. in tests).
func NewGate(store RequestStore, forwarder Forwarder, auditor audit.Recorder) *Gate {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Gate{
		store:      store,
		forwarder:  forwarder,
		auditor:    auditor,
		pendingTTL: DefaultPendingTTL,
		clock:      time.Now,
		logger:     slog.Default().With("component", "approval-gate"),
	}
}

// WithPendingTTL overrides the pending expiration deadline.
func (g *Gate) WithPendingTTL(ttl time.Duration) *Gate {
	g.pendingTTL = ttl
	return g
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Submit classifies a freshly created request by its policy and persists
// it. always_approve and auto_approve transition straight to approved and
// forward to the dispatcher; never_approve is rejected with
// policy_blocked and never attempted; require_approval stays pending with
// an expiration deadline.
func (g *Gate) Submit(ctx context.Context, req *contracts.ActionRequest) (*contracts.ActionRequest, error) {
	if req == nil || req.ID == "" {
		return nil, fmt.Errorf("approval: submit of empty request")
	}

	now := g.clock().UTC()
	stored := *req
	stored.Status = contracts.StatusPending
	stored.ExpiresAt = now.Add(g.pendingTTL)
	if err := g.store.Create(ctx, &stored); err != nil {
		return nil, fmt.Errorf("approval: persist request: %w", err)
	}
	g.auditor.Record(ctx, "action_request", stored.ID, "created", map[string]any{
		"subject_id": stored.SubjectID,
		"policy":     string(stored.Policy),
		"rule_id":    stored.OriginRuleID,
	})

	switch stored.Policy {
	case contracts.PolicyAlwaysApprove, contracts.PolicyAutoApprove:
		updated, won, err := g.store.Transition(ctx, stored.ID, contracts.StatusPending, contracts.StatusApproved, func(r *contracts.ActionRequest) {
			r.DecidedBy = "system"
			r.StatusReason = string(stored.Policy)
		})
		if err != nil {
			return nil, fmt.Errorf("approval: auto approve: %w", err)
		}
		if won {
			g.auditor.Record(ctx, "action_request", stored.ID, "approved", map[string]any{"by": "system"})
			if g.forwarder != nil {
				g.forwarder.Forward(ctx, updated)
			}
		}
		return updated, nil

	case contracts.PolicyNeverApprove:
		updated, won, err := g.store.Transition(ctx, stored.ID, contracts.StatusPending, contracts.StatusRejected, func(r *contracts.ActionRequest) {
			r.DecidedBy = "system"
			r.StatusReason = ReasonPolicyBlocked
		})
		if err != nil {
			return nil, fmt.Errorf("approval: policy reject: %w", err)
		}
		if won {
			g.auditor.Record(ctx, "action_request", stored.ID, "rejected", map[string]any{"reason": ReasonPolicyBlocked})
		}
		return updated, nil

	case contracts.PolicyRequireApproval:
		g.logger.Info("request queued for review",
			"request_id", stored.ID, "subject", stored.SubjectID, "expires_at", stored.ExpiresAt)
		return &stored, nil

	default:
		return nil, fmt.Errorf("approval: unknown policy %q on request %s", stored.Policy, stored.ID)
	}
}

// ListPending returns pending requests, optionally filtered by subject.
func (g *Gate) ListPending(ctx context.Context, subjectFilter string) ([]*contracts.ActionRequest, error) {
	return g.store.ListByStatus(ctx, contracts.StatusPending, subjectFilter)
}

// Decide records a reviewer decision. Replaying a decision on a request
// already in the matching terminal state is a no-op, tolerating
// at-least-once delivery from the review UI. A decision on a request past
// its deadline expires it instead: expiration wins the race.
func (g *Gate) Decide(ctx context.Context, requestID string, decision Decision, reviewer, note string) (*contracts.ActionRequest, error) {
	current, err := g.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}

	// Idempotent replay: already settled the same way.
	if current.Status == contracts.StatusApproved || current.Status == contracts.StatusRejected ||
		current.Status == contracts.StatusExecuted || current.Status == contracts.StatusFailed {
		return current, nil
	}
	if current.Status == contracts.StatusExpired {
		return current, nil
	}

	now := g.clock().UTC()
	if now.After(current.ExpiresAt) {
		expired, _, err := g.store.Transition(ctx, requestID, contracts.StatusPending, contracts.StatusExpired, func(r *contracts.ActionRequest) {
			r.StatusReason = ReasonExpired
		})
		if err != nil {
			return nil, err
		}
		g.auditor.Record(ctx, "action_request", requestID, "expired", map[string]any{"at_decision": true})
		return expired, nil
	}

	target := contracts.StatusApproved
	event := "approved"
	if decision == DecisionReject {
		target = contracts.StatusRejected
		event = "rejected"
	}

	updated, won, err := g.store.Transition(ctx, requestID, contracts.StatusPending, target, func(r *contracts.ActionRequest) {
		r.DecidedBy = reviewer
		r.DecisionNote = note
	})
	if err != nil {
		return nil, err
	}
	if !won {
		// A concurrent writer settled the request first; surface its state.
		return updated, nil
	}

	g.auditor.Record(ctx, "action_request", requestID, event, map[string]any{"by": reviewer, "note": note})
	if target == contracts.StatusApproved && g.forwarder != nil {
		g.forwarder.Forward(ctx, updated)
	}
	return updated, nil
}

// SweepExpired transitions every pending request past its deadline to
// expired. Returns the requests it expired.
func (g *Gate) SweepExpired(ctx context.Context) ([]*contracts.ActionRequest, error) {
	pending, err := g.store.ListByStatus(ctx, contracts.StatusPending, "")
	if err != nil {
		return nil, err
	}

	now := g.clock().UTC()
	var expired []*contracts.ActionRequest
	for _, req := range pending {
		if !now.After(req.ExpiresAt) {
			continue
		}
		updated, won, err := g.store.Transition(ctx, req.ID, contracts.StatusPending, contracts.StatusExpired, func(r *contracts.ActionRequest) {
			r.StatusReason = ReasonExpired
		})
		if err != nil {
			return expired, err
		}
		if won {
			g.auditor.Record(ctx, "action_request", req.ID, "expired", nil)
			expired = append(expired, updated)
		}
	}
	return expired, nil
}
