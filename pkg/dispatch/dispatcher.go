// Package dispatch executes approved action requests through
// provider-specific executors, applying per-provider rate limiting and
// circuit breaking before every external call.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/attunehq/pulse/pkg/approval"
	"github.com/attunehq/pulse/pkg/audit"
	"github.com/attunehq/pulse/pkg/breaker"
	"github.com/attunehq/pulse/pkg/contracts"
	"github.com/attunehq/pulse/pkg/ratelimit"
)

// FailureReason classifies a dispatch that did not execute.
type FailureReason string

const (
	// ReasonRateLimited: the provider bucket is empty. Retryable by the
	// calling collaborator with backoff; no external call was made.
	ReasonRateLimited FailureReason = "rate_limited"
	// ReasonCircuitOpen: the provider breaker is open. Suppress retries
	// until breaker state changes; no external call was made.
	ReasonCircuitOpen FailureReason = "circuit_open"
	// ReasonTimeout: the call exceeded the dispatch timeout.
	ReasonTimeout FailureReason = "timeout"
	// ReasonRetryableError: the provider reported a transient failure.
	ReasonRetryableError FailureReason = "retryable_error"
	// ReasonFatalError: the provider rejected the action permanently.
	ReasonFatalError FailureReason = "fatal_error"
	// ReasonNoExecutor: no executor is registered for the action type.
	ReasonNoExecutor FailureReason = "no_executor"
)

// DefaultCallTimeout bounds each external call.
const DefaultCallTimeout = 10 * time.Second

// Metrics receives dispatch outcome counts, one per terminal transition.
// Satisfied by observability.Provider.
type Metrics interface {
	DispatchOutcome(ctx context.Context, provider, outcome string)
}

// Result reports one dispatch attempt.
type Result struct {
	Request *contracts.ActionRequest
	Reason  FailureReason // empty on success
}

// Executed reports whether the request reached executed.
func (r Result) Executed() bool {
	return r.Request != nil && r.Request.Status == contracts.StatusExecuted
}

// Dispatcher executes approved requests. It owns the
// approved→{executed,failed} transitions. Failed dispatches are never
// retried here: retrying a side-effecting action without dedup
// guarantees risks duplicate customer-facing effects.
type Dispatcher struct {
	registry    *Registry
	breakers    *breaker.Registry
	limiter     ratelimit.LimiterStore
	limits      map[string]ratelimit.Policy // per provider; falls back to default
	requests    approval.RequestStore
	auditor     audit.Recorder
	metrics     Metrics
	callTimeout time.Duration
	logger      *slog.Logger
}

// New builds a dispatcher. limits may be nil to use the default policy
// for every provider.
func New(registry *Registry, breakers *breaker.Registry, limiter ratelimit.LimiterStore, requests approval.RequestStore, auditor audit.Recorder) *Dispatcher {
	if auditor == nil {
		auditor = audit.Nop{}
	}
	return &Dispatcher{
		registry:    registry,
		breakers:    breakers,
		limiter:     limiter,
		limits:      make(map[string]ratelimit.Policy),
		requests:    requests,
		auditor:     auditor,
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default().With("component", "dispatcher"),
	}
}

// WithCallTimeout overrides the per-call timeout.
func (d *Dispatcher) WithCallTimeout(timeout time.Duration) *Dispatcher {
	d.callTimeout = timeout
	return d
}

// WithMetrics registers the outcome counter sink.
func (d *Dispatcher) WithMetrics(metrics Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// SetProviderLimit configures the rate policy for one provider.
func (d *Dispatcher) SetProviderLimit(providerID string, policy ratelimit.Policy) {
	d.limits[providerID] = policy
}

// Forward implements approval.Forwarder: approved requests flow straight
// into dispatch.
func (d *Dispatcher) Forward(ctx context.Context, req *contracts.ActionRequest) {
	if _, err := d.Dispatch(ctx, req); err != nil {
		d.logger.Error("dispatch failed", "request_id", req.ID, "error", err)
	}
}

// Dispatch executes one approved request. The request must be approved;
// anything else is a caller error. The returned Result carries the final
// request state; err is reserved for infrastructure faults (store
// failures), not provider outcomes.
func (d *Dispatcher) Dispatch(ctx context.Context, req *contracts.ActionRequest) (Result, error) {
	if req == nil {
		return Result{}, fmt.Errorf("dispatch: nil request")
	}
	if req.Status != contracts.StatusApproved {
		return Result{}, fmt.Errorf("dispatch: request %s is %s, not approved", req.ID, req.Status)
	}

	// Rate limit first: a throttled call must not consume breaker probes.
	policy, ok := d.limits[req.Provider]
	if !ok {
		policy = ratelimit.DefaultPolicy()
	}
	allowed, err := d.limiter.Allow(ctx, req.Provider, policy)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: rate limiter: %w", err)
	}
	if !allowed {
		return d.fail(ctx, req, ReasonRateLimited)
	}

	brk := d.breakers.For(req.Provider)
	if !brk.Allow() {
		return d.fail(ctx, req, ReasonCircuitOpen)
	}

	exec, ok := d.registry.For(req.ActionType)
	if !ok {
		return d.fail(ctx, req, ReasonNoExecutor)
	}

	outcome, timedOut := d.callExecutor(ctx, exec, req)
	switch {
	case timedOut:
		brk.OnFailure()
		return d.fail(ctx, req, ReasonTimeout)
	case outcome == ExecSuccess:
		brk.OnSuccess()
		return d.succeed(ctx, req)
	case outcome == ExecRetryable:
		brk.OnFailure()
		return d.fail(ctx, req, ReasonRetryableError)
	default:
		// Fatal errors are the action's fault, not the provider's; the
		// breaker is left untouched.
		return d.fail(ctx, req, ReasonFatalError)
	}
}

// callExecutor runs the executor under the dispatch timeout. The external
// call is the only blocking operation in the core; in-flight calls are
// not cancelled beyond ctx, only abandoned.
func (d *Dispatcher) callExecutor(ctx context.Context, exec Executor, req *contracts.ActionRequest) (ExecutionResult, bool) {
	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	type execReturn struct {
		result ExecutionResult
		err    error
	}
	done := make(chan execReturn, 1)
	go func() {
		result, err := exec.Execute(callCtx, req.ActionType, req.Payload)
		done <- execReturn{result, err}
	}()

	select {
	case ret := <-done:
		if ret.err != nil && ret.result == ExecSuccess {
			// An executor returning an error with no classification is
			// treated as retryable.
			return ExecRetryable, false
		}
		return ret.result, false
	case <-callCtx.Done():
		return ExecRetryable, true
	}
}

func (d *Dispatcher) succeed(ctx context.Context, req *contracts.ActionRequest) (Result, error) {
	updated, won, err := d.requests.Transition(ctx, req.ID, contracts.StatusApproved, contracts.StatusExecuted, nil)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: mark executed: %w", err)
	}
	if won {
		d.auditor.Record(ctx, "action_request", req.ID, "executed", map[string]any{
			"provider": req.Provider, "action_type": req.ActionType,
		})
		if d.metrics != nil {
			d.metrics.DispatchOutcome(ctx, req.Provider, "executed")
		}
		d.logger.Info("action executed",
			"request_id", req.ID, "provider", req.Provider, "action_type", req.ActionType)
	}
	return Result{Request: updated}, nil
}

func (d *Dispatcher) fail(ctx context.Context, req *contracts.ActionRequest, reason FailureReason) (Result, error) {
	updated, won, err := d.requests.Transition(ctx, req.ID, contracts.StatusApproved, contracts.StatusFailed, func(r *contracts.ActionRequest) {
		r.StatusReason = string(reason)
	})
	if err != nil {
		return Result{}, fmt.Errorf("dispatch: mark failed: %w", err)
	}
	if won {
		d.auditor.Record(ctx, "action_request", req.ID, "failed", map[string]any{
			"provider": req.Provider, "reason": string(reason),
		})
		if d.metrics != nil {
			d.metrics.DispatchOutcome(ctx, req.Provider, string(reason))
		}
		d.logger.Warn("action dispatch failed",
			"request_id", req.ID, "provider", req.Provider, "reason", string(reason))
	}
	return Result{Request: updated, Reason: reason}, nil
}
