// Package breaker implements the per-provider circuit breaker consulted
// before every external dispatch: closed/open/half-open with a failure
// threshold, an open cooldown, and a half-open success threshold.
package breaker

import (
	"sync"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"
)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // consecutive failures to open
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"` // half-open successes to close
	OpenCooldown     time.Duration `yaml:"open_cooldown" json:"open_cooldown"`         // time before open → half-open probe
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// DefaultConfig mirrors the documented defaults: open after 5 failures,
// probe after 30s, close after 3 half-open successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 3,
		OpenCooldown:     30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Breaker is the failure state machine for one provider.
type Breaker struct {
	mu                   sync.Mutex
	providerID           string
	config               Config
	state                contracts.BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	openedAt             time.Time
	clock                func() time.Time
	onTransition         func(providerID string, from, to contracts.BreakerState)
}

// New creates a closed breaker for the provider.
func New(providerID string, config Config) *Breaker {
	return &Breaker{
		providerID: providerID,
		config:     config,
		state:      contracts.BreakerClosed,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// WithTransitionHook registers a callback invoked after every state
// change, outside the breaker lock. Set before first use.
func (b *Breaker) WithTransitionHook(fn func(providerID string, from, to contracts.BreakerState)) *Breaker {
	b.onTransition = fn
	return b
}

func (b *Breaker) notify(from, to contracts.BreakerState) {
	if b.onTransition != nil && from != to {
		b.onTransition(b.providerID, from, to)
	}
}

// Allow reports whether a call may proceed. In the open state it fails
// fast until the cooldown elapses, then flips to half-open and admits a
// bounded number of trial calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := b.allowLocked()
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return allowed
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case contracts.BreakerClosed:
		return true

	case contracts.BreakerOpen:
		if b.clock().Sub(b.openedAt) >= b.config.OpenCooldown {
			b.state = contracts.BreakerHalfOpen
			b.consecutiveSuccesses = 0
			b.halfOpenInFlight = 1
			return true
		}
		return false

	case contracts.BreakerHalfOpen:
		if b.halfOpenInFlight < b.config.HalfOpenMaxCalls {
			b.halfOpenInFlight++
			return true
		}
		return false
	}
	return false
}

// OnSuccess records a successful call. Reaching the success threshold in
// half-open closes the breaker and resets counters.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case contracts.BreakerClosed:
		b.consecutiveFailures = 0

	case contracts.BreakerHalfOpen:
		// The trial completed; release its slot so later trials are
		// admitted even when SuccessThreshold exceeds HalfOpenMaxCalls.
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = contracts.BreakerClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
			b.halfOpenInFlight = 0
		}
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// OnFailure records a failed call. Reaching the failure threshold while
// closed opens the breaker; any half-open failure reopens it.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	from := b.state

	switch b.state {
	case contracts.BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.open()
		}

	case contracts.BreakerHalfOpen:
		b.consecutiveFailures++
		b.open()
	}

	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) open() {
	b.state = contracts.BreakerOpen
	b.openedAt = b.clock()
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
}

// Snapshot returns the queryable state.
func (b *Breaker) Snapshot() contracts.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return contracts.CircuitBreakerState{
		ProviderID:           b.providerID,
		State:                b.state,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		OpenedAt:             b.openedAt,
	}
}

// Reset returns the breaker to closed with zeroed counters. Used on
// deploy/restart lifecycle events.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = contracts.BreakerClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
	b.openedAt = time.Time{}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// Registry owns one breaker per provider. It is injected into the
// dispatcher rather than accessed as an ambient global so tests can
// substitute an isolated instance.
type Registry struct {
	mu           sync.Mutex
	config       Config
	breakers     map[string]*Breaker
	clock        func() time.Time
	onTransition func(providerID string, from, to contracts.BreakerState)
}

// NewRegistry creates a registry applying config to new breakers.
func NewRegistry(config Config) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*Breaker),
		clock:    time.Now,
	}
}

// WithClock overrides the clock applied to newly created breakers.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// OnTransition registers a callback for state changes of every breaker,
// existing and future.
func (r *Registry) OnTransition(fn func(providerID string, from, to contracts.BreakerState)) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTransition = fn
	for _, b := range r.breakers {
		b.WithTransitionHook(fn)
	}
	return r
}

// For returns the provider's breaker, creating it closed on first use.
func (r *Registry) For(providerID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[providerID]
	if !ok {
		b = New(providerID, r.config).WithClock(r.clock).WithTransitionHook(r.onTransition)
		r.breakers[providerID] = b
	}
	return b
}

// Snapshots returns the state of every known breaker.
func (r *Registry) Snapshots() []contracts.CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]contracts.CircuitBreakerState, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// ResetAll resets every breaker, for deploy/restart lifecycle.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
