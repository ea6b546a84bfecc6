// Package ratelimit provides per-provider token-bucket rate limiting
// applied before the circuit-breaker check on every dispatch.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Policy configures one provider's bucket.
type Policy struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

// DefaultPolicy allows a modest steady rate with small bursts.
func DefaultPolicy() Policy {
	return Policy{PerSecond: 5, Burst: 10}
}

// LimiterStore abstracts the token bucket storage so single-instance
// deployments use in-process buckets and multi-instance deployments
// share state through Redis.
type LimiterStore interface {
	// Allow consumes one token from the provider's bucket, reporting
	// whether the call may proceed.
	Allow(ctx context.Context, providerID string, policy Policy) (bool, error)
}

// MemoryLimiterStore keeps one x/time rate.Limiter per provider.
type MemoryLimiterStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewMemoryLimiterStore creates an empty store.
func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{limiters: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(_ context.Context, providerID string, policy Policy) (bool, error) {
	s.mu.Lock()
	lim, ok := s.limiters[providerID]
	if !ok {
		perSecond := policy.PerSecond
		if perSecond <= 0 {
			perSecond = DefaultPolicy().PerSecond
		}
		burst := policy.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(perSecond), burst)
		s.limiters[providerID] = lim
	}
	s.mu.Unlock()

	return lim.Allow(), nil
}
