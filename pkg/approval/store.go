package approval

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/attunehq/pulse/pkg/contracts"
)

// ErrRequestNotFound is returned when an action request lookup misses.
var ErrRequestNotFound = errors.New("action request not found")

// RequestStore persists action requests. Transition is the only mutation
// path: it is conditional on the current status so concurrent writers
// (reviewer decisions, the expiration sweep, the dispatcher) get exactly
// one winner per request.
type RequestStore interface {
	Create(ctx context.Context, req *contracts.ActionRequest) error
	Get(ctx context.Context, id string) (*contracts.ActionRequest, error)
	ListByStatus(ctx context.Context, status contracts.RequestStatus, subjectFilter string) ([]*contracts.ActionRequest, error)

	// Transition atomically moves the request from 'from' to 'to',
	// applying mutate to the stored copy while holding the store lock.
	// Returns the post-transition request and whether this caller won.
	// Losing (current status != from) is not an error.
	Transition(ctx context.Context, id string, from, to contracts.RequestStatus, mutate func(*contracts.ActionRequest)) (*contracts.ActionRequest, bool, error)
}

// MemoryRequestStore is an in-memory RequestStore.
type MemoryRequestStore struct {
	mu       sync.RWMutex
	requests map[string]*contracts.ActionRequest
}

// NewMemoryRequestStore creates an empty store.
func NewMemoryRequestStore() *MemoryRequestStore {
	return &MemoryRequestStore{requests: make(map[string]*contracts.ActionRequest)}
}

func (s *MemoryRequestStore) Create(_ context.Context, req *contracts.ActionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *req
	s.requests[req.ID] = &stored
	return nil
}

func (s *MemoryRequestStore) Get(_ context.Context, id string) (*contracts.ActionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	copied := *req
	return &copied, nil
}

func (s *MemoryRequestStore) ListByStatus(_ context.Context, status contracts.RequestStatus, subjectFilter string) ([]*contracts.ActionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.ActionRequest
	for _, req := range s.requests {
		if req.Status != status {
			continue
		}
		if subjectFilter != "" && req.SubjectID != subjectFilter {
			continue
		}
		copied := *req
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryRequestStore) Transition(_ context.Context, id string, from, to contracts.RequestStatus, mutate func(*contracts.ActionRequest)) (*contracts.ActionRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[id]
	if !ok {
		return nil, false, ErrRequestNotFound
	}
	if req.Status != from {
		copied := *req
		return &copied, false, nil
	}

	req.Status = to
	if mutate != nil {
		mutate(req)
	}
	copied := *req
	return &copied, true, nil
}
