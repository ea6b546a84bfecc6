// Package signalstore implements durable, idempotent storage of inbound
// signals keyed by subject and time.
package signalstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"
)

var (
	// ErrInvalidSignal is returned when a signal misses required fields.
	ErrInvalidSignal = errors.New("invalid signal")
	// ErrDuplicateSignal marks an idempotent re-submission. Callers treat
	// it as a no-op; it exists so logs can distinguish replays.
	ErrDuplicateSignal = errors.New("duplicate signal")
)

// Store persists signals. Put must be idempotent on signal ID.
type Store interface {
	// Put stores the signal. Returns ErrDuplicateSignal if a signal with
	// the same ID already exists; the stored record is left untouched.
	Put(ctx context.Context, sig *contracts.Signal) error

	// Window returns the subject's signals with OccurredAt in [from, to),
	// ordered by OccurredAt ascending.
	Window(ctx context.Context, subjectID string, from, to time.Time) ([]*contracts.Signal, error)

	// Get returns a signal by ID, or nil if absent.
	Get(ctx context.Context, id string) (*contracts.Signal, error)
}

// MemoryStore is an in-memory Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu        sync.RWMutex
	byID      map[string]*contracts.Signal
	bySubject map[string][]*contracts.Signal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*contracts.Signal),
		bySubject: make(map[string][]*contracts.Signal),
	}
}

func (s *MemoryStore) Put(_ context.Context, sig *contracts.Signal) error {
	if sig == nil || !sig.Valid() {
		return ErrInvalidSignal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[sig.ID]; exists {
		return ErrDuplicateSignal
	}

	stored := *sig
	if stored.ReceivedAt.IsZero() {
		stored.ReceivedAt = time.Now().UTC()
	}
	s.byID[stored.ID] = &stored
	s.bySubject[stored.SubjectID] = append(s.bySubject[stored.SubjectID], &stored)
	return nil
}

func (s *MemoryStore) Window(_ context.Context, subjectID string, from, to time.Time) ([]*contracts.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*contracts.Signal
	for _, sig := range s.bySubject[subjectID] {
		if sig.OccurredAt.Before(from) || !sig.OccurredAt.Before(to) {
			continue
		}
		out = append(out, sig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*contracts.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id], nil
}
