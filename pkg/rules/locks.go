package rules

import "sync"

// subjectLocks serializes evaluation per subject. The cooldown and
// daily-cap checks are check-then-act against the fire record store, so
// two concurrent evaluations for the same subject must not interleave.
// Different subjects proceed fully in parallel.
type subjectLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: make(map[string]*sync.Mutex)}
}

func (s *subjectLocks) lock(subjectID string) *sync.Mutex {
	s.mu.Lock()
	m, ok := s.locks[subjectID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[subjectID] = m
	}
	s.mu.Unlock()

	m.Lock()
	return m
}
