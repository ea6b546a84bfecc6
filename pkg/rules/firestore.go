package rules

import (
	"context"
	"sync"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"
)

// FireRecordStore persists trigger fire records. Records are append-only;
// cooldown and daily-cap checks read them back.
type FireRecordStore interface {
	// RecordFire appends a fire record.
	RecordFire(ctx context.Context, rec contracts.TriggerFireRecord) error

	// LastFire returns the most recent fire time for (ruleID, subjectID).
	LastFire(ctx context.Context, ruleID, subjectID string) (time.Time, bool, error)

	// CountOnDay returns how many times (ruleID, subjectID) fired on the
	// UTC calendar day containing t.
	CountOnDay(ctx context.Context, ruleID, subjectID string, t time.Time) (int, error)
}

type fireKey struct {
	ruleID    string
	subjectID string
}

// MemoryFireRecordStore is an in-memory FireRecordStore.
type MemoryFireRecordStore struct {
	mu    sync.RWMutex
	fires map[fireKey][]time.Time
}

// NewMemoryFireRecordStore creates an empty store.
func NewMemoryFireRecordStore() *MemoryFireRecordStore {
	return &MemoryFireRecordStore{fires: make(map[fireKey][]time.Time)}
}

func (s *MemoryFireRecordStore) RecordFire(_ context.Context, rec contracts.TriggerFireRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fireKey{rec.RuleID, rec.SubjectID}
	s.fires[k] = append(s.fires[k], rec.FiredAt.UTC())
	return nil
}

func (s *MemoryFireRecordStore) LastFire(_ context.Context, ruleID, subjectID string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	times := s.fires[fireKey{ruleID, subjectID}]
	if len(times) == 0 {
		return time.Time{}, false, nil
	}
	last := times[0]
	for _, t := range times[1:] {
		if t.After(last) {
			last = t
		}
	}
	return last, true, nil
}

func (s *MemoryFireRecordStore) CountOnDay(_ context.Context, ruleID, subjectID string, t time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	day := t.UTC().Truncate(24 * time.Hour)
	count := 0
	for _, fired := range s.fires[fireKey{ruleID, subjectID}] {
		if fired.UTC().Truncate(24*time.Hour) == day {
			count++
		}
	}
	return count, nil
}
