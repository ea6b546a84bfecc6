// Package audit implements the append-only audit log. Every component
// records one entry per state transition it owns. Entries are hash
// chained for tamper evidence; sink write failures divert to a fallback
// channel and never block the originating component.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrEntryNotFound is returned when an entry lookup misses.
var ErrEntryNotFound = errors.New("audit entry not found")

// Entry is a single immutable audit record.
type Entry struct {
	ID           string         `json:"id"`
	Sequence     uint64         `json:"sequence"`
	Timestamp    time.Time      `json:"timestamp"`
	EntityType   string         `json:"entity_type"` // signal, action_request, rule, breaker, score
	EntityID     string         `json:"entity_id"`
	Event        string         `json:"event"` // e.g. "ingested", "approved", "executed"
	Detail       map[string]any `json:"detail,omitempty"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
}

// Recorder is the interface components use to emit audit entries.
// Implementations must never propagate failure to the caller.
type Recorder interface {
	Record(ctx context.Context, entityType, entityID, event string, detail map[string]any)
}

// Sink receives entries for durable storage.
type Sink interface {
	Write(ctx context.Context, entry *Entry) error
}

// Log is an in-memory, hash-chained audit log fanning entries out to
// optional sinks.
type Log struct {
	mu        sync.RWMutex
	entries   []*Entry
	sequence  uint64
	chainHead string
	sinks     []Sink
	clock     func() time.Time
	fallback  *slog.Logger
}

// NewLog creates an empty audit log.
func NewLog() *Log {
	return &Log{
		chainHead: "genesis",
		clock:     time.Now,
		fallback:  slog.Default().With("component", "audit-fallback"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// AddSink registers a durable sink. Sink failures are reported to the
// fallback channel only.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Record appends an entry. It never fails: observability must not become
// a source of functional failure.
func (l *Log) Record(ctx context.Context, entityType, entityID, event string, detail map[string]any) {
	l.mu.Lock()

	l.sequence++
	entry := &Entry{
		ID:           uuid.New().String(),
		Sequence:     l.sequence,
		Timestamp:    l.clock().UTC(),
		EntityType:   entityType,
		EntityID:     entityID,
		Event:        event,
		Detail:       detail,
		PreviousHash: l.chainHead,
	}
	entry.EntryHash = entryHash(entry)
	l.chainHead = entry.EntryHash
	l.entries = append(l.entries, entry)
	sinks := l.sinks

	l.mu.Unlock()

	for _, s := range sinks {
		if err := s.Write(ctx, entry); err != nil {
			l.fallback.Warn("audit sink write failed",
				"entry_id", entry.ID, "entity", entityType, "event", event, "error", err)
		}
	}
}

// Tail returns the most recent n entries, oldest first.
func (l *Log) Tail(n int) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.entries) {
		n = len(l.entries)
	}
	out := make([]*Entry, n)
	copy(out, l.entries[len(l.entries)-n:])
	return out
}

// ForEntity returns all entries for one entity, oldest first.
func (l *Log) ForEntity(entityType, entityID string) []*Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Entry
	for _, e := range l.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out
}

// Size returns the number of entries held in memory.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// VerifyChain recomputes the hash chain and reports the first break.
func (l *Log) VerifyChain() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	expectedPrev := "genesis"
	for i, entry := range l.entries {
		if entry.PreviousHash != expectedPrev {
			return fmt.Errorf("audit chain broken at index %d (entry %s)", i, entry.ID)
		}
		if entryHash(entry) != entry.EntryHash {
			return fmt.Errorf("audit entry hash mismatch at index %d (entry %s)", i, entry.ID)
		}
		expectedPrev = entry.EntryHash
	}
	return nil
}

func entryHash(e *Entry) string {
	hashable := struct {
		Sequence     uint64    `json:"sequence"`
		Timestamp    time.Time `json:"timestamp"`
		EntityType   string    `json:"entity_type"`
		EntityID     string    `json:"entity_id"`
		Event        string    `json:"event"`
		PreviousHash string    `json:"previous_hash"`
	}{e.Sequence, e.Timestamp, e.EntityType, e.EntityID, e.Event, e.PreviousHash}

	data, _ := json.Marshal(hashable)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Nop is a Recorder that discards everything, for tests.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, map[string]any) {}
