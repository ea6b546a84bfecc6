package approval

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/attunehq/pulse/pkg/contracts"

	_ "modernc.org/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sqliteRequest(id, subjectID string, createdAt time.Time) *contracts.ActionRequest {
	return &contracts.ActionRequest{
		ID:           id,
		SubjectID:    subjectID,
		ActionType:   "send_email",
		Provider:     "email",
		Payload:      map[string]any{"template": "check-in"},
		Policy:       contracts.PolicyRequireApproval,
		OriginRuleID: "reach-out",
		CreatedAt:    createdAt,
		ExpiresAt:    createdAt.Add(72 * time.Hour),
		Status:       contracts.StatusPending,
	}
}

func TestSQLiteRequestCreateAndGet(t *testing.T) {
	store, err := NewSQLiteRequestStore(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Create(context.Background(), sqliteRequest("req-1", "S1", created)); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(context.Background(), "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.SubjectID != "S1" || got.Status != contracts.StatusPending {
		t.Fatalf("unexpected request: %+v", got)
	}
	if got.Payload["template"] != "check-in" {
		t.Fatalf("payload not round-tripped: %v", got.Payload)
	}
	if !got.ExpiresAt.Equal(created.Add(72 * time.Hour)) {
		t.Fatalf("deadline not round-tripped: %v", got.ExpiresAt)
	}

	if _, err := store.Get(context.Background(), "absent"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestSQLiteRequestListByStatus(t *testing.T) {
	store, err := NewSQLiteRequestStore(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Create(context.Background(), sqliteRequest("req-2", "S1", base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), sqliteRequest("req-1", "S1", base)); err != nil {
		t.Fatal(err)
	}
	if err := store.Create(context.Background(), sqliteRequest("req-3", "S2", base)); err != nil {
		t.Fatal(err)
	}

	pending, err := store.ListByStatus(context.Background(), contracts.StatusPending, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].ID != "req-1" {
		t.Fatalf("expected creation order, got %s first", pending[0].ID)
	}

	filtered, err := store.ListByStatus(context.Background(), contracts.StatusPending, "S2")
	if err != nil {
		t.Fatal(err)
	}
	if len(filtered) != 1 || filtered[0].ID != "req-3" {
		t.Fatalf("subject filter failed: %+v", filtered)
	}
}

func TestSQLiteRequestTransition(t *testing.T) {
	store, err := NewSQLiteRequestStore(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if err := store.Create(context.Background(), sqliteRequest("req-1", "S1", created)); err != nil {
		t.Fatal(err)
	}

	updated, won, err := store.Transition(context.Background(), "req-1",
		contracts.StatusPending, contracts.StatusApproved, func(r *contracts.ActionRequest) {
			r.DecidedBy = "csm@corp"
		})
	if err != nil {
		t.Fatal(err)
	}
	if !won || updated.Status != contracts.StatusApproved || updated.DecidedBy != "csm@corp" {
		t.Fatalf("transition not applied: won=%v %+v", won, updated)
	}

	// The loser observes the winner's state.
	late, won, err := store.Transition(context.Background(), "req-1",
		contracts.StatusPending, contracts.StatusExpired, nil)
	if err != nil {
		t.Fatal(err)
	}
	if won {
		t.Fatal("second transition from pending must lose")
	}
	if late.Status != contracts.StatusApproved || late.DecidedBy != "csm@corp" {
		t.Fatalf("loser must see the committed state, got %+v", late)
	}

	if _, _, err := store.Transition(context.Background(), "absent",
		contracts.StatusPending, contracts.StatusApproved, nil); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}
