package signalstore

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

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

func TestSQLitePutAndWindow(t *testing.T) {
	store, err := NewSQLiteStore(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if err := store.Put(context.Background(), testSignal("sig-1", "S1", base)); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(context.Background(), testSignal("sig-2", "S1", base.Add(time.Hour))); err != nil {
		t.Fatal(err)
	}

	window, err := store.Window(context.Background(), "S1", base.Add(-time.Minute), base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 signals, got %d", len(window))
	}
	if window[0].ID != "sig-1" || window[1].ID != "sig-2" {
		t.Fatalf("unexpected order: %s, %s", window[0].ID, window[1].ID)
	}
	if window[0].Payload["usage_score"] != 80.0 {
		t.Fatalf("payload not round-tripped: %v", window[0].Payload)
	}
}

func TestSQLitePutDuplicate(t *testing.T) {
	store, err := NewSQLiteStore(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()

	if err := store.Put(context.Background(), testSignal("sig-1", "S1", now)); err != nil {
		t.Fatal(err)
	}
	err = store.Put(context.Background(), testSignal("sig-1", "S1", now))
	if !errors.Is(err, ErrDuplicateSignal) {
		t.Fatalf("expected ErrDuplicateSignal, got %v", err)
	}
}

func TestSQLiteGet(t *testing.T) {
	store, err := NewSQLiteStore(newTestDB(t))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()

	if err := store.Put(context.Background(), testSignal("sig-1", "S1", now)); err != nil {
		t.Fatal(err)
	}

	sig, err := store.Get(context.Background(), "sig-1")
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil || sig.SubjectID != "S1" {
		t.Fatalf("unexpected signal: %+v", sig)
	}

	missing, err := store.Get(context.Background(), "absent")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Fatal("expected nil for missing signal")
	}
}
