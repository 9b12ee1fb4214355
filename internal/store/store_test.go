package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/hookd/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func enqueueTest(t *testing.T, s *store.Store, sessionID, name, instanceID string) int64 {
	t.Helper()
	id, err := s.Enqueue(context.Background(), sessionID, name, json.RawMessage(`{"k":"v"}`), nil, instanceID)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestStore_OpenConfiguresWAL(t *testing.T) {
	s := openTestStore(t)

	var journal string
	if err := s.DB().QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := s.DB().QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite FULL == 2.
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}
}

func TestStore_MigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.db")

	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening runs ApplyPendingMigrations again; the ledger must not grow.
	s, err = store.Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s.Close()

	second, err := s.Status(context.Background())
	if err != nil {
		t.Fatalf("status after reopen: %v", err)
	}
	if second.Pending != 0 {
		t.Fatalf("expected no pending migrations, got %d", second.Pending)
	}
	if len(second.Applied) != len(first.Applied) {
		t.Fatalf("ledger grew on reopen: %d -> %d rows", len(first.Applied), len(second.Applied))
	}
	if second.CurrentVersion != second.LatestVersion {
		t.Fatalf("current %d != latest %d", second.CurrentVersion, second.LatestVersion)
	}
	for _, rec := range second.Applied {
		if rec.Description == "" {
			t.Fatalf("migration %d missing description", rec.Version)
		}
		if rec.AppliedAt.IsZero() {
			t.Fatalf("migration %d missing applied_at", rec.Version)
		}
	}
}

func TestStore_EnqueueAndNextPendingFIFO(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)

	first := enqueueTest(t, s, "sess-1", "PreToolUse", "100:12222")
	second := enqueueTest(t, s, "sess-1", "PostToolUse", "100:12222")
	if second <= first {
		t.Fatalf("ids not monotonic: %d then %d", first, second)
	}

	ev, err := s.NextPending(ctx, since)
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if ev == nil || ev.ID != first {
		t.Fatalf("expected event %d first, got %+v", first, ev)
	}
	if ev.Status != store.StatusPending || ev.RetryCount != 0 {
		t.Fatalf("unexpected initial state: %+v", ev)
	}

	if err := s.MarkCompleted(ctx, first, 0); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	ev, err = s.NextPending(ctx, since)
	if err != nil {
		t.Fatalf("next pending after complete: %v", err)
	}
	if ev == nil || ev.ID != second {
		t.Fatalf("expected event %d next, got %+v", second, ev)
	}
}

func TestStore_NextPendingSkipsPreStartEvents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueueTest(t, s, "sess-old", "Stop", "100:12222")

	// A server started after the enqueue must not see the event.
	ev, err := s.NextPending(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("next pending: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected stale event to be invisible, got %+v", ev)
	}
}

func TestStore_StatusTransitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	since := time.Now().Add(-time.Minute)
	id := enqueueTest(t, s, "sess-1", "Notification", "100:12222")

	if err := s.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if ev, err := s.NextPending(ctx, since); err != nil || ev != nil {
		t.Fatalf("processing event still visible as pending: %+v err=%v", ev, err)
	}

	// Requeue keeps the retry count the caller hands in.
	if err := s.MarkPending(ctx, id, 0); err != nil {
		t.Fatalf("mark pending: %v", err)
	}
	ev, err := s.NextPending(ctx, since)
	if err != nil || ev == nil {
		t.Fatalf("requeued event not visible: %+v err=%v", ev, err)
	}
	if ev.RetryCount != 0 {
		t.Fatalf("requeue changed retry count: %d", ev.RetryCount)
	}

	if err := s.MarkFailed(ctx, id, 3, "session not found"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	events, err := s.QueryEvents(ctx, store.EventFilter{Status: store.StatusFailed})
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 failed event, got %d", len(events))
	}
	got := events[0]
	if got.ErrorMessage != "session not found" || got.RetryCount != 3 {
		t.Fatalf("unexpected failed event: %+v", got)
	}
	if got.ProcessedAt == nil {
		t.Fatal("failed event missing processed_at")
	}
}

func TestStore_QueryEventsFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	enqueueTest(t, s, "sess-a", "PreToolUse", "100:12222")
	enqueueTest(t, s, "sess-a", "Stop", "100:12222")
	enqueueTest(t, s, "sess-b", "PreToolUse", "200:12223")

	events, err := s.QueryEvents(ctx, store.EventFilter{SessionID: "sess-a"})
	if err != nil {
		t.Fatalf("query by session: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for sess-a, got %d", len(events))
	}
	// Newest first.
	if events[0].ID < events[1].ID {
		t.Fatalf("events not newest-first: %d before %d", events[0].ID, events[1].ID)
	}

	events, err = s.QueryEvents(ctx, store.EventFilter{HookEventName: "PreToolUse", SessionID: "sess-b"})
	if err != nil {
		t.Fatalf("query combined: %v", err)
	}
	if len(events) != 1 || events[0].SessionID != "sess-b" {
		t.Fatalf("unexpected combined filter result: %+v", events)
	}

	events, err = s.QueryEvents(ctx, store.EventFilter{Limit: 1})
	if err != nil {
		t.Fatalf("query with limit: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("limit not applied: got %d", len(events))
	}
}

func TestStore_LastEventStatusForInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	status, err := s.LastEventStatusForInstance(ctx, "999:12299")
	if err != nil {
		t.Fatalf("last status: %v", err)
	}
	if status != "" {
		t.Fatalf("expected empty status for unknown instance, got %q", status)
	}

	first := enqueueTest(t, s, "sess-1", "PreToolUse", "100:12222")
	second := enqueueTest(t, s, "sess-1", "Stop", "100:12222")
	if err := s.MarkCompleted(ctx, first, 0); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := s.MarkProcessing(ctx, second); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	status, err = s.LastEventStatusForInstance(ctx, "100:12222")
	if err != nil {
		t.Fatalf("last status: %v", err)
	}
	if status != store.StatusProcessing {
		t.Fatalf("expected most recent event's status, got %q", status)
	}
}

func TestStore_EventByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := enqueueTest(t, s, "sess-1", "Stop", "1:12222")
	ev, err := s.EventByID(ctx, id)
	if err != nil {
		t.Fatalf("event by id: %v", err)
	}
	if ev == nil || ev.ID != id || ev.Status != store.StatusPending {
		t.Fatalf("unexpected event: %+v", ev)
	}

	ev, err = s.EventByID(ctx, id+1000)
	if err != nil {
		t.Fatalf("event by id (absent): %v", err)
	}
	if ev != nil {
		t.Fatalf("expected nil for absent event, got %+v", ev)
	}
}

func TestStore_EventStatusCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// More pending events than any single query page so the counts are
	// proven to come from SQL aggregation.
	for i := 0; i < 120; i++ {
		enqueueTest(t, s, "sess-1", "Stop", "1:12222")
	}
	done := enqueueTest(t, s, "sess-1", "Stop", "1:12222")
	if err := s.MarkCompleted(ctx, done, 0); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	failed := enqueueTest(t, s, "sess-1", "Stop", "1:12222")
	if err := s.MarkFailed(ctx, failed, 2, "boom"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	enqueueTest(t, s, "sess-2", "Stop", "2:12223")

	counts, err := s.EventStatusCounts(ctx, "1:12222")
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts[store.StatusPending] != 120 {
		t.Fatalf("pending count capped or wrong: %d", counts[store.StatusPending])
	}
	if counts[store.StatusCompleted] != 1 || counts[store.StatusFailed] != 1 {
		t.Fatalf("unexpected counts: %+v", counts)
	}
	if counts[store.StatusProcessing] != 0 {
		t.Fatalf("processing should be zero: %+v", counts)
	}

	other, err := s.EventStatusCounts(ctx, "2:12223")
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if other[store.StatusPending] != 1 {
		t.Fatalf("counts not scoped by instance: %+v", other)
	}
}
