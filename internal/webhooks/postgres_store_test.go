package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/sentineldata/fraudwatch/internal/testutil"
)

func TestPostgresStore_CRUD(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_pg1",
		Name:      "siem feed",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventAlertCreated, EventAssessmentFlagged},
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_pg1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "siem feed" {
		t.Errorf("Expected name, got %s", got.Name)
	}
	if len(got.Events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(got.Events))
	}
	if got.Secret != "secret123" {
		t.Errorf("Expected secret round-trip, got %s", got.Secret)
	}

	// Update delivery state
	now := time.Now().UTC()
	got.LastSuccess = &now
	got.LastError = ""
	got.ConsecutiveFailures = 0
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_pg1")
	if got.LastSuccess == nil {
		t.Error("Expected lastSuccess after update")
	}

	// Delete
	if err := store.Delete(ctx, "wh_pg1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_pg1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestPostgresStore_GetByEvent(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	store.Create(ctx, &Subscription{
		ID: "wh_pg_ev1", URL: "https://example.com/a", Secret: "s",
		Events: []EventType{EventAlertCreated}, Active: true, CreatedAt: time.Now(),
	})
	store.Create(ctx, &Subscription{
		ID: "wh_pg_ev2", URL: "https://example.com/b", Secret: "s",
		Events: []EventType{EventAlertStatusChanged}, Active: true, CreatedAt: time.Now(),
	})
	store.Create(ctx, &Subscription{
		ID: "wh_pg_ev3", URL: "https://example.com/c", Secret: "s",
		Events: []EventType{EventAlertCreated}, Active: false, CreatedAt: time.Now(),
	})

	subs, err := store.GetByEvent(ctx, EventAlertCreated)
	if err != nil {
		t.Fatalf("GetByEvent failed: %v", err)
	}
	// Inactive subscriptions are filtered in the query
	if len(subs) != 1 {
		t.Fatalf("Expected 1 active sub for alert.created, got %d", len(subs))
	}
	if subs[0].ID != "wh_pg_ev1" {
		t.Errorf("Expected wh_pg_ev1, got %s", subs[0].ID)
	}
}

func TestPostgresStore_List(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()

	base := time.Now().UTC()
	store.Create(ctx, &Subscription{
		ID: "wh_pg_l1", URL: "https://example.com/a", Secret: "s",
		Events: []EventType{EventAlertCreated}, Active: true, CreatedAt: base.Add(-time.Hour),
	})
	store.Create(ctx, &Subscription{
		ID: "wh_pg_l2", URL: "https://example.com/b", Secret: "s",
		Events: []EventType{EventAlertCreated}, Active: true, CreatedAt: base,
	})

	subs, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subs, got %d", len(subs))
	}
	// Newest first
	if subs[0].ID != "wh_pg_l2" {
		t.Errorf("Expected wh_pg_l2 first, got %s", subs[0].ID)
	}
}
