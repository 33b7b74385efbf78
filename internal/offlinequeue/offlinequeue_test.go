package offlinequeue

import (
	"context"
	"testing"
	"time"

	"github.com/syncmesh/hub/internal/domain/model"
)

func TestEnqueueAppliesDefaults(t *testing.T) {
	store := NewMemStore()
	q := New(store)

	if err := q.Enqueue(context.Background(), model.OfflineEntry{TenantID: "t1", TargetBranchID: "b1"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	entries, err := store.Drain(context.Background(), "t1", "b1", 10)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Drain() returned %d entries, want 1", len(entries))
	}
	if entries[0].Priority != DefaultPriority {
		t.Errorf("Priority = %d, want %d", entries[0].Priority, DefaultPriority)
	}
	if entries[0].TTLDeadline.Before(time.Now()) {
		t.Error("TTLDeadline defaulted to a past time")
	}
}

func TestDrainOrdersPriorityDescThenEnqueuedAtAsc(t *testing.T) {
	store := NewMemStore()
	q := New(store)
	ctx := context.Background()
	base := time.Now()

	must := func(e model.OfflineEntry) {
		t.Helper()
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	must(model.OfflineEntry{TenantID: "t1", TargetBranchID: "b1", Priority: 1, EnqueuedAt: base, TTLDeadline: base.Add(time.Hour)})
	must(model.OfflineEntry{TenantID: "t1", TargetBranchID: "b1", Priority: 9, EnqueuedAt: base.Add(time.Second), TTLDeadline: base.Add(time.Hour)})
	must(model.OfflineEntry{TenantID: "t1", TargetBranchID: "b1", Priority: 9, EnqueuedAt: base, TTLDeadline: base.Add(time.Hour)})

	entries, err := q.Drain(ctx, "t1", "b1", 10)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Drain() returned %d entries, want 3", len(entries))
	}
	if entries[0].Priority != 9 || !entries[0].EnqueuedAt.Equal(base) {
		t.Errorf("entries[0] = %+v, want priority 9 enqueued at base", entries[0])
	}
	if entries[1].Priority != 9 || !entries[1].EnqueuedAt.Equal(base.Add(time.Second)) {
		t.Errorf("entries[1] = %+v, want priority 9 enqueued a second later", entries[1])
	}
	if entries[2].Priority != 1 {
		t.Errorf("entries[2] priority = %d, want 1", entries[2].Priority)
	}
}

func TestExpireRemovesOnlyPastDeadline(t *testing.T) {
	store := NewMemStore()
	q := New(store)
	ctx := context.Background()
	now := time.Now()

	if err := q.Enqueue(ctx, model.OfflineEntry{TenantID: "t1", TargetBranchID: "b1", TTLDeadline: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if err := q.Enqueue(ctx, model.OfflineEntry{TenantID: "t1", TargetBranchID: "b1", TTLDeadline: now.Add(time.Hour)}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	expired, err := q.Expire(ctx, now)
	if err != nil {
		t.Fatalf("Expire() error = %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("Expire() returned %d entries, want 1", len(expired))
	}

	remaining, err := store.Drain(ctx, "t1", "b1", 10)
	if err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("Drain() after Expire returned %d entries, want 1", len(remaining))
	}
}
