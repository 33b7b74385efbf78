package offlinequeue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/syncmesh/hub/internal/domain/model"
)

// MemStore is an in-memory Store, used by tests and standalone branch
// deployments that run without Postgres.
type MemStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[string][]model.OfflineEntry // keyed by tenant_id + "/" + branch_id
}

func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[string][]model.OfflineEntry)}
}

func memKey(tenantID, branchID string) string { return tenantID + "/" + branchID }

func (m *MemStore) Enqueue(_ context.Context, entry model.OfflineEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry.ID == 0 {
		m.nextID++
		entry.ID = m.nextID
	}
	k := memKey(entry.TenantID, entry.TargetBranchID)
	m.entries[k] = append(m.entries[k], entry)
	return nil
}

func (m *MemStore) Drain(_ context.Context, tenantID, branchID string, max int) ([]model.OfflineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := memKey(tenantID, branchID)
	entries := m.entries[k]
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority // priority DESC
		}
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt) // enqueued_at ASC
	})

	if max <= 0 || max > len(entries) {
		max = len(entries)
	}
	drained := entries[:max]
	m.entries[k] = entries[max:]

	out := make([]model.OfflineEntry, len(drained))
	copy(out, drained)
	return out, nil
}

func (m *MemStore) Expire(_ context.Context, now time.Time) ([]model.OfflineEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []model.OfflineEntry
	for k, entries := range m.entries {
		var kept []model.OfflineEntry
		for _, e := range entries {
			if e.Expired(now) {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		m.entries[k] = kept
	}
	return expired, nil
}
