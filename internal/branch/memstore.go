package branch

import (
	"context"
	"sort"
	"sync"

	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/vclock"
)

// MemStore is an in-memory ReaderStore/ApplyStore/conflict.Store, used by
// tests and by branch deployments that run without a local database of
// their own.
type MemStore struct {
	mu sync.Mutex

	rows     map[uint64]ChangeRow
	pending  []uint64 // unsynced change_ids, insertion order
	inFlight map[uint64]string

	vc vclock.VectorClock

	highWaterMarks map[string]uint64
	applied        []protocol.Change

	conflictRecords map[string]conflict.Record
	resolutions     []model.ConflictRecord
}

func NewMemStore() *MemStore {
	return &MemStore{
		rows:            make(map[uint64]ChangeRow),
		inFlight:        make(map[uint64]string),
		vc:              vclock.New(),
		highWaterMarks:  make(map[string]uint64),
		conflictRecords: make(map[string]conflict.Record),
	}
}

// Append adds a row to the local change log, as a CDC trigger would.
func (m *MemStore) Append(row ChangeRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ChangeID] = row
	m.pending = append(m.pending, row.ChangeID)
}

func (m *MemStore) UnsyncedRows(_ context.Context, max int) ([]ChangeRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sort.Slice(m.pending, func(i, j int) bool { return m.pending[i] < m.pending[j] })
	if max <= 0 || max > len(m.pending) {
		max = len(m.pending)
	}
	out := make([]ChangeRow, 0, max)
	for _, id := range m.pending[:max] {
		out = append(out, m.rows[id])
	}
	return out, nil
}

func (m *MemStore) MarkInFlight(_ context.Context, changeIDs []uint64, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inFlight := make(map[uint64]bool, len(changeIDs))
	for _, id := range changeIDs {
		m.inFlight[id] = batchID
		inFlight[id] = true
	}
	kept := m.pending[:0]
	for _, id := range m.pending {
		if !inFlight[id] {
			kept = append(kept, id)
		}
	}
	m.pending = kept
	return nil
}

func (m *MemStore) MarkSynced(_ context.Context, changeIDs []uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range changeIDs {
		delete(m.rows, id)
		delete(m.inFlight, id)
	}
	return nil
}

func (m *MemStore) VClock(_ context.Context) (vclock.VectorClock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vc.Clone(), nil
}

func (m *MemStore) SetVClock(_ context.Context, vc vclock.VectorClock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vc = vc.Clone()
	return nil
}

func (m *MemStore) HighWaterMark(_ context.Context, originBranchID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWaterMarks[originBranchID], nil
}

func (m *MemStore) SetHighWaterMark(_ context.Context, originBranchID string, changeID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if changeID > m.highWaterMarks[originBranchID] {
		m.highWaterMarks[originBranchID] = changeID
	}
	return nil
}

func (m *MemStore) ApplyChanges(_ context.Context, changes []protocol.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, changes...)
	return nil
}

// Applied returns every change ApplyChanges has committed, for assertions.
func (m *MemStore) Applied() []protocol.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.Change, len(m.applied))
	copy(out, m.applied)
	return out
}

func conflictKey(tenantID, table, primaryKey string) string {
	return tenantID + "\x00" + table + "\x00" + primaryKey
}

// Get implements conflict.Store.
func (m *MemStore) Get(_ context.Context, tenantID, table, primaryKey string) (conflict.Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.conflictRecords[conflictKey(tenantID, table, primaryKey)]
	return rec, ok, nil
}

// Set implements conflict.Store.
func (m *MemStore) Set(_ context.Context, tenantID, table, primaryKey string, rec conflict.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflictRecords[conflictKey(tenantID, table, primaryKey)] = rec
	return nil
}

// Save implements conflict.ConflictStore.
func (m *MemStore) Save(_ context.Context, rec model.ConflictRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolutions = append(m.resolutions, rec)
	return nil
}

// Resolutions returns every ConflictRecord Save has persisted, for
// assertions.
func (m *MemStore) Resolutions() []model.ConflictRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ConflictRecord, len(m.resolutions))
	copy(out, m.resolutions)
	return out
}
