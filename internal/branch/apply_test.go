package branch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/vclock"
)

type memConflictRecordStore struct{ records []model.ConflictRecord }

func (s *memConflictRecordStore) Save(_ context.Context, rec model.ConflictRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func newResolver() (*conflict.Resolver, *memConflictRecordStore) {
	conflicts := &memConflictRecordStore{}
	return conflict.New(newConflictStore(), conflicts, discardLogger()), conflicts
}

// conflictMemStore adapts branch's discardLogger-style test helpers to
// conflict.Store without importing conflict's own unexported test helper.
type conflictMemStore struct {
	records map[string]conflict.Record
}

func newConflictStore() *conflictMemStore {
	return &conflictMemStore{records: make(map[string]conflict.Record)}
}

func (s *conflictMemStore) Get(_ context.Context, tenantID, table, pk string) (conflict.Record, bool, error) {
	rec, ok := s.records[tenantID+"/"+table+"/"+pk]
	return rec, ok, nil
}

func (s *conflictMemStore) Set(_ context.Context, tenantID, table, pk string, rec conflict.Record) error {
	s.records[tenantID+"/"+table+"/"+pk] = rec
	return nil
}

func batchPayload(batchID string, changes ...protocol.Change) protocol.SyncBatchPayload {
	return protocol.SyncBatchPayload{BatchID: batchID, Changes: changes}
}

func TestApplyPipelineAppliesNewChangesAndAcks(t *testing.T) {
	store := NewMemStore()
	resolver, _ := newResolver()
	sender := &recordingSender{}
	p := NewApplyPipeline("t1", "local", store, resolver, sender, discardLogger())

	ch := protocol.Change{Table: "customers", PrimaryKey: "7", ChangeID: 1, VClock: vclock.VectorClock{"A": 1}}
	if err := p.Handle(context.Background(), "A", batchPayload("b1", ch), time.Now(), model.Tenant{}); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if len(store.Applied()) != 1 {
		t.Fatalf("Applied() = %d changes, want 1", len(store.Applied()))
	}

	if sender.count() != 1 {
		t.Fatalf("sent %d envelopes, want 1 (SyncAck)", sender.count())
	}
	var ack protocol.SyncAckPayload
	if err := json.Unmarshal(sender.last().Payload, &ack); err != nil {
		t.Fatalf("Unmarshal(ack) error = %v", err)
	}
	if len(ack.AppliedIDs) != 1 || ack.AppliedIDs[0] != 1 {
		t.Errorf("AppliedIDs = %v, want [1]", ack.AppliedIDs)
	}

	hwm, err := store.HighWaterMark(context.Background(), "A")
	if err != nil {
		t.Fatalf("HighWaterMark() error = %v", err)
	}
	if hwm != 1 {
		t.Errorf("HighWaterMark = %d, want 1", hwm)
	}
}

func TestApplyPipelineDedupsByHighWaterMark(t *testing.T) {
	store := NewMemStore()
	resolver, _ := newResolver()
	sender := &recordingSender{}
	p := NewApplyPipeline("t1", "local", store, resolver, sender, discardLogger())
	ctx := context.Background()

	first := protocol.Change{Table: "t", PrimaryKey: "1", ChangeID: 5, VClock: vclock.VectorClock{"A": 1}}
	if err := p.Handle(ctx, "A", batchPayload("b1", first), time.Now(), model.Tenant{}); err != nil {
		t.Fatalf("Handle(first) error = %v", err)
	}

	// Resend the same batch (at-least-once redelivery): must be a no-op.
	if err := p.Handle(ctx, "A", batchPayload("b2", first), time.Now(), model.Tenant{}); err != nil {
		t.Fatalf("Handle(resend) error = %v", err)
	}
	if len(store.Applied()) != 1 {
		t.Fatalf("Applied() = %d changes after resend, want 1 (deduped)", len(store.Applied()))
	}
}

func TestApplyPipelineResolvesConflictAndNotifiesLoser(t *testing.T) {
	store := NewMemStore()
	resolver, conflicts := newResolver()
	sender := &recordingSender{}
	p := NewApplyPipeline("t1", "local", store, resolver, sender, discardLogger())
	ctx := context.Background()
	tenant := model.Tenant{ConflictStrategy: model.StrategyLastWriteWins}

	base := time.Now()
	changeA := protocol.Change{Table: "customers", PrimaryKey: "7", ChangeID: 1, VClock: vclock.VectorClock{"A": 5, "B": 3}}
	if err := p.Handle(ctx, "A", batchPayload("b1", changeA), base, tenant); err != nil {
		t.Fatalf("Handle(A) error = %v", err)
	}

	changeB := protocol.Change{Table: "customers", PrimaryKey: "7", ChangeID: 1, VClock: vclock.VectorClock{"A": 3, "B": 5}}
	if err := p.Handle(ctx, "B", batchPayload("b2", changeB), base.Add(time.Second), tenant); err != nil {
		t.Fatalf("Handle(B) error = %v", err)
	}

	if len(conflicts.records) != 1 {
		t.Fatalf("len(conflicts.records) = %d, want 1", len(conflicts.records))
	}
	if conflicts.records[0].Winner != "B" {
		t.Errorf("Winner = %q, want B", conflicts.records[0].Winner)
	}

	// B beat A, and this apply was keyed by origin "B" so no notification
	// is due back to B itself; there is no A-origin batch left pending in
	// this test, so just confirm a notification plus the SyncAck were
	// both sent.
	var sawNotification bool
	for _, env := range sender.sent {
		if env.Kind == protocol.KindConflictNotification {
			sawNotification = true
		}
	}
	if !sawNotification {
		t.Error("expected a ConflictNotification to the losing origin")
	}
}
