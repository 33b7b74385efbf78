package branch

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/vclock"
)

// getTestPGStore connects to TEST_BRANCH_DATABASE_URL, skipping when no
// test database is configured — same gating idiom as
// internal/store/store_test.go's getTestStore.
func getTestPGStore(t *testing.T) *PGStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := os.Getenv("TEST_BRANCH_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_BRANCH_DATABASE_URL not set, skipping integration tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pgxpool.New() error = %v", err)
	}
	t.Cleanup(pool.Close)

	s := NewPGStore(pool, "branch-a")
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sync_change_log (
			change_id   BIGSERIAL PRIMARY KEY,
			table_name  TEXT NOT NULL,
			op          TEXT NOT NULL,
			primary_key TEXT NOT NULL,
			row_data    JSONB,
			status      TEXT NOT NULL DEFAULT 'pending',
			batch_id    TEXT
		);
		CREATE TABLE IF NOT EXISTS widgets (id TEXT PRIMARY KEY, name TEXT);
	`); err != nil {
		t.Fatalf("create test fixture tables: %v", err)
	}
	for _, table := range []string{"sync_change_log", "sync_branch_state", "sync_high_water_marks", "sync_applied_changes", "sync_conflict_resolutions", "widgets"} {
		if _, err := pool.Exec(ctx, "DELETE FROM "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return s
}

func TestPGStoreVClockRoundTrip(t *testing.T) {
	s := getTestPGStore(t)
	ctx := context.Background()

	got, err := s.VClock(ctx)
	if err != nil {
		t.Fatalf("VClock() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("VClock() on empty store = %v, want empty", got)
	}

	vc := vclock.VectorClock{"branch-a": 3, "branch-b": 1}
	if err := s.SetVClock(ctx, vc); err != nil {
		t.Fatalf("SetVClock() error = %v", err)
	}

	got, err = s.VClock(ctx)
	if err != nil {
		t.Fatalf("VClock() error = %v", err)
	}
	if !vclock.Equal(got, vc) {
		t.Errorf("VClock() = %v, want %v", got, vc)
	}
}

func TestPGStoreHighWaterMarkMonotonic(t *testing.T) {
	s := getTestPGStore(t)
	ctx := context.Background()

	hwm, err := s.HighWaterMark(ctx, "branch-b")
	if err != nil || hwm != 0 {
		t.Fatalf("HighWaterMark() = (%v, %v), want (0, nil)", hwm, err)
	}

	if err := s.SetHighWaterMark(ctx, "branch-b", 10); err != nil {
		t.Fatalf("SetHighWaterMark(10) error = %v", err)
	}
	if err := s.SetHighWaterMark(ctx, "branch-b", 5); err != nil {
		t.Fatalf("SetHighWaterMark(5) error = %v", err)
	}

	hwm, err = s.HighWaterMark(ctx, "branch-b")
	if err != nil || hwm != 10 {
		t.Fatalf("HighWaterMark() = (%v, %v), want (10, nil) after a lower write", hwm, err)
	}
}

func TestPGStoreUnsyncedRowsAndMarking(t *testing.T) {
	s := getTestPGStore(t)
	ctx := context.Background()
	pool := s.pool

	if _, err := pool.Exec(ctx, `
		INSERT INTO sync_change_log (table_name, op, primary_key, row_data)
		VALUES ('widgets', 'INSERT', '1', '{"id":"1","name":"gear"}')
	`); err != nil {
		t.Fatalf("seed change log: %v", err)
	}

	rows, err := s.UnsyncedRows(ctx, 10)
	if err != nil {
		t.Fatalf("UnsyncedRows() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Table != "widgets" || rows[0].Op != protocol.OpInsert {
		t.Fatalf("UnsyncedRows() = %+v, want one pending INSERT on widgets", rows)
	}

	changeID := rows[0].ChangeID
	if err := s.MarkInFlight(ctx, []uint64{changeID}, "batch-1"); err != nil {
		t.Fatalf("MarkInFlight() error = %v", err)
	}
	if remaining, err := s.UnsyncedRows(ctx, 10); err != nil || len(remaining) != 0 {
		t.Fatalf("UnsyncedRows() after MarkInFlight = (%v, %v), want empty", remaining, err)
	}

	if err := s.MarkSynced(ctx, []uint64{changeID}); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
}

func TestPGStoreApplyChangesUpsertAndDelete(t *testing.T) {
	s := getTestPGStore(t)
	ctx := context.Background()

	insert := protocol.Change{
		Table: "widgets", Op: protocol.OpInsert, PrimaryKey: "42",
		Row: map[string]any{"name": "sprocket"},
	}
	if err := s.ApplyChanges(ctx, []protocol.Change{insert}); err != nil {
		t.Fatalf("ApplyChanges(insert) error = %v", err)
	}

	var name string
	if err := s.pool.QueryRow(ctx, `SELECT name FROM widgets WHERE id = $1`, "42").Scan(&name); err != nil {
		t.Fatalf("query inserted row: %v", err)
	}
	if name != "sprocket" {
		t.Errorf("name = %q, want sprocket", name)
	}

	update := protocol.Change{
		Table: "widgets", Op: protocol.OpUpdate, PrimaryKey: "42",
		Row: map[string]any{"name": "widget-mk2"},
	}
	if err := s.ApplyChanges(ctx, []protocol.Change{update}); err != nil {
		t.Fatalf("ApplyChanges(update) error = %v", err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT name FROM widgets WHERE id = $1`, "42").Scan(&name); err != nil {
		t.Fatalf("query updated row: %v", err)
	}
	if name != "widget-mk2" {
		t.Errorf("name after update = %q, want widget-mk2", name)
	}

	del := protocol.Change{Table: "widgets", Op: protocol.OpDelete, PrimaryKey: "42"}
	if err := s.ApplyChanges(ctx, []protocol.Change{del}); err != nil {
		t.Fatalf("ApplyChanges(delete) error = %v", err)
	}
	err := s.pool.QueryRow(ctx, `SELECT name FROM widgets WHERE id = $1`, "42").Scan(&name)
	if err == nil {
		t.Fatal("row still present after delete")
	}
}

func TestPGStoreConflictStoreRoundTrip(t *testing.T) {
	s := getTestPGStore(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "t1", "widgets", "7")
	if err != nil || ok {
		t.Fatalf("Get() on empty store = (%v, %v), want not found", ok, err)
	}

	rec := conflict.Record{
		Change:    protocol.Change{Table: "widgets", PrimaryKey: "7", ChangeID: 1, VClock: vclock.VectorClock{"branch-a": 1}},
		OriginID:  "branch-a",
		CreatedAt: time.Now().Truncate(time.Millisecond),
	}
	if err := s.Set(ctx, "t1", "widgets", "7", rec); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := s.Get(ctx, "t1", "widgets", "7")
	if err != nil || !ok {
		t.Fatalf("Get() = (%+v, %v, %v), want found", got, ok, err)
	}
	if got.OriginID != "branch-a" || got.Change.ChangeID != 1 {
		t.Errorf("Get() = %+v, want OriginID=branch-a ChangeID=1", got)
	}

	conflictRec := model.ConflictRecord{
		TenantID: "t1", Table: "widgets", PrimaryKey: "7",
		ChangeA: rec.Change, ChangeB: rec.Change,
		Strategy: model.StrategyManual, ResolvedAt: time.Now(),
	}
	if err := s.Save(ctx, conflictRec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
}
