package branch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/vclock"
)

// PGStore is the Postgres-backed ReaderStore/ApplyStore for a branch
// agent running against its own local database (LOCAL_DATABASE_URL),
// grounded on internal/store.Store's pool-construction idiom
// (erauner12-toolbridge-api/internal/db/pg.go), scoped down here: a
// branch agent is one process polling one database, so there's no
// concurrent-query load to justify that package's circuit breaker — a
// failed local query already just delays the next poll tick.
//
// The change log table this reads from (sync_change_log) is populated by
// database triggers on the tracked tables, out of scope per spec.md §1
// ("the database triggers that populate the per-branch CDC log table").
// Its expected shape:
//
//	CREATE TABLE sync_change_log (
//	    change_id   BIGSERIAL PRIMARY KEY,
//	    table_name  TEXT NOT NULL,
//	    op          TEXT NOT NULL,       -- INSERT, UPDATE, DELETE
//	    primary_key TEXT NOT NULL,
//	    row_data    JSONB,
//	    status      TEXT NOT NULL DEFAULT 'pending', -- pending, in_flight, synced
//	    batch_id    TEXT
//	);
//
// primary_key is opaque to the relay (spec.md §3 "primary_key (opaque)"),
// but applying a row back to its table needs a column name: this store
// assumes the tracked tables' primary key column is named "id". That's
// an Open Question decision (DESIGN.md), not a protocol requirement —
// branches with a differently-named key would need a different ApplyStore.
type PGStore struct {
	pool     *pgxpool.Pool
	branchID string
}

func NewPGStore(pool *pgxpool.Pool, branchID string) *PGStore {
	return &PGStore{pool: pool, branchID: branchID}
}

// pgStoreSchemaDDL creates the branch-local bookkeeping tables this store
// needs beyond sync_change_log (which belongs to the out-of-scope trigger
// setup). Idempotent, following internal/store/schema.go's own
// CREATE-TABLE-IF-NOT-EXISTS convention.
const pgStoreSchemaDDL = `
CREATE TABLE IF NOT EXISTS sync_branch_state (
	branch_id  TEXT PRIMARY KEY,
	vclock     JSONB NOT NULL DEFAULT '{}',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sync_high_water_marks (
	origin_branch_id TEXT PRIMARY KEY,
	high_water_mark  BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_applied_changes (
	tenant_id        TEXT NOT NULL,
	table_name       TEXT NOT NULL,
	primary_key      TEXT NOT NULL,
	change           JSONB NOT NULL,
	origin_branch_id TEXT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, table_name, primary_key)
);

CREATE TABLE IF NOT EXISTS sync_conflict_resolutions (
	id          BIGSERIAL PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	table_name  TEXT NOT NULL,
	primary_key TEXT NOT NULL,
	change_a    JSONB NOT NULL,
	change_b    JSONB NOT NULL,
	strategy    TEXT NOT NULL,
	winner      TEXT NOT NULL DEFAULT '',
	resolved_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies pgStoreSchemaDDL. Safe to call on every branch-agent
// startup: every statement is idempotent.
func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgStoreSchemaDDL)
	return err
}

func (s *PGStore) UnsyncedRows(ctx context.Context, max int) ([]ChangeRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT change_id, table_name, op, primary_key, row_data
		FROM sync_change_log
		WHERE status = 'pending'
		ORDER BY change_id ASC
		LIMIT $1
	`, max)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var (
			row     ChangeRow
			op      string
			rawJSON []byte
		)
		if err := rows.Scan(&row.ChangeID, &row.Table, &op, &row.PrimaryKey, &rawJSON); err != nil {
			return nil, err
		}
		row.Op = parseOp(op)
		if len(rawJSON) > 0 {
			if err := json.Unmarshal(rawJSON, &row.Row); err != nil {
				return nil, fmt.Errorf("decode row_data for change %d: %w", row.ChangeID, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *PGStore) MarkInFlight(ctx context.Context, changeIDs []uint64, batchID string) error {
	if len(changeIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_change_log SET status = 'in_flight', batch_id = $1
		WHERE change_id = ANY($2)
	`, batchID, changeIDs)
	return err
}

func (s *PGStore) MarkSynced(ctx context.Context, changeIDs []uint64) error {
	if len(changeIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE sync_change_log SET status = 'synced' WHERE change_id = ANY($1)
	`, changeIDs)
	return err
}

func (s *PGStore) VClock(ctx context.Context) (vclock.VectorClock, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT vclock FROM sync_branch_state WHERE branch_id = $1
	`, s.branchID).Scan(&raw)
	if err == pgx.ErrNoRows {
		return vclock.New(), nil
	}
	if err != nil {
		return nil, err
	}
	vc := vclock.New()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &vc); err != nil {
			return nil, err
		}
	}
	return vc, nil
}

func (s *PGStore) SetVClock(ctx context.Context, vc vclock.VectorClock) error {
	raw, err := json.Marshal(vc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_branch_state (branch_id, vclock, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (branch_id) DO UPDATE SET vclock = EXCLUDED.vclock, updated_at = EXCLUDED.updated_at
	`, s.branchID, raw, time.Now())
	return err
}

func (s *PGStore) HighWaterMark(ctx context.Context, originBranchID string) (uint64, error) {
	var hwm uint64
	err := s.pool.QueryRow(ctx, `
		SELECT high_water_mark FROM sync_high_water_marks WHERE origin_branch_id = $1
	`, originBranchID).Scan(&hwm)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return hwm, err
}

func (s *PGStore) SetHighWaterMark(ctx context.Context, originBranchID string, changeID uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_high_water_marks (origin_branch_id, high_water_mark)
		VALUES ($1, $2)
		ON CONFLICT (origin_branch_id) DO UPDATE SET high_water_mark = GREATEST(sync_high_water_marks.high_water_mark, EXCLUDED.high_water_mark)
	`, originBranchID, changeID)
	return err
}

// ApplyChanges commits every change in one local transaction, §4.9 step
// 3. Each change upserts or deletes against its own table, keyed by the
// "id" column convention documented on PGStore.
func (s *PGStore) ApplyChanges(ctx context.Context, changes []protocol.Change) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, ch := range changes {
		if err := applyOne(ctx, tx, ch); err != nil {
			return fmt.Errorf("apply change %d on %s: %w", ch.ChangeID, ch.Table, err)
		}
	}
	return tx.Commit(ctx)
}

func applyOne(ctx context.Context, tx pgx.Tx, ch protocol.Change) error {
	if ch.Op == protocol.OpDelete {
		_, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, quoteIdent(ch.Table)), ch.PrimaryKey)
		return err
	}

	if len(ch.Row) == 0 {
		return fmt.Errorf("%s op on %s carries no row data", ch.Op, ch.Table)
	}

	columns := make([]string, 0, len(ch.Row)+1)
	placeholders := make([]string, 0, len(ch.Row)+1)
	updates := make([]string, 0, len(ch.Row))
	args := make([]any, 0, len(ch.Row)+1)

	columns = append(columns, "id")
	placeholders = append(placeholders, "$1")
	args = append(args, ch.PrimaryKey)

	i := 2
	for col, val := range ch.Row {
		if col == "id" {
			continue
		}
		columns = append(columns, quoteIdent(col))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col)))
		args = append(args, val)
		i++
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		quoteIdent(ch.Table), strings.Join(columns, ", "), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	_, err := tx.Exec(ctx, query, args...)
	return err
}

// Get implements conflict.Store against sync_applied_changes: the last
// Record applied for (tenant, table, primary_key), the comparison basis
// for conflict.Resolver.Evaluate, §4.7. Mirrors internal/store.Store's
// Get/Set/Save exactly (PGStore has no PendingManualConflicts), scoped to this branch's
// own database rather than the hub's shared metadata store.
func (s *PGStore) Get(ctx context.Context, tenantID, table, primaryKey string) (conflict.Record, bool, error) {
	var rec conflict.Record
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT change, origin_branch_id, created_at
		FROM sync_applied_changes WHERE tenant_id = $1 AND table_name = $2 AND primary_key = $3
	`, tenantID, table, primaryKey).Scan(&raw, &rec.OriginID, &rec.CreatedAt)
	if err == pgx.ErrNoRows {
		return conflict.Record{}, false, nil
	}
	if err != nil {
		return conflict.Record{}, false, err
	}
	if err := json.Unmarshal(raw, &rec.Change); err != nil {
		return conflict.Record{}, false, err
	}
	return rec, true, nil
}

func (s *PGStore) Set(ctx context.Context, tenantID, table, primaryKey string, rec conflict.Record) error {
	raw, err := json.Marshal(rec.Change)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_applied_changes (tenant_id, table_name, primary_key, change, origin_branch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tenant_id, table_name, primary_key) DO UPDATE SET
			change           = EXCLUDED.change,
			origin_branch_id = EXCLUDED.origin_branch_id,
			created_at       = EXCLUDED.created_at
	`, tenantID, table, primaryKey, raw, rec.OriginID, rec.CreatedAt)
	return err
}

// Save implements conflict.ConflictStore, appending an audit row a branch
// operator can review for Manual-strategy conflicts that parked here.
func (s *PGStore) Save(ctx context.Context, rec model.ConflictRecord) error {
	changeA, err := json.Marshal(rec.ChangeA)
	if err != nil {
		return err
	}
	changeB, err := json.Marshal(rec.ChangeB)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sync_conflict_resolutions (tenant_id, table_name, primary_key, change_a, change_b, strategy, winner, resolved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.TenantID, rec.Table, rec.PrimaryKey, changeA, changeB, string(rec.Strategy), rec.Winner, rec.ResolvedAt)
	return err
}

// quoteIdent double-quotes a Postgres identifier. Table/column names in
// Change come from this branch's own trigger configuration (TRACKED_TABLES),
// not from the network, but every other table/column reference in this
// package is parameterized — quoting here keeps that uniform rather than
// trusting an operator-controlled but still string-typed identifier
// unescaped.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func parseOp(op string) protocol.ChangeOp {
	switch op {
	case "INSERT":
		return protocol.OpInsert
	case "UPDATE":
		return protocol.OpUpdate
	case "DELETE":
		return protocol.OpDelete
	default:
		return protocol.OpUnknown
	}
}
