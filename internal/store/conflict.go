package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/domain/model"
)

// Get implements conflict.Store against the applied_changes table — the
// last Record applied for (tenant, table, primary_key), the comparison
// basis for Resolver.Evaluate, §4.7.
func (s *Store) Get(ctx context.Context, tenantID, table, primaryKey string) (conflict.Record, bool, error) {
	rec, err := query(s, func() (conflict.Record, error) {
		var rec conflict.Record
		var raw []byte
		err := s.pool.QueryRow(ctx, `
			SELECT change, origin_branch_id, created_at
			FROM applied_changes WHERE tenant_id = $1 AND table_name = $2 AND primary_key = $3
		`, tenantID, table, primaryKey).Scan(&raw, &rec.OriginID, &rec.CreatedAt)
		if err != nil {
			return conflict.Record{}, err
		}
		if err := json.Unmarshal(raw, &rec.Change); err != nil {
			return conflict.Record{}, err
		}
		return rec, nil
	})
	if err != nil {
		if err == pgx.ErrNoRows {
			return conflict.Record{}, false, nil
		}
		return conflict.Record{}, false, err
	}
	return rec, true, nil
}

// Set implements conflict.Store, upserting the new last-applied Record.
func (s *Store) Set(ctx context.Context, tenantID, table, primaryKey string, rec conflict.Record) error {
	raw, err := json.Marshal(rec.Change)
	if err != nil {
		return err
	}
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO applied_changes (tenant_id, table_name, primary_key, change, origin_branch_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, table_name, primary_key) DO UPDATE SET
				change           = EXCLUDED.change,
				origin_branch_id = EXCLUDED.origin_branch_id,
				created_at       = EXCLUDED.created_at
		`, tenantID, table, primaryKey, raw, rec.OriginID, rec.CreatedAt)
		return nil, err
	})
}

// Save implements conflict.ConflictStore, appending an audit row to
// conflict_resolutions, §3 "Conflict record".
func (s *Store) Save(ctx context.Context, rec model.ConflictRecord) error {
	changeA, err := json.Marshal(rec.ChangeA)
	if err != nil {
		return err
	}
	changeB, err := json.Marshal(rec.ChangeB)
	if err != nil {
		return err
	}
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO conflict_resolutions (tenant_id, table_name, primary_key, change_a, change_b, strategy, winner, resolved_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, rec.TenantID, rec.Table, rec.PrimaryKey, changeA, changeB, string(rec.Strategy), rec.Winner, rec.ResolvedAt)
		return nil, err
	})
}

// PendingManualConflicts lists unresolved Manual-strategy conflicts,
// backing the admin HTTP surface's conflict inbox.
func (s *Store) PendingManualConflicts(ctx context.Context, tenantID string) ([]model.ConflictRecord, error) {
	return query(s, func() ([]model.ConflictRecord, error) {
		rows, err := s.pool.Query(ctx, `
			SELECT tenant_id, table_name, primary_key, change_a, change_b, strategy, winner, resolved_at
			FROM conflict_resolutions WHERE tenant_id = $1 AND strategy = $2 AND winner = ''
		`, tenantID, string(model.StrategyManual))
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var recs []model.ConflictRecord
		for rows.Next() {
			var rec model.ConflictRecord
			var changeA, changeB []byte
			if err := rows.Scan(&rec.TenantID, &rec.Table, &rec.PrimaryKey, &changeA, &changeB, &rec.Strategy, &rec.Winner, &rec.ResolvedAt); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(changeA, &rec.ChangeA); err != nil {
				return nil, err
			}
			if err := json.Unmarshal(changeB, &rec.ChangeB); err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
		return recs, rows.Err()
	})
}
