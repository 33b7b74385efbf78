package store

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/syncmesh/hub/internal/domain/model"
)

// GetTenant implements auth.TenantStore, §4.2 step 2.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (model.Tenant, error) {
	return query(s, func() (model.Tenant, error) {
		var t model.Tenant
		var sourcePriority []byte
		err := s.pool.QueryRow(ctx, `
			SELECT id, status, max_branches, rate_limit_per_sec, conflict_strategy, source_priority, created_at
			FROM tenants WHERE id = $1
		`, tenantID).Scan(&t.ID, &t.Status, &t.MaxBranches, &t.RateLimitPerSec, &t.ConflictStrategy, &sourcePriority, &t.CreatedAt)
		if err != nil {
			if err == pgx.ErrNoRows {
				return model.Tenant{}, err
			}
			return model.Tenant{}, err
		}
		if len(sourcePriority) > 0 {
			if err := json.Unmarshal(sourcePriority, &t.SourcePriority); err != nil {
				return model.Tenant{}, err
			}
		}
		return t, nil
	})
}

// ListTenantIDs enumerates every known tenant, for the hub's startup-time
// pubsub.Bus.Pump wiring (one consumer goroutine per tenant topic).
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	return query(s, func() ([]string, error) {
		rows, err := s.pool.Query(ctx, `SELECT id FROM tenants`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, rows.Err()
	})
}

// UpsertTenant creates or updates a tenant record; used by the admin
// collaborator's onboarding flow (out of scope here beyond the write path
// itself, §1 "treated as external collaborators").
func (s *Store) UpsertTenant(ctx context.Context, t model.Tenant) error {
	sourcePriority, err := json.Marshal(t.SourcePriority)
	if err != nil {
		return err
	}
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO tenants (id, status, max_branches, rate_limit_per_sec, conflict_strategy, source_priority, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO UPDATE SET
				status             = EXCLUDED.status,
				max_branches       = EXCLUDED.max_branches,
				rate_limit_per_sec = EXCLUDED.rate_limit_per_sec,
				conflict_strategy  = EXCLUDED.conflict_strategy,
				source_priority    = EXCLUDED.source_priority
		`, t.ID, t.Status, t.MaxBranches, t.RateLimitPerSec, t.ConflictStrategy, sourcePriority, t.CreatedAt)
		return nil, err
	})
}
