package store

import (
	"context"

	"github.com/syncmesh/hub/internal/domain/model"
)

// GetBranch implements auth.BranchStore, §4.2 step 3, and backs the
// Router's branch directory cache, §4.5 step 3 / SPEC_FULL.md Supplemented
// Feature 4.
func (s *Store) GetBranch(ctx context.Context, tenantID, branchID string) (model.Branch, error) {
	return query(s, func() (model.Branch, error) {
		var b model.Branch
		err := s.pool.QueryRow(ctx, `
			SELECT tenant_id, id, display_name, api_key_hash, status, created_at
			FROM branches WHERE tenant_id = $1 AND id = $2
		`, tenantID, branchID).Scan(&b.TenantID, &b.ID, &b.DisplayName, &b.APIKeyHash, &b.Status, &b.CreatedAt)
		return b, err
	})
}

// BranchExists answers registry.BranchDirectory's existence check against
// Postgres; internal/cache wraps this with an LRU, and that wrapper is what
// implements registry.BranchDirectory for the Router's hot path.
func (s *Store) BranchExists(ctx context.Context, tenantID, branchID string) (bool, error) {
	return query(s, func() (bool, error) {
		var exists bool
		err := s.pool.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM branches WHERE tenant_id = $1 AND id = $2)
		`, tenantID, branchID).Scan(&exists)
		return exists, err
	})
}

// ListBranchIDs backs registry.BranchDirectory's broadcast-fan-out
// enumeration through internal/cache, §4.5 step 3 broadcast path.
func (s *Store) ListBranchIDs(ctx context.Context, tenantID string) ([]string, error) {
	return query(s, func() ([]string, error) {
		rows, err := s.pool.Query(ctx, `SELECT id FROM branches WHERE tenant_id = $1`, tenantID)
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

// UpsertBranch creates or updates a branch record.
func (s *Store) UpsertBranch(ctx context.Context, b model.Branch) error {
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO branches (tenant_id, id, display_name, api_key_hash, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (tenant_id, id) DO UPDATE SET
				display_name = EXCLUDED.display_name,
				api_key_hash = EXCLUDED.api_key_hash,
				status       = EXCLUDED.status
		`, b.TenantID, b.ID, b.DisplayName, b.APIKeyHash, b.Status, b.CreatedAt)
		return nil, err
	})
}

// SetBranchStatus flips a branch's online/offline status. Nothing in this
// module calls it: the Registry does not update branch status on Insert or
// Remove.
func (s *Store) SetBranchStatus(ctx context.Context, tenantID, branchID string, status model.BranchStatus) error {
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, `
			UPDATE branches SET status = $3 WHERE tenant_id = $1 AND id = $2
		`, tenantID, branchID, status)
		return nil, err
	})
}
