package store

import "context"

// RecordSyncBatch appends one row to sync_transactions: an observability
// trail of batches the Router forwarded, distinct from audit_log's
// security-focused events and from the branch-local high-water mark that
// actually drives dedup, §6 "Persisted state layout".
func (s *Store) RecordSyncBatch(ctx context.Context, tenantID, originBranchID, batchID string, changeCount int) error {
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO sync_transactions (tenant_id, origin_branch_id, batch_id, change_count)
			VALUES ($1, $2, $3, $4)
		`, tenantID, originBranchID, batchID, changeCount)
		return nil, err
	})
}
