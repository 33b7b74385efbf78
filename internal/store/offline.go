package store

import (
	"context"
	"time"

	"github.com/syncmesh/hub/internal/domain/model"
)

// Enqueue implements offlinequeue.Store.
func (s *Store) Enqueue(ctx context.Context, entry model.OfflineEntry) error {
	return s.run(func() (any, error) {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO offline_messages (tenant_id, target_branch_id, envelope_bytes, priority, ttl_deadline, enqueued_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, entry.TenantID, entry.TargetBranchID, entry.EnvelopeBytes, entry.Priority, entry.TTLDeadline, entry.EnqueuedAt)
		return nil, err
	})
}

// Drain implements offlinequeue.Store: priority DESC then enqueued_at ASC,
// removed in the same transaction as read so a concurrent drain can never
// double-deliver, §4.6.
func (s *Store) Drain(ctx context.Context, tenantID, branchID string, max int) ([]model.OfflineEntry, error) {
	return query(s, func() ([]model.OfflineEntry, error) {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return nil, err
		}
		defer tx.Rollback(ctx)

		rows, err := tx.Query(ctx, `
			SELECT id, tenant_id, target_branch_id, envelope_bytes, priority, ttl_deadline, enqueued_at
			FROM offline_messages
			WHERE tenant_id = $1 AND target_branch_id = $2
			ORDER BY priority DESC, enqueued_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		`, tenantID, branchID, max)
		if err != nil {
			return nil, err
		}

		var entries []model.OfflineEntry
		var ids []int64
		for rows.Next() {
			var e model.OfflineEntry
			if err := rows.Scan(&e.ID, &e.TenantID, &e.TargetBranchID, &e.EnvelopeBytes, &e.Priority, &e.TTLDeadline, &e.EnqueuedAt); err != nil {
				rows.Close()
				return nil, err
			}
			entries = append(entries, e)
			ids = append(ids, e.ID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}

		if len(ids) > 0 {
			if _, err := tx.Exec(ctx, `DELETE FROM offline_messages WHERE id = ANY($1)`, ids); err != nil {
				return nil, err
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
		return entries, nil
	})
}

// Expire implements offlinequeue.Store: removes entries strictly past
// their TTL deadline, §8 "TTL expiry removes entries strictly after
// ttl_deadline wall-clock passes; never before."
func (s *Store) Expire(ctx context.Context, now time.Time) ([]model.OfflineEntry, error) {
	return query(s, func() ([]model.OfflineEntry, error) {
		rows, err := s.pool.Query(ctx, `
			DELETE FROM offline_messages
			WHERE ttl_deadline < $1
			RETURNING id, tenant_id, target_branch_id, envelope_bytes, priority, ttl_deadline, enqueued_at
		`, now)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var entries []model.OfflineEntry
		for rows.Next() {
			var e model.OfflineEntry
			if err := rows.Scan(&e.ID, &e.TenantID, &e.TargetBranchID, &e.EnvelopeBytes, &e.Priority, &e.TTLDeadline, &e.EnqueuedAt); err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return entries, rows.Err()
	})
}
