// Package offlinequeue implements the Offline Queue, §4.6: a durable
// per-(tenant,branch) FIFO of undelivered envelopes, drained priority DESC
// then enqueued_at ASC, swept for TTL expiry.
package offlinequeue

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/syncmesh/hub/internal/apperr"
	"github.com/syncmesh/hub/internal/domain/model"
)

// DefaultPriority and DefaultTTL are the Router's fallbacks, §4.5 step 2:
// "push to Offline Queue with default priority 5 and TTL from tenant
// policy (default 24 h)".
const (
	DefaultPriority = 5
	DefaultTTL      = 24 * time.Hour
)

// Store is the durable backing for offline entries, implemented by the
// metadata store's offline_messages table (internal/store) or, for tests, an
// in-memory Store.
type Store interface {
	Enqueue(ctx context.Context, entry model.OfflineEntry) error
	// Drain returns up to max entries for (tenantID, branchID), ordered
	// priority DESC then enqueued_at ASC, and removes them from the
	// store.
	Drain(ctx context.Context, tenantID, branchID string, max int) ([]model.OfflineEntry, error)
	// Expire removes and returns entries whose TTL deadline is strictly
	// before now.
	Expire(ctx context.Context, now time.Time) ([]model.OfflineEntry, error)
}

// Queue wraps a Store with the circuit breaker SPEC_FULL.md's domain stack
// calls for: a struggling metadata store must not block the in-memory
// routing plane (§7 Storage), so persistence calls trip the breaker and
// fail fast with ErrStorageTransient instead of hanging the Router.
type Queue struct {
	store   Store
	breaker *gobreaker.CircuitBreaker[any]
}

func New(store Store) *Queue {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "offline_queue_store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Queue{store: store, breaker: cb}
}

// Enqueue persists entry, applying priority/TTL defaults the caller
// didn't set.
func (q *Queue) Enqueue(ctx context.Context, entry model.OfflineEntry) error {
	if entry.Priority == 0 {
		entry.Priority = DefaultPriority
	}
	if entry.TTLDeadline.IsZero() {
		entry.TTLDeadline = time.Now().Add(DefaultTTL)
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	_, err := q.breaker.Execute(func() (any, error) {
		return nil, q.store.Enqueue(ctx, entry)
	})
	return storageErr(err)
}

// Drain returns up to max queued entries for delivery through the Router,
// §4.6 "On drain, messages are delivered through the Router path".
func (q *Queue) Drain(ctx context.Context, tenantID, branchID string, max int) ([]model.OfflineEntry, error) {
	result, err := q.breaker.Execute(func() (any, error) {
		return q.store.Drain(ctx, tenantID, branchID, max)
	})
	if err != nil {
		return nil, storageErr(err)
	}
	entries, _ := result.([]model.OfflineEntry)
	return entries, nil
}

// Expire sweeps entries past their TTL deadline. Called periodically by
// the hub's maintenance loop.
func (q *Queue) Expire(ctx context.Context, now time.Time) ([]model.OfflineEntry, error) {
	result, err := q.breaker.Execute(func() (any, error) {
		return q.store.Expire(ctx, now)
	})
	if err != nil {
		return nil, storageErr(err)
	}
	entries, _ := result.([]model.OfflineEntry)
	return entries, nil
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperr.ErrStorageTransient
	}
	return err
}
