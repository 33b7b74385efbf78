// Package store is the pgx-backed implementation of the metadata store,
// §3 "Persisted state layout": tenants, branches, offline_messages,
// conflict_resolutions, applied_changes, sync_transactions, audit_log. The
// teacher has no database layer of its own (its state lives entirely in
// in-memory actors); this package is grounded instead on the pack's other
// Postgres-backed service, erauner12-toolbridge-api, for pool construction
// (internal/db/pg.go) and its pgx.Tx upsert idiom
// (internal/service/syncservice/chats_service.go).
package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/syncmesh/hub/internal/apperr"
)

// Open creates and verifies a pgx connection pool, mirroring
// erauner12-toolbridge-api/internal/db/pg.go's pool tuning.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Store wraps the pool with a circuit breaker shared by every query method
// in this package, so a struggling Postgres surfaces ErrStorageTransient
// instead of blocking the in-memory routing plane, §7 Storage, same
// breaker shape as internal/offlinequeue.Queue.
type Store struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "metadata_store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Store{pool: pool, breaker: cb, logger: logger}
}

func (s *Store) Close() { s.pool.Close() }

// run executes fn through the breaker, discarding its zero-value result;
// use query[T] when the call produces a value worth keeping.
func (s *Store) run(fn func() (any, error)) error {
	_, err := s.breaker.Execute(fn)
	return storageErr(err)
}

// query runs fn through s's breaker and recovers its typed result; a
// tripped breaker or fn error both yield T's zero value.
func query[T any](s *Store, fn func() (T, error)) (T, error) {
	result, err := s.breaker.Execute(func() (any, error) { return fn() })
	if err != nil {
		var zero T
		return zero, storageErr(err)
	}
	typed, _ := result.(T)
	return typed, nil
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
