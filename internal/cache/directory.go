// Package cache implements the Branch Directory Cache, §4.5 step 3 /
// SPEC_FULL.md Supplemented Feature 4: an LRU-fronted read path for the
// Router's branch-existence check, so the hottest lookup on the routing
// path doesn't hit Postgres per message. Grounded on the teacher's
// internal/service/peer_enricher.go cache-aside idiom (hashicorp/
// golang-lru/v2, populate only on a successful lookup, fall back to the
// source on a miss or error).
package cache

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/syncmesh/hub/internal/registry"
)

// Source is the metadata store's branch-directory read path; satisfied by
// *store.Store.
type Source interface {
	BranchExists(ctx context.Context, tenantID, branchID string) (bool, error)
	ListBranchIDs(ctx context.Context, tenantID string) ([]string, error)
}

// Directory implements registry.BranchDirectory over Source, caching only
// positive existence results: a branch that doesn't exist yet but gets
// provisioned a moment later must become routable immediately, so a
// negative result is never cached, same asymmetry as the Router choosing
// "queue offline" over "drop" whenever a target might still exist.
type Directory struct {
	source Source
	cache  *lru.Cache[string, bool]
	logger *slog.Logger
}

// New builds a Directory caching up to size (tenant_id, branch_id) keys.
func New(source Source, size int, logger *slog.Logger) *Directory {
	cache, _ := lru.New[string, bool](size) // only errors on size <= 0
	return &Directory{source: source, cache: cache, logger: logger}
}

var _ registry.BranchDirectory = (*Directory)(nil)

// BranchExists implements registry.BranchDirectory. A source error is
// treated as "unknown" (false) rather than propagated — registry.
// BranchDirectory has no error return, and a degraded metadata store must
// not block the Router's hot path, §7 Storage.
func (d *Directory) BranchExists(tenantID, branchID string) bool {
	key := tenantID + "/" + branchID
	if cached, ok := d.cache.Get(key); ok {
		return cached
	}

	exists, err := d.source.BranchExists(context.Background(), tenantID, branchID)
	if err != nil {
		d.logger.Warn("branch directory lookup failed", slog.String("tenant_id", tenantID), slog.String("branch_id", branchID), slog.Any("err", err))
		return false
	}
	if exists {
		d.cache.Add(key, true)
	}
	return exists
}

// ListBranchIDs implements registry.BranchDirectory's broadcast fan-out
// enumeration. Not cached: invoked once per broadcast send, not once per
// message, and a stale member list risks silently dropping a newly
// provisioned branch from fan-out.
func (d *Directory) ListBranchIDs(tenantID string) []string {
	ids, err := d.source.ListBranchIDs(context.Background(), tenantID)
	if err != nil {
		d.logger.Warn("branch directory listing failed", slog.String("tenant_id", tenantID), slog.Any("err", err))
		return nil
	}
	return ids
}

// Invalidate evicts a cached positive result, called when a branch is
// deprovisioned so a stale "exists" entry can't outlive the row it
// reflects.
func (d *Directory) Invalidate(tenantID, branchID string) {
	d.cache.Remove(tenantID + "/" + branchID)
}
