// Package model holds the persistent entities from spec.md §3: Tenant,
// Branch, Conflict records, and Offline-queue entries. Session and
// Envelope, being ephemeral/wire types, live in internal/session and
// internal/protocol respectively.
package model

import "time"

// TenantStatus is the lifecycle state of a Tenant.
type TenantStatus string

const (
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
)

// Tenant is the isolation boundary for a set of branches.
type Tenant struct {
	ID              string
	Status          TenantStatus
	MaxBranches     int
	RateLimitPerSec float64
	// ConflictStrategy is the tenant-configurable default resolution
	// strategy, §4.7. Per-table overrides are out of scope.
	ConflictStrategy ConflictStrategy
	// SourcePriority ranks branch_id for the SourcePriority strategy,
	// highest first.
	SourcePriority []string
	CreatedAt      time.Time
}

// Active reports whether the tenant currently admits new sessions and
// routing, §3 "Lifecycle: ... suspension immediately inhibits new sessions
// and routing."
func (t Tenant) Active() bool { return t.Status == TenantActive }

// ConflictStrategy names a conflict resolution strategy, §4.7.
type ConflictStrategy string

const (
	StrategyLastWriteWins  ConflictStrategy = "LastWriteWins"
	StrategySourcePriority ConflictStrategy = "SourcePriority"
	StrategyManual         ConflictStrategy = "Manual"
)
