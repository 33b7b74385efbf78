package model

import (
	"time"

	"github.com/syncmesh/hub/internal/protocol"
)

// ConflictRecord is persisted for audit whenever two concurrent Changes
// target the same (table, primary_key), §3 "Conflict record" / §4.7.
type ConflictRecord struct {
	TenantID   string
	Table      string
	PrimaryKey string
	ChangeA    protocol.Change
	ChangeB    protocol.Change
	Strategy   ConflictStrategy
	// Winner holds the branch_id of the change that was applied. Empty
	// when Strategy is Manual and the record still awaits admin action.
	Winner     string
	ResolvedAt time.Time
}

// Pending reports whether a Manual-strategy conflict is still parked
// awaiting admin resolution.
func (c ConflictRecord) Pending() bool { return c.Strategy == StrategyManual && c.Winner == "" }
