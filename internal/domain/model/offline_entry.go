package model

import "time"

// OfflineEntry is a durable, undelivered envelope parked for a branch that
// is temporarily disconnected, §3 "Offline-queue entry".
type OfflineEntry struct {
	ID             int64
	TenantID       string
	TargetBranchID string
	EnvelopeBytes  []byte
	// Priority ranges 1..9; higher drains first.
	Priority    int
	TTLDeadline time.Time
	EnqueuedAt  time.Time
}

// Expired reports whether now has strictly passed the TTL deadline, §8
// "TTL expiry removes entries strictly after ttl_deadline wall-clock
// passes; never before."
func (e OfflineEntry) Expired(now time.Time) bool { return now.After(e.TTLDeadline) }
