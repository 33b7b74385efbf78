package model

import "time"

// BranchStatus reflects whether a branch currently has a live session.
type BranchStatus string

const (
	BranchOnline  BranchStatus = "online"
	BranchOffline BranchStatus = "offline"
)

// Branch is identified by the composite (TenantID, ID); the pair is
// globally unique, §3.
type Branch struct {
	TenantID    string
	ID          string
	DisplayName string
	APIKeyHash  string
	Status      BranchStatus
	CreatedAt   time.Time
}
