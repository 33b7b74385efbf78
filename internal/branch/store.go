// Package branch implements the branch-side half of the sync protocol,
// §4.8 (CDC Reader) and §4.9 (Apply Pipeline): reading the local change
// log, sending SyncBatches to the hub, and applying batches the hub
// relays back.
package branch

import (
	"context"

	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/vclock"
)

// ChangeRow is one row read from the branch-local change log table, §4.8.
type ChangeRow struct {
	ChangeID   uint64
	Table      string
	Op         protocol.ChangeOp
	PrimaryKey string
	Row        map[string]any
}

// ReaderStore is the branch-local persistence the CDC Reader polls and
// updates: the change log and this branch's own vector clock.
type ReaderStore interface {
	// UnsyncedRows returns up to max pending rows ordered by change_id.
	UnsyncedRows(ctx context.Context, max int) ([]ChangeRow, error)
	// MarkInFlight records that changeIDs were sent as batchID, so a
	// concurrent poll doesn't resend them.
	MarkInFlight(ctx context.Context, changeIDs []uint64, batchID string) error
	// MarkSynced records changeIDs as acknowledged by a SyncAck for their
	// batch.
	MarkSynced(ctx context.Context, changeIDs []uint64) error
	// VClock returns this branch's own last-advanced vector clock.
	VClock(ctx context.Context) (vclock.VectorClock, error)
	SetVClock(ctx context.Context, vc vclock.VectorClock) error
}

// ApplyStore is the branch-local persistence the Apply Pipeline reads and
// writes when applying an inbound SyncBatch, §4.9.
type ApplyStore interface {
	// HighWaterMark returns the highest change_id already applied from
	// originBranchID, the dedup basis for §4.9 step 1.
	HighWaterMark(ctx context.Context, originBranchID string) (uint64, error)
	SetHighWaterMark(ctx context.Context, originBranchID string, changeID uint64) error
	// ApplyChanges commits every change in one local transaction, §4.9
	// step 3.
	ApplyChanges(ctx context.Context, changes []protocol.Change) error
}
