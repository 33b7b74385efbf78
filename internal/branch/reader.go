package branch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/protocol"
)

// Tuning constants for the CDC Reader, §4.8.
const (
	DefaultSyncInterval  = 30 * time.Second
	DefaultBatchSize     = 100
	DefaultAckTimeout    = 60 * time.Second
	MaxAckAttempts       = 10
	StalledRetryInterval = 60 * time.Second
)

// Sender delivers an envelope to the hub over the branch's connection.
type Sender interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// StalledObserver is notified once a batch has exhausted MaxAckAttempts
// without an ack, for the SyncStalled metric, §4.8.
type StalledObserver func(batchID string, attempts int)

// CDCReader polls the branch-local change log, batches unsynced rows into
// SyncBatch envelopes, and retries unacked batches with exponential
// backoff, §4.8.
type CDCReader struct {
	tenantID  string
	branchID  string
	store     ReaderStore
	conflicts conflict.Store
	sender    Sender
	onStalled StalledObserver
	logger    *slog.Logger

	interval   time.Duration
	batchSize  int
	ackTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingBatch
}

type pendingBatch struct {
	changeIDs []uint64
	notify    chan struct{}
}

func NewCDCReader(tenantID, branchID string, store ReaderStore, conflicts conflict.Store, sender Sender, onStalled StalledObserver, logger *slog.Logger) *CDCReader {
	return &CDCReader{
		tenantID:   tenantID,
		branchID:   branchID,
		store:      store,
		conflicts:  conflicts,
		sender:     sender,
		onStalled:  onStalled,
		logger:     logger,
		interval:   DefaultSyncInterval,
		batchSize:  DefaultBatchSize,
		ackTimeout: DefaultAckTimeout,
		pending:    make(map[string]*pendingBatch),
	}
}

// SetSender wires the Sender after construction, for callers that must
// build the CDCReader before its Sender exists (the branch-side Client
// itself takes a *CDCReader, so something has to break the cycle).
func (r *CDCReader) SetSender(s Sender) { r.sender = s }

// SetInterval overrides the poll interval from its DefaultSyncInterval
// default, for config.BranchConfig.SyncInterval.
func (r *CDCReader) SetInterval(d time.Duration) { r.interval = d }

// Run polls every r.interval until ctx is cancelled.
func (r *CDCReader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.pollOnce(ctx); err != nil {
				r.logger.Error("cdc poll failed", slog.Any("err", err))
			}
		}
	}
}

func (r *CDCReader) pollOnce(ctx context.Context) error {
	rows, err := r.store.UnsyncedRows(ctx, r.batchSize)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}

	vc, err := r.store.VClock(ctx)
	if err != nil {
		return err
	}
	vc = vc.Advance(r.branchID)
	if err := r.store.SetVClock(ctx, vc); err != nil {
		return err
	}

	changeIDs := make([]uint64, len(rows))
	changes := make([]protocol.Change, len(rows))
	now := time.Now()
	for i, row := range rows {
		changeIDs[i] = row.ChangeID
		changes[i] = protocol.Change{
			Table:      row.Table,
			Op:         row.Op,
			PrimaryKey: row.PrimaryKey,
			Row:        row.Row,
			ChangeID:   row.ChangeID,
			VClock:     vc,
		}
	}

	// Register every locally-originated change in the conflict store before
	// it goes out, so a concurrent incoming change for the same key has a
	// real local record to compare against instead of Evaluate mistaking it
	// for the first write ever seen.
	for _, ch := range changes {
		rec := conflict.Record{Change: ch, OriginID: r.branchID, CreatedAt: now}
		if err := r.conflicts.Set(ctx, r.tenantID, ch.Table, ch.PrimaryKey, rec); err != nil {
			return err
		}
	}

	batchID := uuid.NewString()
	if err := r.store.MarkInFlight(ctx, changeIDs, batchID); err != nil {
		return err
	}

	payload, err := json.Marshal(protocol.SyncBatchPayload{BatchID: batchID, Changes: changes, VClock: vc})
	if err != nil {
		return err
	}
	env := protocol.NewEnvelope(batchID, r.tenantID, r.branchID, protocol.KindSyncBatch, payload, vc)

	r.mu.Lock()
	r.pending[batchID] = &pendingBatch{changeIDs: changeIDs, notify: make(chan struct{}, 1)}
	r.mu.Unlock()

	go r.sendWithRetry(ctx, env, batchID)
	return nil
}

// sendWithRetry resends env until HandleAck/HandleNack clears batchID from
// r.pending, backing off 1s, 2s, 4s, ... capped at 60s for the first
// MaxAckAttempts tries, then every StalledRetryInterval thereafter while
// reporting SyncStalled, §4.8.
func (r *CDCReader) sendWithRetry(ctx context.Context, env protocol.Envelope, batchID string) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 60 * time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	attempts := 0
	for {
		if err := r.sender.Send(ctx, env); err != nil {
			r.logger.Warn("sync batch send failed", slog.String("batch_id", batchID), slog.Any("err", err))
		}
		attempts++

		if !r.awaitAckOrTimeout(ctx, batchID) {
			return
		}
		if !r.stillPending(batchID) {
			return
		}

		delay := bo.NextBackOff()
		if attempts >= MaxAckAttempts {
			if r.onStalled != nil {
				r.onStalled(batchID, attempts)
			}
			delay = StalledRetryInterval
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// awaitAckOrTimeout blocks until the batch's notify channel fires, the ack
// timeout elapses, or ctx is cancelled. It returns false only when ctx was
// cancelled, telling the caller to stop retrying.
func (r *CDCReader) awaitAckOrTimeout(ctx context.Context, batchID string) bool {
	r.mu.Lock()
	pb := r.pending[batchID]
	r.mu.Unlock()
	if pb == nil {
		return true
	}
	select {
	case <-pb.notify:
	case <-time.After(r.ackTimeout):
	case <-ctx.Done():
		return false
	}
	return true
}

func (r *CDCReader) stillPending(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[batchID]
	return ok
}

// HandleAck marks a batch's rows synced and stops its retry loop, §4.8 "On
// SyncAck matching the batch id, marks rows synced."
func (r *CDCReader) HandleAck(ctx context.Context, ack protocol.SyncAckPayload) error {
	r.mu.Lock()
	pb, ok := r.pending[ack.BatchID]
	if ok {
		delete(r.pending, ack.BatchID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.store.MarkSynced(ctx, pb.changeIDs); err != nil {
		return err
	}
	notify(pb)
	return nil
}

// HandleNack wakes the retry loop immediately instead of waiting out the
// ack timeout; the batch stays pending and resends on the caller's next
// backoff tick.
func (r *CDCReader) HandleNack(nack protocol.SyncNackPayload) {
	r.mu.Lock()
	pb := r.pending[nack.BatchID]
	r.mu.Unlock()
	if pb != nil {
		r.logger.Warn("sync batch nacked", slog.String("batch_id", nack.BatchID), slog.String("reason", nack.Reason))
		notify(pb)
	}
}

func notify(pb *pendingBatch) {
	select {
	case pb.notify <- struct{}{}:
	default:
	}
}
