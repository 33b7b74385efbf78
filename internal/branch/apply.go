package branch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/metrics"
	"github.com/syncmesh/hub/internal/protocol"
)

// ApplyPipeline receives SyncBatch envelopes relayed by the hub and applies
// them per §4.9: dedup by high-water mark, conflict check, single-
// transaction apply, vclock update, SyncAck/SyncNack.
type ApplyPipeline struct {
	tenantID string
	branchID string
	store    ApplyStore
	resolver *conflict.Resolver
	sender   Sender
	logger   *slog.Logger
}

func NewApplyPipeline(tenantID, branchID string, store ApplyStore, resolver *conflict.Resolver, sender Sender, logger *slog.Logger) *ApplyPipeline {
	return &ApplyPipeline{tenantID: tenantID, branchID: branchID, store: store, resolver: resolver, sender: sender, logger: logger}
}

// SetSender wires the Sender after construction, mirroring
// CDCReader.SetSender: the branch-side Client depends on *ApplyPipeline,
// so the pipeline must exist (with a nil Sender) before the Client does.
func (p *ApplyPipeline) SetSender(s Sender) { p.sender = s }

// Handle processes one inbound SyncBatch, originating at originBranchID
// and sent at sentAt (the envelope's CreatedAt), under tenant's conflict
// policy.
func (p *ApplyPipeline) Handle(ctx context.Context, originBranchID string, payload protocol.SyncBatchPayload, sentAt time.Time, tenant model.Tenant) (err error) {
	ctx, span := metrics.Tracer().Start(ctx, "apply.Handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", p.tenantID),
		attribute.String("origin_branch_id", originBranchID),
		attribute.String("batch_id", payload.BatchID),
		attribute.Int("change_count", len(payload.Changes)),
	)
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	hwm, err := p.store.HighWaterMark(ctx, originBranchID)
	if err != nil {
		return p.nack(ctx, originBranchID, payload.BatchID, err)
	}

	var toApply []protocol.Change
	var appliedIDs, conflictIDs []uint64
	maxSeen := hwm
	var notifications []addressedNotification

	for _, ch := range payload.Changes {
		if ch.ChangeID <= hwm {
			continue // already applied from this origin, §4.9 step 1
		}
		if ch.ChangeID > maxSeen {
			maxSeen = ch.ChangeID
		}

		res, err := p.resolver.Evaluate(ctx, p.tenantID, ch, originBranchID, sentAt, tenant)
		if err != nil {
			return p.nack(ctx, originBranchID, payload.BatchID, err)
		}

		switch res.Decision {
		case conflict.DecisionStale:
			appliedIDs = append(appliedIDs, ch.ChangeID) // idempotent no-op counts as handled

		case conflict.DecisionApply:
			toApply = append(toApply, ch)
			appliedIDs = append(appliedIDs, ch.ChangeID)

		case conflict.DecisionResolved:
			toApply = append(toApply, res.Winner)
			conflictIDs = append(conflictIDs, ch.ChangeID)
			if res.LoserOriginID != "" && res.LoserOriginID != p.branchID {
				notifications = append(notifications, addressedNotification{to: res.LoserOriginID, payload: notificationFor(res.Conflict)})
			}

		case conflict.DecisionParked:
			conflictIDs = append(conflictIDs, ch.ChangeID)
			for _, origin := range res.ParkedOriginIDs {
				if origin == "" || origin == p.branchID {
					continue
				}
				notifications = append(notifications, addressedNotification{to: origin, payload: notificationFor(res.Conflict)})
			}
		}
	}

	if err := p.store.ApplyChanges(ctx, toApply); err != nil {
		return p.nack(ctx, originBranchID, payload.BatchID, err)
	}
	if err := p.store.SetHighWaterMark(ctx, originBranchID, maxSeen); err != nil {
		return p.nack(ctx, originBranchID, payload.BatchID, err)
	}

	for _, n := range notifications {
		if err := p.sendConflictNotification(ctx, n.to, n.payload); err != nil {
			p.logger.Warn("conflict notification send failed", slog.Any("err", err))
		}
	}

	return p.ack(ctx, originBranchID, payload.BatchID, appliedIDs, conflictIDs)
}

type addressedNotification struct {
	to      string
	payload protocol.ConflictNotificationPayload
}

func notificationFor(rec *model.ConflictRecord) protocol.ConflictNotificationPayload {
	return protocol.ConflictNotificationPayload{
		Table:    rec.Table,
		PK:       rec.PrimaryKey,
		ChangeA:  rec.ChangeA,
		ChangeB:  rec.ChangeB,
		Strategy: string(rec.Strategy),
		Winner:   rec.Winner,
	}
}

func (p *ApplyPipeline) sendConflictNotification(ctx context.Context, to string, n protocol.ConflictNotificationPayload) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	env := protocol.NewEnvelope(uuid.NewString(), p.tenantID, p.branchID, protocol.KindConflictNotification, payload, nil)
	env.To = to
	return p.sender.Send(ctx, env)
}

func (p *ApplyPipeline) ack(ctx context.Context, originBranchID, batchID string, appliedIDs, conflictIDs []uint64) error {
	payload, err := json.Marshal(protocol.SyncAckPayload{BatchID: batchID, AppliedIDs: appliedIDs, ConflictIDs: conflictIDs})
	if err != nil {
		return err
	}
	env := protocol.NewEnvelope(uuid.NewString(), p.tenantID, p.branchID, protocol.KindSyncAck, payload, nil)
	env.To = originBranchID
	return p.sender.Send(ctx, env)
}

// nack sends a SyncNack so the sender retries the whole batch, §4.9 step 5,
// and returns the original error for the caller to log. Addressed back to
// originBranchID, same as ack: the hub must route it to the sender, not
// broadcast it tenant-wide.
func (p *ApplyPipeline) nack(ctx context.Context, originBranchID, batchID string, cause error) error {
	payload, merr := json.Marshal(protocol.SyncNackPayload{BatchID: batchID, Reason: cause.Error()})
	if merr == nil {
		env := protocol.NewEnvelope(uuid.NewString(), p.tenantID, p.branchID, protocol.KindSyncNack, payload, nil)
		env.To = originBranchID
		if sendErr := p.sender.Send(ctx, env); sendErr != nil {
			p.logger.Error("sync nack send failed", slog.Any("err", sendErr))
		}
	}
	return cause
}
