// Package router implements the Router, §4.5: the tenant-isolation-critical
// core that re-stamps every envelope's trusted identity, dispatches to
// online sessions or the offline queue, and fans broadcasts out within a
// tenant. Grounded structurally on the teacher's dispatcher in
// internal/domain/registry/hub.go (resolve recipient via the registry,
// enqueue-or-queue-offline), generalized from per-user delivery to the
// tenant-isolated routing this system requires.
package router

import (
	"context"
	"encoding/json"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/syncmesh/hub/internal/apperr"
	"github.com/syncmesh/hub/internal/audit"
	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/metrics"
	"github.com/syncmesh/hub/internal/offlinequeue"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/ratelimit"
	"github.com/syncmesh/hub/internal/registry"
)

// Registry is the subset of *registry.Registry the Router depends on.
type Registry interface {
	Lookup(tenantID, branchID string) (registry.Handle, bool)
	IterTenant(tenantID string) []registry.Handle
}

// TransactionRecorder logs routed SyncBatch traffic to the metadata
// store's sync_transactions table, an observability trail distinct from
// the branch-local high-water mark that actually drives dedup. Optional:
// a nil recorder (the default) disables recording without changing
// Route's behavior.
type TransactionRecorder interface {
	RecordSyncBatch(ctx context.Context, tenantID, originBranchID, batchID string, changeCount int) error
}

// RemoteBus fans an envelope out to peer hub instances when the local
// registry doesn't have the recipient, §9 Open Questions "Multi-node
// fan-out". Optional: a nil bus (the default) leaves single-instance
// behavior unchanged — offline queuing alone.
type RemoteBus interface {
	Publish(ctx context.Context, tenantID string, env protocol.Envelope) error
}

// Router dispatches inbound envelopes per §4.5.
type Router struct {
	registry  Registry
	directory registry.BranchDirectory
	offline   *offlinequeue.Queue
	limiter   *ratelimit.Limiter
	audit     audit.Sink
	logger    *slog.Logger
	txRecorder TransactionRecorder
	remoteBus  RemoteBus
}

func New(reg Registry, directory registry.BranchDirectory, offline *offlinequeue.Queue, limiter *ratelimit.Limiter, sink audit.Sink, logger *slog.Logger) *Router {
	return &Router{registry: reg, directory: directory, offline: offline, limiter: limiter, audit: sink, logger: logger}
}

// SetTransactionRecorder wires an observability recorder in after
// construction, keeping New's signature stable for callers (including
// tests) that don't need it.
func (r *Router) SetTransactionRecorder(rec TransactionRecorder) { r.txRecorder = rec }

// SetRemoteBus wires the cross-instance fan-out path in after
// construction, same pattern as SetTransactionRecorder.
func (r *Router) SetRemoteBus(bus RemoteBus) { r.remoteBus = bus }

// Route re-stamps env's trusted identity from (tenantID, fromBranchID) —
// the session's authenticated identity, never the envelope's own fields —
// applies the per-sender rate limit, and dispatches per §4.5 steps 2-3.
func (r *Router) Route(ctx context.Context, tenantID, fromBranchID string, env protocol.Envelope) error {
	ctx, span := metrics.Tracer().Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("from_branch_id", fromBranchID),
		attribute.String("to_branch_id", env.To),
		attribute.String("kind", env.Kind.String()),
	)

	env.TenantID = tenantID
	env.From = fromBranchID

	if !r.limiter.Allow(tenantID, fromBranchID) {
		r.replyControl(tenantID, fromBranchID, protocol.ControlRateLimited)
		r.audit.Record(ctx, audit.Event{Kind: audit.KindRateLimited, TenantID: tenantID, BranchID: fromBranchID})
		span.SetStatus(codes.Error, apperr.ErrRateLimited.Error())
		return apperr.ErrRateLimited
	}

	if env.Kind == protocol.KindSyncBatch {
		r.recordTransaction(ctx, env)
	}

	var err error
	if env.Broadcast() {
		err = r.routeBroadcast(ctx, env)
	} else {
		err = r.routeDirect(ctx, env)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// recordTransaction best-effort logs a routed SyncBatch to the metadata
// store; failures are logged, never propagated, since this is an
// observability trail, not a correctness-bearing write.
func (r *Router) recordTransaction(ctx context.Context, env protocol.Envelope) {
	if r.txRecorder == nil {
		return
	}
	var payload protocol.SyncBatchPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return
	}
	if err := r.txRecorder.RecordSyncBatch(ctx, env.TenantID, env.From, payload.BatchID, len(payload.Changes)); err != nil {
		r.logger.Warn("sync transaction record failed", slog.Any("err", err))
	}
}

func (r *Router) routeDirect(ctx context.Context, env protocol.Envelope) error {
	handle, online := r.registry.Lookup(env.TenantID, env.To)
	if online {
		if handle.TenantID != env.TenantID {
			// Never happens by construction (Lookup is scoped to
			// env.TenantID already); kept as defense in depth, §4.5 step 2.
			r.audit.Record(ctx, audit.Event{Kind: audit.KindCrossTenantAttempt, TenantID: env.TenantID, BranchID: env.From, Detail: env.To})
			return apperr.ErrCrossTenantAttempt
		}
		if handle.Enqueue(env) {
			return nil
		}
		// Fell through the outbound shed policy; store-and-forward
		// rather than lose the message, same as an enqueue timeout
		// would under §5's cancellation model.
	}

	if !r.directory.BranchExists(env.TenantID, env.To) {
		r.audit.Record(ctx, audit.Event{Kind: audit.KindUnknownTarget, TenantID: env.TenantID, BranchID: env.From, Detail: env.To})
		return apperr.ErrUnknownTarget
	}

	// The recipient exists but isn't online on this instance; it may be
	// connected to a peer instance. Publish there too — at-least-once
	// delivery with idempotent apply already tolerates the resulting
	// duplicate if both this instance's offline queue and a peer
	// instance's local session end up delivering it.
	r.publishRemote(ctx, env)
	return r.enqueueOffline(ctx, env, env.To)
}

func (r *Router) publishRemote(ctx context.Context, env protocol.Envelope) {
	if r.remoteBus == nil {
		return
	}
	if err := r.remoteBus.Publish(ctx, env.TenantID, env); err != nil {
		r.logger.Warn("remote bus publish failed", slog.Any("err", err))
	}
}

func (r *Router) routeBroadcast(ctx context.Context, env protocol.Envelope) error {
	r.publishRemote(ctx, env)

	online := make(map[string]bool)
	for _, h := range r.registry.IterTenant(env.TenantID) {
		if h.BranchID == env.From {
			continue
		}
		online[h.BranchID] = true
		h.Enqueue(env)
	}

	var firstErr error
	for _, branchID := range r.directory.ListBranchIDs(env.TenantID) {
		if branchID == env.From || online[branchID] {
			continue
		}
		if err := r.enqueueOffline(ctx, env, branchID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) enqueueOffline(ctx context.Context, env protocol.Envelope, targetBranchID string) error {
	raw, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return r.offline.Enqueue(ctx, model.OfflineEntry{
		TenantID:       env.TenantID,
		TargetBranchID: targetBranchID,
		EnvelopeBytes:  raw,
	})
}

// DeliverOffline drains up to max queued entries for (tenantID, branchID)
// — called when a session comes online — and redelivers each through
// Route, §4.6 "On drain, messages are delivered through the Router path".
func (r *Router) DeliverOffline(ctx context.Context, tenantID, branchID string, max int) error {
	entries, err := r.offline.Drain(ctx, tenantID, branchID, max)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		env, err := protocol.Decode(entry.EnvelopeBytes)
		if err != nil {
			r.logger.Error("dropping undecodable offline entry", slog.Int64("entry_id", entry.ID), slog.Any("err", err))
			continue
		}
		if err := r.Route(ctx, env.TenantID, env.From, env); err != nil {
			r.logger.Warn("offline redelivery failed", slog.Int64("entry_id", entry.ID), slog.Any("err", err))
		}
	}
	return nil
}

// replyControl sends a Control envelope to the sender itself, e.g. on
// rate limiting, §6 Control codes.
func (r *Router) replyControl(tenantID, branchID string, code protocol.ControlCode) {
	handle, online := r.registry.Lookup(tenantID, branchID)
	if !online {
		return
	}
	payload, err := json.Marshal(protocol.ControlPayload{Code: code})
	if err != nil {
		return
	}
	handle.Enqueue(protocol.NewEnvelope("", tenantID, branchID, protocol.KindControl, payload, nil))
}
