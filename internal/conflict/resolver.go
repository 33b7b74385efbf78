// Package conflict implements the Vector Clock & Conflict Resolver, §4.7:
// causal comparison against the last applied change for a (table, primary
// key), and strategy-driven resolution when two changes are concurrent.
package conflict

import (
	"context"
	"log/slog"
	"time"

	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/vclock"
)

// Record is the last change applied for a (table, primary_key): the
// Change itself, the branch it originated from, and the time its
// containing SyncBatch was sent (the LastWriteWins tiebreak key).
// protocol.Change carries none of this provenance on its own — it is a
// symmetric wire type reused for both directions — so the resolver tracks
// it here.
type Record struct {
	Change    protocol.Change
	OriginID  string
	CreatedAt time.Time
}

// Store persists the last applied Record per (tenant_id, table,
// primary_key), the comparison basis for every incoming change, §4.7.
type Store interface {
	Get(ctx context.Context, tenantID, table, primaryKey string) (Record, bool, error)
	Set(ctx context.Context, tenantID, table, primaryKey string, rec Record) error
}

// ConflictStore persists ConflictRecords for audit, metadata store table
// `conflict_resolutions`, §3 "Conflict record".
type ConflictStore interface {
	Save(ctx context.Context, rec model.ConflictRecord) error
}

// Decision is the outcome of Evaluate.
type Decision int

const (
	// DecisionStale means the incoming change causally precedes the
	// stored one; it is dropped, idempotently.
	DecisionStale Decision = iota
	// DecisionApply means the incoming change causally follows (or is
	// the first write for) the key; it applies outright.
	DecisionApply
	// DecisionResolved means the changes were concurrent and a
	// strategy picked a winner, returned in Result.Winner for the caller
	// to apply locally. Nothing in this package or in the branch Apply
	// Pipeline re-emits the winner through the Router to other branches.
	DecisionResolved
	// DecisionParked means the changes were concurrent under the
	// Manual strategy; neither is applied, and a ConflictNotification
	// must go to both origin branches.
	DecisionParked
)

// Result reports Evaluate's outcome for one incoming change.
type Result struct {
	Decision Decision
	// MergedVClock is the vclock to persist for (table, pk) when
	// Decision is Apply or Resolved.
	MergedVClock vclock.VectorClock
	// Winner is the change to apply when Decision is Resolved; zero
	// value when Decision is Stale or Parked.
	Winner protocol.Change
	// WinnerOriginID is the branch_id of Winner's origin.
	WinnerOriginID string
	// LoserOriginID is the branch_id of the losing side when Decision is
	// Resolved — the one branch that doesn't learn the outcome from a
	// SyncAck on its own batch and so needs an explicit
	// ConflictNotification, §4.7 "a ConflictNotification is delivered to
	// A" (the loser).
	LoserOriginID string
	// ParkedOriginIDs holds both origins when Decision is Parked: a
	// Manual conflict notifies both sides, §4.7.
	ParkedOriginIDs []string
	// Conflict is populated whenever Decision is Resolved or Parked,
	// for persistence via ConflictStore.
	Conflict *model.ConflictRecord
}

// Resolver evaluates incoming changes against the stored causal history
// for their key and applies the tenant's configured strategy on conflict.
type Resolver struct {
	store     Store
	conflicts ConflictStore
	logger    *slog.Logger
}

func New(store Store, conflicts ConflictStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, conflicts: conflicts, logger: logger}
}

// Evaluate runs the §4.7 comparison for one incoming change, originating
// at incomingOriginID and sent at incomingCreatedAt, under tenant's
// configured resolution strategy.
func (r *Resolver) Evaluate(ctx context.Context, tenantID string, incoming protocol.Change, incomingOriginID string, incomingCreatedAt time.Time, tenant model.Tenant) (Result, error) {
	local, ok, err := r.store.Get(ctx, tenantID, incoming.Table, incoming.PrimaryKey)
	if err != nil {
		return Result{}, err
	}
	incomingRecord := Record{Change: incoming, OriginID: incomingOriginID, CreatedAt: incomingCreatedAt}

	if !ok {
		if err := r.store.Set(ctx, tenantID, incoming.Table, incoming.PrimaryKey, incomingRecord); err != nil {
			return Result{}, err
		}
		return Result{Decision: DecisionApply, MergedVClock: incoming.VClock.Clone()}, nil
	}

	switch {
	case vclock.HappensBefore(incoming.VClock, local.Change.VClock):
		return Result{Decision: DecisionStale}, nil

	case vclock.HappensBefore(local.Change.VClock, incoming.VClock):
		merged := vclock.Merge(local.Change.VClock, incoming.VClock)
		incomingRecord.Change.VClock = merged
		if err := r.store.Set(ctx, tenantID, incoming.Table, incoming.PrimaryKey, incomingRecord); err != nil {
			return Result{}, err
		}
		return Result{Decision: DecisionApply, MergedVClock: merged}, nil

	default:
		return r.resolveConcurrent(ctx, tenantID, local, incomingRecord, tenant)
	}
}

func (r *Resolver) resolveConcurrent(ctx context.Context, tenantID string, local, incoming Record, tenant model.Tenant) (Result, error) {
	merged := vclock.Merge(local.Change.VClock, incoming.Change.VClock)
	strategy := tenant.ConflictStrategy
	if strategy == "" {
		strategy = model.StrategyLastWriteWins
	}

	record := model.ConflictRecord{
		TenantID:   tenantID,
		Table:      incoming.Change.Table,
		PrimaryKey: incoming.Change.PrimaryKey,
		ChangeA:    local.Change,
		ChangeB:    incoming.Change,
		Strategy:   strategy,
		ResolvedAt: time.Now(),
	}

	if strategy == model.StrategyManual {
		if err := r.conflicts.Save(ctx, record); err != nil {
			return Result{}, err
		}
		r.logger.Warn("conflict parked for manual resolution",
			slog.String("tenant_id", tenantID), slog.String("table", record.Table), slog.String("pk", record.PrimaryKey))
		return Result{Decision: DecisionParked, MergedVClock: merged, ParkedOriginIDs: []string{local.OriginID, incoming.OriginID}, Conflict: &record}, nil
	}

	winner := pickWinner(strategy, local, incoming, tenant.SourcePriority)
	loser := local
	if winner.OriginID == local.OriginID {
		loser = incoming
	}
	record.Winner = winner.OriginID

	winner.Change.VClock = merged
	if err := r.store.Set(ctx, tenantID, record.Table, record.PrimaryKey, winner); err != nil {
		return Result{}, err
	}
	if err := r.conflicts.Save(ctx, record); err != nil {
		return Result{}, err
	}

	r.logger.Info("conflict resolved",
		slog.String("tenant_id", tenantID), slog.String("table", record.Table), slog.String("pk", record.PrimaryKey),
		slog.String("strategy", string(strategy)), slog.String("winner", winner.OriginID))

	return Result{Decision: DecisionResolved, MergedVClock: merged, Winner: winner.Change, WinnerOriginID: winner.OriginID, LoserOriginID: loser.OriginID, Conflict: &record}, nil
}

// pickWinner applies strategy to a concurrent pair, §4.7 "Resolution
// strategies". SourcePriority falls back to LastWriteWins when neither
// side appears in the tenant's ranking.
func pickWinner(strategy model.ConflictStrategy, local, incoming Record, priority []string) Record {
	if strategy == model.StrategySourcePriority {
		localRank, localRanked := rankOf(local.OriginID, priority)
		incomingRank, incomingRanked := rankOf(incoming.OriginID, priority)
		switch {
		case incomingRanked && (!localRanked || incomingRank < localRank):
			return incoming
		case localRanked && (!incomingRanked || localRank < incomingRank):
			return local
		}
	}
	return lastWriteWins(local, incoming)
}

// lastWriteWins picks the higher CreatedAt, breaking exact ties
// lexicographically by origin branch_id, §4.7.
func lastWriteWins(local, incoming Record) Record {
	if incoming.CreatedAt.After(local.CreatedAt) {
		return incoming
	}
	if local.CreatedAt.After(incoming.CreatedAt) {
		return local
	}
	if incoming.OriginID < local.OriginID {
		return incoming
	}
	return local
}

func rankOf(branchID string, priority []string) (rank int, ranked bool) {
	for i, id := range priority {
		if id == branchID {
			return i, true
		}
	}
	return 0, false
}
