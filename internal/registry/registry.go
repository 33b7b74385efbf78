// Package registry implements the Connection Registry, §4.4: a concurrent
// map keyed by (tenant_id, branch_id) tracking exactly one live Session
// handle per branch. Structurally this follows the teacher's sync.Map
// registry in internal/domain/registry/hub.go, generalized from a
// per-user cell to a per-(tenant,branch) handle, since a branch's
// ordering guarantee (§5) requires a single owner rather than a fan-out
// mailbox of concurrent devices.
package registry

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/syncmesh/hub/internal/apperr"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/session"
)

// Key identifies a registry entry.
type Key struct {
	TenantID string
	BranchID string
}

// Handle is the weak reference the Registry holds to a live Session: a
// lookup target, never a lifetime owner (§3 "Ownership").
type Handle struct {
	SessionID uuid.UUID
	TenantID  string
	BranchID  string
	sess      *session.Session
}

// Enqueue forwards env to the underlying session's outbound queue.
func (h Handle) Enqueue(env protocol.Envelope) bool {
	return h.sess.Enqueue(env)
}

// BranchDirectory answers whether a (tenant, branch) pair is a known
// branch at all, independent of whether it currently has a live session
// — used by the Router (§4.5 step 3, §7 Routing/UnknownTarget) to decide
// between "queue offline" and "drop, unknown target" — and enumerates a
// tenant's branches for broadcast fan-out to offline peers.
type BranchDirectory interface {
	BranchExists(tenantID, branchID string) bool
	ListBranchIDs(tenantID string) []string
}

// CapsPolicy controls per-tenant and per-branch connection limits
// enforced on insert, §4.4.
type CapsPolicy struct {
	// MaxBranches caps distinct branch_ids connected per tenant. Zero
	// means unlimited.
	MaxBranches func(tenantID string) int
	// MaxPerBranch is the per-(tenant, branch) connection limit. New
	// sets it to 1 when unset; Insert does not read it, and a second
	// connection for the same branch always displaces the first, so a
	// value above 1 has no effect (§9 "Single-session-per-branch
	// policy").
	MaxPerBranch int
}

// Registry is the authoritative connection map; no other component
// maintains connection state, §4.4.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*Handle

	// branchCounts tracks distinct branch_ids per tenant for MaxBranches
	// enforcement without a full scan on every insert.
	branchCounts map[string]int

	caps   CapsPolicy
	logger *slog.Logger

	displacements atomic.Int64
}

func New(caps CapsPolicy, logger *slog.Logger) *Registry {
	if caps.MaxPerBranch <= 0 {
		caps.MaxPerBranch = 1
	}
	return &Registry{
		entries:      make(map[Key]*Handle),
		branchCounts: make(map[string]int),
		caps:         caps,
		logger:       logger,
	}
}

// Insert registers sess as the current handle for its (tenant, branch).
// If an entry already exists it is displaced: the new handle replaces it
// atomically under the registry lock so no lookup observes a gap, then the
// old session receives a Control(Displaced) and is closed.
func (r *Registry) Insert(sess *session.Session) error {
	key := Key{TenantID: sess.TenantID, BranchID: sess.BranchID}

	r.mu.Lock()

	old := r.entries[key]
	if old == nil {
		if max := r.caps.MaxBranches; max != nil {
			if limit := max(sess.TenantID); limit > 0 && r.branchCounts[sess.TenantID] >= limit {
				r.mu.Unlock()
				return apperr.ErrTenantBranchLimit
			}
		}
		r.branchCounts[sess.TenantID]++
	}
	// caps.MaxPerBranch beyond 1 is out of scope; a second connection for
	// the same branch always displaces rather than stacking.

	r.entries[key] = &Handle{SessionID: sess.ID, TenantID: sess.TenantID, BranchID: sess.BranchID, sess: sess}
	r.mu.Unlock()

	if old != nil {
		r.displacements.Add(1)
		displaced := protocol.NewEnvelope(uuid.NewString(), old.TenantID, old.BranchID, protocol.KindControl, encodeControlPayload(protocol.ControlDisplaced), nil)
		old.sess.Enqueue(displaced)
		old.sess.Close(apperr.ErrDisplaced)
		r.logger.Info("session displaced", slog.String("tenant_id", key.TenantID), slog.String("branch_id", key.BranchID))
	}

	return nil
}

// Lookup returns the current handle for (tenantID, branchID), or
// ok=false if the branch is offline.
func (r *Registry) Lookup(tenantID, branchID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[Key{TenantID: tenantID, BranchID: branchID}]
	if !ok {
		return Handle{}, false
	}
	return *h, true
}

// Remove performs a compare-and-remove by session_id, so a stale
// shutdown from a just-displaced session never deletes the newer entry
// (§4.3 "iff the entry still references this session_id").
func (r *Registry) Remove(tenantID, branchID string, sessionID uuid.UUID) {
	key := Key{TenantID: tenantID, BranchID: branchID}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.entries[key]
	if !ok || h.SessionID != sessionID {
		return
	}
	delete(r.entries, key)
	r.branchCounts[tenantID]--
	if r.branchCounts[tenantID] <= 0 {
		delete(r.branchCounts, tenantID)
	}
}

// IterTenant returns a point-in-time snapshot of every live handle for a
// tenant, for broadcast fan-out (§4.4 iter_tenant).
func (r *Registry) IterTenant(tenantID string) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0)
	for key, h := range r.entries {
		if key.TenantID == tenantID {
			out = append(out, *h)
		}
	}
	return out
}

// Displacements reports how many times a newer handshake has displaced a
// live session, for the seed-test scenario (§8 scenario 5) and metrics.
func (r *Registry) Displacements() int64 { return r.displacements.Load() }

// Size reports the number of live sessions across every tenant, for the
// admin /metrics surface.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func encodeControlPayload(code protocol.ControlCode) []byte {
	b, err := json.Marshal(protocol.ControlPayload{Code: code})
	if err != nil {
		panic(err)
	}
	return b
}
