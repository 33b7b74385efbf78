// Package http is the admin HTTP surface, §6/Supplemented Feature 3:
// GET /health, GET /metrics (Prometheus text exposition), and
// POST /auth/token. Grounded on the teacher's lp.LPHandler for the
// chi.Router wiring style (chi.NewRouter, URL params via chi.URLParam),
// generalized from the teacher's long-poll delivery endpoint to this
// system's operational/admin concerns.
package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/syncmesh/hub/internal/auth"
	"github.com/syncmesh/hub/internal/domain/model"
)

// Stats is the subset of runtime state /metrics reports on.
type Stats interface {
	Size() int
	Displacements() int64
}

// ConflictLister backs GET /admin/conflicts/{tenantID}, surfacing
// Manual-strategy conflicts parked by internal/conflict awaiting
// operator review, §4.7. Satisfied by *store.Store.
type ConflictLister interface {
	PendingManualConflicts(ctx context.Context, tenantID string) ([]model.ConflictRecord, error)
}

// NewRouter assembles the admin surface. issuer and stats are required;
// conflicts may be nil until the metadata store is wired, in which case
// GET /admin/conflicts/{tenantID} responds 503.
func NewRouter(logger *slog.Logger, issuer *auth.Issuer, stats Stats, conflicts ConflictLister) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", handleHealth)
	r.Get("/metrics", handleMetrics(stats))
	r.Post("/auth/token", handleIssueToken(issuer, logger))
	r.Get("/admin/conflicts/{tenantID}", handlePendingConflicts(conflicts, logger))

	return r
}
