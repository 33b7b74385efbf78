package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handlePendingConflicts lists a tenant's parked Manual-strategy
// conflicts, §4.7, for an operator to resolve out of band. Read-only:
// this system has no endpoint to record the operator's decision, since
// the distillation's scope stops at "persisted for audit."
func handlePendingConflicts(conflicts ConflictLister, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if conflicts == nil {
			http.Error(w, "conflict store not configured", http.StatusServiceUnavailable)
			return
		}

		tenantID := chi.URLParam(r, "tenantID")
		if tenantID == "" {
			http.Error(w, "tenantID is required", http.StatusBadRequest)
			return
		}

		records, err := conflicts.PendingManualConflicts(r.Context(), tenantID)
		if err != nil {
			logger.Error("pending conflicts lookup failed", slog.String("tenant_id", tenantID), slog.Any("err", err))
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			logger.Error("pending conflicts response encode failed", slog.Any("err", err))
		}
	}
}
