package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/syncmesh/hub/internal/auth"
)

type tokenRequest struct {
	TenantID string `json:"tenant_id"`
	BranchID string `json:"branch_id"`
	APIKey   string `json:"api_key"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// handleIssueToken mints the short-lived bearer token a branch presents
// on its next handshake, §6 "Tokens are short-lived (15 min), reissued
// via POST /auth/token."
func handleIssueToken(issuer *auth.Issuer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed request body", http.StatusBadRequest)
			return
		}
		if req.TenantID == "" || req.BranchID == "" || req.APIKey == "" {
			http.Error(w, "tenant_id, branch_id, and api_key are required", http.StatusBadRequest)
			return
		}

		token, err := issuer.Issue(r.Context(), req.TenantID, req.BranchID, req.APIKey)
		if err != nil {
			http.Error(w, "credential mismatch", http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(tokenResponse{Token: token}); err != nil {
			logger.Error("token response encode failed", slog.Any("err", err))
		}
	}
}
