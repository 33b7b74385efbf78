package http

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/syncmesh/hub/internal/auth"
	"github.com/syncmesh/hub/internal/domain/model"
)

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

type fakeBranchStore struct{ branches map[string]model.Branch }

func (f fakeBranchStore) GetBranch(_ context.Context, tenantID, branchID string) (model.Branch, error) {
	return f.branches[tenantID+"/"+branchID], nil
}

type fakeStats struct {
	size          int
	displacements int64
}

func (s fakeStats) Size() int            { return s.size }
func (s fakeStats) Displacements() int64 { return s.displacements }

type fakeConflictLister struct {
	records []model.ConflictRecord
	err     error
}

func (f fakeConflictLister) PendingManualConflicts(_ context.Context, tenantID string) ([]model.ConflictRecord, error) {
	return f.records, f.err
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func TestHandleHealth(t *testing.T) {
	r := NewRouter(discardLogger(), auth.NewIssuer(nil, fakeBranchStore{}), fakeStats{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleMetrics(t *testing.T) {
	r := NewRouter(discardLogger(), auth.NewIssuer(nil, fakeBranchStore{}), fakeStats{size: 3, displacements: 2}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !bytes.Contains(rec.Body.Bytes(), []byte("syncmesh_hub_connected_sessions 3")) {
		t.Errorf("body = %q, want connected_sessions gauge = 3", body)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("syncmesh_hub_displacements_total 2")) {
		t.Errorf("body = %q, want displacements_total counter = 2", body)
	}
}

func TestHandleIssueTokenHappyPath(t *testing.T) {
	secret := []byte("test-secret")
	branches := fakeBranchStore{branches: map[string]model.Branch{
		"t1/b1": {TenantID: "t1", ID: "b1", APIKeyHash: hashAPIKey("correct-key")},
	}}
	issuer := auth.NewIssuer(secret, branches)
	r := NewRouter(discardLogger(), issuer, fakeStats{}, nil)

	body, _ := json.Marshal(tokenRequest{TenantID: "t1", BranchID: "b1", APIKey: "correct-key"})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if resp.Token == "" {
		t.Error("token response is empty")
	}
}

func TestHandleIssueTokenRejectsWrongKey(t *testing.T) {
	secret := []byte("test-secret")
	branches := fakeBranchStore{branches: map[string]model.Branch{
		"t1/b1": {TenantID: "t1", ID: "b1", APIKeyHash: hashAPIKey("correct-key")},
	}}
	issuer := auth.NewIssuer(secret, branches)
	r := NewRouter(discardLogger(), issuer, fakeStats{}, nil)

	body, _ := json.Marshal(tokenRequest{TenantID: "t1", BranchID: "b1", APIKey: "wrong-key"})
	req := httptest.NewRequest(http.MethodPost, "/auth/token", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandlePendingConflictsWithoutStoreReturns503(t *testing.T) {
	r := NewRouter(discardLogger(), auth.NewIssuer(nil, fakeBranchStore{}), fakeStats{}, nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/conflicts/t1", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandlePendingConflictsListsRecords(t *testing.T) {
	lister := fakeConflictLister{records: []model.ConflictRecord{{TenantID: "t1"}}}
	r := NewRouter(discardLogger(), auth.NewIssuer(nil, fakeBranchStore{}), fakeStats{}, lister)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/conflicts/t1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body = %s", rec.Code, rec.Body.String())
	}
	var got []model.ConflictRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(got) != 1 || got[0].TenantID != "t1" {
		t.Errorf("got %+v, want one record for t1", got)
	}
}
