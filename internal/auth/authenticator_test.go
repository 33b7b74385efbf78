package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/syncmesh/hub/internal/apperr"
	"github.com/syncmesh/hub/internal/audit"
	"github.com/syncmesh/hub/internal/domain/model"
)

type fakeTenantStore struct{ tenants map[string]model.Tenant }

func (f fakeTenantStore) GetTenant(_ context.Context, tenantID string) (model.Tenant, error) {
	t, ok := f.tenants[tenantID]
	if !ok {
		return model.Tenant{}, apperr.ErrAuthFailed
	}
	return t, nil
}

type fakeBranchStore struct{ branches map[string]model.Branch }

func branchKey(tenantID, branchID string) string { return tenantID + "/" + branchID }

func (f fakeBranchStore) GetBranch(_ context.Context, tenantID, branchID string) (model.Branch, error) {
	b, ok := f.branches[branchKey(tenantID, branchID)]
	if !ok {
		return model.Branch{}, apperr.ErrAuthFailed
	}
	return b, nil
}

type recordingAudit struct{ events []audit.Event }

func (r *recordingAudit) Record(_ context.Context, ev audit.Event) { r.events = append(r.events, ev) }

func newFixture(t *testing.T) (*Authenticator, *Issuer, *recordingAudit) {
	t.Helper()
	secret := []byte("test-secret")

	tenants := fakeTenantStore{tenants: map[string]model.Tenant{
		"t1": {ID: "t1", Status: model.TenantActive},
		"t2": {ID: "t2", Status: model.TenantSuspended},
	}}
	branches := fakeBranchStore{branches: map[string]model.Branch{
		branchKey("t1", "b1"): {TenantID: "t1", ID: "b1", APIKeyHash: hashAPIKey("correct-key")},
	}}

	sink := &recordingAudit{}
	return NewAuthenticator(secret, tenants, branches, sink), NewIssuer(secret, branches), sink
}

func TestAuthenticateHappyPath(t *testing.T) {
	authr, issuer, sink := newFixture(t)

	token, err := issuer.Issue(context.Background(), "t1", "b1", "correct-key")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	identity, err := authr.Authenticate(context.Background(), token, "10.0.0.1")
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.TenantID != "t1" || identity.BranchID != "b1" {
		t.Errorf("Authenticate() identity = %+v, want t1/b1", identity)
	}
	if len(sink.events) != 1 || sink.events[0].Kind != audit.KindAuthSucceeded {
		t.Errorf("audit events = %+v, want one KindAuthSucceeded entry", sink.events)
	}
}

func TestIssueRejectsWrongAPIKey(t *testing.T) {
	_, issuer, _ := newFixture(t)
	if _, err := issuer.Issue(context.Background(), "t1", "b1", "wrong-key"); err != apperr.ErrAuthFailed {
		t.Fatalf("Issue() error = %v, want ErrAuthFailed", err)
	}
}

func TestAuthenticateRejectsSuspendedTenant(t *testing.T) {
	authr, _, sink := newFixture(t)

	// Mint a token under t2 (suspended) via a separate issuer whose
	// branch store includes a t2 branch.
	branches := fakeBranchStore{branches: map[string]model.Branch{
		branchKey("t2", "b1"): {TenantID: "t2", ID: "b1", APIKeyHash: hashAPIKey("k")},
	}}
	suspendedIssuer := NewIssuer([]byte("test-secret"), branches)
	token, err := suspendedIssuer.Issue(context.Background(), "t2", "b1", "k")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := authr.Authenticate(context.Background(), token, "10.0.0.1"); err != apperr.ErrTenantInactive {
		t.Fatalf("Authenticate() error = %v, want ErrTenantInactive", err)
	}
	if got := sink.events[len(sink.events)-1].Kind; got != audit.KindTenantInactive {
		t.Errorf("audit kind = %v, want KindTenantInactive", got)
	}
}

func TestAuthenticateRejectsKeyHashMismatchAfterRotation(t *testing.T) {
	authr, issuer, _ := newFixture(t)

	token, err := issuer.Issue(context.Background(), "t1", "b1", "correct-key")
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Rotate the branch's key after the token was issued; the pinned
	// key_hash claim no longer matches.
	authr.branches = fakeBranchStore{branches: map[string]model.Branch{
		branchKey("t1", "b1"): {TenantID: "t1", ID: "b1", APIKeyHash: hashAPIKey("rotated-key")},
	}}

	if _, err := authr.Authenticate(context.Background(), token, "10.0.0.1"); err != apperr.ErrAuthFailed {
		t.Fatalf("Authenticate() error = %v, want ErrAuthFailed", err)
	}
}

func TestAuthenticateRejectsMalformedToken(t *testing.T) {
	authr, _, _ := newFixture(t)
	if _, err := authr.Authenticate(context.Background(), "not-a-jwt", "10.0.0.1"); err == nil {
		t.Fatal("Authenticate() error = nil, want a token error")
	}
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	authr, _, _ := newFixture(t)

	expired := &claims{
		TenantID: "t1",
		BranchID: "b1",
		KeyHash:  hashAPIKey("correct-key"),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, expired).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign expired token: %v", err)
	}

	if _, err := authr.Authenticate(context.Background(), tok, "10.0.0.1"); err != apperr.ErrTokenExpired {
		t.Fatalf("Authenticate() error = %v, want ErrTokenExpired", err)
	}
}
