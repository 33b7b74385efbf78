// Package auth implements the Authenticator, §4.2: bearer-token handshake
// validation producing a tenant-bound SessionIdentity, and the token issuer
// behind POST /auth/token. Grounded on the pack's golang-jwt/jwt/v5 usage in
// erauner12-toolbridge-api/internal/auth/jwt.go, narrowed to the single
// HS256 signing path this system needs (no upstream IdP/JWKS concern here).
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/syncmesh/hub/internal/apperr"
	"github.com/syncmesh/hub/internal/audit"
	"github.com/syncmesh/hub/internal/domain/model"
)

// TokenTTL is the handshake bearer token lifetime, §6 "Tokens are
// short-lived (15 min)".
const TokenTTL = 15 * time.Minute

// TenantStore resolves a tenant by id. Implemented by the metadata store.
type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (model.Tenant, error)
}

// BranchStore resolves a branch by its composite identity.
type BranchStore interface {
	GetBranch(ctx context.Context, tenantID, branchID string) (model.Branch, error)
}

// SessionIdentity is what a successful handshake yields, §4.2 step 4.
type SessionIdentity struct {
	TenantID  string
	BranchID  string
	SessionID uuid.UUID
}

// Authenticator validates handshake bearer tokens against the tenant and
// branch stores.
type Authenticator struct {
	secret   []byte
	tenants  TenantStore
	branches BranchStore
	audit    audit.Sink
}

func NewAuthenticator(secret []byte, tenants TenantStore, branches BranchStore, sink audit.Sink) *Authenticator {
	return &Authenticator{secret: secret, tenants: tenants, branches: branches, audit: sink}
}

// Authenticate runs §4.2's four-step procedure. sourceIP is recorded on
// every audit entry, success or failure, per the uniform-timing
// requirement (audits happen outside the constant-time comparison itself,
// so they never gate on an attacker-observable branch).
func (a *Authenticator) Authenticate(ctx context.Context, bearerToken, sourceIP string) (SessionIdentity, error) {
	tok, err := jwt.ParseWithClaims(bearerToken, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperr.ErrTokenInvalid
		}
		return a.secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		reason := apperr.ErrTokenInvalid
		if tok != nil {
			if errClaims, ok := tok.Claims.(*claims); ok && errClaims.ExpiresAt != nil && errClaims.ExpiresAt.Before(time.Now()) {
				reason = apperr.ErrTokenExpired
			}
		}
		a.record(ctx, reason, "", "", sourceIP)
		return SessionIdentity{}, reason
	}

	c, ok := tok.Claims.(*claims)
	if !ok || c.TenantID == "" || c.BranchID == "" {
		a.record(ctx, apperr.ErrTokenInvalid, "", "", sourceIP)
		return SessionIdentity{}, apperr.ErrTokenInvalid
	}

	tenant, err := a.tenants.GetTenant(ctx, c.TenantID)
	if err != nil || !tenant.Active() {
		a.record(ctx, apperr.ErrTenantInactive, c.TenantID, c.BranchID, sourceIP)
		return SessionIdentity{}, apperr.ErrTenantInactive
	}

	branch, err := a.branches.GetBranch(ctx, c.TenantID, c.BranchID)
	if err != nil {
		a.record(ctx, apperr.ErrAuthFailed, c.TenantID, c.BranchID, sourceIP)
		return SessionIdentity{}, apperr.ErrAuthFailed
	}

	// The token embeds the api_key hash at issuance time so that rotating
	// a branch's key invalidates outstanding tokens before they expire.
	if subtle.ConstantTimeCompare([]byte(c.KeyHash), []byte(branch.APIKeyHash)) != 1 {
		a.record(ctx, apperr.ErrAuthFailed, c.TenantID, c.BranchID, sourceIP)
		return SessionIdentity{}, apperr.ErrAuthFailed
	}

	a.record(ctx, nil, c.TenantID, c.BranchID, sourceIP)
	return SessionIdentity{TenantID: c.TenantID, BranchID: c.BranchID, SessionID: uuid.New()}, nil
}

// record maps an Authenticate failure (nil on success) to its audit.Kind
// and emits it through the configured sink.
func (a *Authenticator) record(ctx context.Context, reason error, tenantID, branchID, sourceIP string) {
	if a.audit == nil {
		return
	}
	kind := audit.KindAuthSucceeded
	switch {
	case errors.Is(reason, apperr.ErrTokenExpired):
		kind = audit.KindTokenExpired
	case errors.Is(reason, apperr.ErrTokenInvalid):
		kind = audit.KindTokenInvalid
	case errors.Is(reason, apperr.ErrTenantInactive):
		kind = audit.KindTenantInactive
	case errors.Is(reason, apperr.ErrAuthFailed):
		kind = audit.KindAuthFailed
	}
	a.audit.Record(ctx, audit.Event{Kind: kind, TenantID: tenantID, BranchID: branchID, SourceIP: sourceIP, At: time.Now()})
}

// hashAPIKey derives the stored comparison hash for a raw api key, used by
// both the token issuer (to embed key_hash) and branch provisioning (to
// populate api_key_hash). SHA-256 is sufficient here: the key itself is a
// high-entropy generated secret, not a user password, so no salted slow
// hash is warranted.
func hashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
