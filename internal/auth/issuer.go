package auth

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/syncmesh/hub/internal/apperr"
)

// Issuer mints the short-lived bearer tokens handed out by
// POST /auth/token, §6. It shares the Authenticator's secret and branch
// store but is a distinct type since token issuance and handshake
// validation have different callers (the HTTP admin surface vs. the
// websocket upgrade path).
type Issuer struct {
	secret   []byte
	branches BranchStore
}

func NewIssuer(secret []byte, branches BranchStore) *Issuer {
	return &Issuer{secret: secret, branches: branches}
}

// Issue verifies apiKey against the branch's stored hash and, on success,
// returns a signed HS256 token valid for TokenTTL.
func (i *Issuer) Issue(ctx context.Context, tenantID, branchID, apiKey string) (string, error) {
	branch, err := i.branches.GetBranch(ctx, tenantID, branchID)
	if err != nil {
		return "", apperr.ErrAuthFailed
	}

	presented := hashAPIKey(apiKey)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(branch.APIKeyHash)) != 1 {
		return "", apperr.ErrAuthFailed
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		TenantID: tenantID,
		BranchID: branchID,
		KeyHash:  branch.APIKeyHash,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	})
	return tok.SignedString(i.secret)
}
