package auth

import "github.com/golang-jwt/jwt/v5"

// claims is the handshake bearer token's payload, §4.2 step 1. Tokens are
// HS256, signed with the hub's configured secret, and short-lived (15 min,
// §6 "Session endpoint").
type claims struct {
	TenantID string `json:"tenant_id"`
	BranchID string `json:"branch_id"`
	// KeyHash pins the branch's api_key_hash at issuance time so a key
	// rotation invalidates outstanding tokens before they expire.
	KeyHash string `json:"key_hash"`
	jwt.RegisteredClaims
}
