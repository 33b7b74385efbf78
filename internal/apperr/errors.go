// Package apperr enumerates the error taxonomy shared by the hub and branch
// processes. Components compare against these sentinels with errors.Is
// instead of matching strings, and wrap them with pkg/errors for context.
package apperr

import "github.com/pkg/errors"

// Config errors are fatal at startup (exit code 1).
var (
	ErrMissingConfig = errors.New("config: required setting missing")
	ErrInvalidConfig = errors.New("config: setting failed validation")
)

// Auth errors reject a handshake before a Session is created.
var (
	ErrTokenInvalid   = errors.New("auth: token invalid")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTenantInactive = errors.New("auth: tenant not active")
	ErrAuthFailed     = errors.New("auth: credential mismatch")
)

// ErrDisplaced is the Session.Close cause when a newer handshake for the
// same (tenant, branch) has taken over the registry entry, §4.4 Insert.
var ErrDisplaced = errors.New("registry: session displaced by newer connect")

// Capacity errors are reported to the sender; the session survives.
var (
	ErrTenantBranchLimit    = errors.New("capacity: tenant branch limit reached")
	ErrBranchConnectionLimit = errors.New("capacity: branch connection limit reached")
	ErrRateLimited          = errors.New("capacity: rate limited")
)

// Transport errors. FrameTooLarge/UnsupportedKind survive the session;
// DecodeError/HeartbeatTimeout close it.
var (
	ErrFrameTooLarge    = errors.New("transport: frame too large")
	ErrUnsupportedKind  = errors.New("transport: unsupported envelope kind")
	ErrDecodeError      = errors.New("transport: decode failed")
	ErrHeartbeatTimeout = errors.New("transport: heartbeat timeout")
)

// Routing errors.
var (
	ErrUnknownTarget      = errors.New("routing: unknown target")
	ErrCrossTenantAttempt = errors.New("routing: cross-tenant attempt blocked")
)

// Storage errors are retried with backoff; persistent failure escalates to
// a liveness alarm without blocking the in-memory routing plane.
var (
	ErrStorageTransient  = errors.New("storage: transient failure")
	ErrStoragePersistent = errors.New("storage: persistent failure")
)

// Apply errors, reported to the sender as a SyncNack.
var (
	ErrTransactionFailed = errors.New("apply: transaction failed")
	ErrSchemaMismatch    = errors.New("apply: schema mismatch")
)

// Exit codes, per spec.md §6.
const (
	ExitOK                = 0
	ExitConfigError       = 1
	ExitStorageError      = 2
	ExitAuthBootstrapFail = 3
)
