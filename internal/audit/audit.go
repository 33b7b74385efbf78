// Package audit defines the security/operational audit trail shared by the
// Authenticator (§4.2), Router (§4.5), and Registry (§4.4): failed
// handshakes, cross-tenant attempts, unknown targets, and displacements
// all funnel through one Event shape so a single writer persists them to
// the metadata store's audit_log table (§6 "Persisted state layout").
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Kind names the audited occurrence, not a Go error type.
type Kind string

const (
	KindAuthFailed         Kind = "auth_failed"
	KindTokenInvalid       Kind = "token_invalid"
	KindTokenExpired       Kind = "token_expired"
	KindTenantInactive     Kind = "tenant_inactive"
	KindCrossTenantAttempt Kind = "cross_tenant_attempt"
	KindUnknownTarget      Kind = "unknown_target"
	KindDisplaced          Kind = "displaced"
	KindRateLimited        Kind = "rate_limited"
	KindAuthSucceeded      Kind = "auth_succeeded"
)

// Event is one audit_log row, §3 "Conflict record" sibling table.
type Event struct {
	Kind     Kind
	TenantID string
	BranchID string
	SourceIP string
	Detail   string
	At       time.Time
}

// Sink persists or emits Events. The hub wires this to a Postgres-backed
// writer; components needing only best-effort visibility (or tests) can
// use SlogSink.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// SlogSink logs every event at the configured logger. It needs no storage,
// so it keeps an audit trail even when storage is degraded (§7 Storage:
// "the in-memory routing plane continues"). The hub process itself wires
// the metadata-store-backed store.AuditSink rather than this sink.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Record(_ context.Context, ev Event) {
	s.Logger.Warn("audit",
		slog.String("kind", string(ev.Kind)),
		slog.String("tenant_id", ev.TenantID),
		slog.String("branch_id", ev.BranchID),
		slog.String("source_ip", ev.SourceIP),
		slog.String("detail", ev.Detail),
	)
}
