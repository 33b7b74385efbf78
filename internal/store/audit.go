package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/syncmesh/hub/internal/audit"
)

// AuditSink implements audit.Sink against the audit_log table. Record
// swallows storage errors (logging them instead) because audit.Sink's
// contract has no error return — a degraded metadata store must not block
// the caller's own request path, §7 Storage "the in-memory routing plane
// continues".
type AuditSink struct {
	store  *Store
	logger *slog.Logger
}

func NewAuditSink(store *Store, logger *slog.Logger) *AuditSink {
	return &AuditSink{store: store, logger: logger}
}

func (a *AuditSink) Record(ctx context.Context, ev audit.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	err := a.store.run(func() (any, error) {
		_, err := a.store.pool.Exec(ctx, `
			INSERT INTO audit_log (kind, tenant_id, branch_id, source_ip, detail, at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, string(ev.Kind), ev.TenantID, ev.BranchID, ev.SourceIP, ev.Detail, ev.At)
		return nil, err
	})
	if err != nil {
		a.logger.Error("audit write failed", slog.String("kind", string(ev.Kind)), slog.Any("err", err))
	}
}
