package store

import (
	"context"
	"testing"

	"github.com/syncmesh/hub/internal/audit"
)

func TestAuditSinkRecord(t *testing.T) {
	s := getTestStore(t)
	sink := NewAuditSink(s, discardLogger())

	sink.Record(context.Background(), audit.Event{Kind: audit.KindUnknownTarget, TenantID: "t1", BranchID: "b1"})

	var count int
	if err := s.pool.QueryRow(context.Background(), "SELECT count(*) FROM audit_log WHERE kind = $1", string(audit.KindUnknownTarget)).Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 1 {
		t.Errorf("audit_log rows = %d, want 1", count)
	}
}
