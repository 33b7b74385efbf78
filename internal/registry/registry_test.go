package registry

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/session"
)

// fakeTransport is an in-memory Transport backed by channels, enough to let
// Session.Start run its goroutines without a real socket.
type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	reads  chan []byte
	writes chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{reads: make(chan []byte, 8), writes: make(chan []byte, 8)}
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	b, ok := <-t.reads
	if !ok {
		return nil, io.EOF
	}
	return b, nil
}

func (t *fakeTransport) WriteFrame(b []byte) error {
	select {
	case t.writes <- b:
	default:
	}
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.reads)
	}
	return nil
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// newTestSession builds and starts a Session over a fakeTransport, so
// displacement and heartbeat goroutines behave as they would in production.
func newTestSession(t *testing.T, tenantID, branchID string) (*session.Session, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	sess := session.New(context.Background(), tenantID, branchID, tr, nil, func(*session.Session, error) {}, discardLogger())
	sess.Start()
	t.Cleanup(func() { tr.Close() })
	return sess, tr
}

func TestInsertAndLookup(t *testing.T) {
	r := New(CapsPolicy{}, discardLogger())
	sess, _ := newTestSession(t, "t1", "b1")

	if err := r.Insert(sess); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	h, ok := r.Lookup("t1", "b1")
	if !ok {
		t.Fatal("Lookup() ok = false, want true")
	}
	if h.SessionID != sess.ID {
		t.Errorf("Lookup() session id = %v, want %v", h.SessionID, sess.ID)
	}
}

func TestInsertDisplacesPriorSession(t *testing.T) {
	r := New(CapsPolicy{}, discardLogger())

	first, firstTr := newTestSession(t, "t1", "b1")
	if err := r.Insert(first); err != nil {
		t.Fatalf("Insert(first) error = %v", err)
	}

	second, _ := newTestSession(t, "t1", "b1")
	if err := r.Insert(second); err != nil {
		t.Fatalf("Insert(second) error = %v", err)
	}

	select {
	case <-first.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("displaced session was not closed")
	}

	h, ok := r.Lookup("t1", "b1")
	if !ok || h.SessionID != second.ID {
		t.Fatalf("Lookup() after displacement = %+v, %v, want second session", h, ok)
	}

	if r.Displacements() != 1 {
		t.Errorf("Displacements() = %d, want 1", r.Displacements())
	}

	select {
	case raw := <-firstTr.writes:
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Decode(displacement frame) error = %v", err)
		}
		if env.Kind != protocol.KindControl {
			t.Errorf("displacement frame kind = %v, want Control", env.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("displaced session never received a Control frame")
	}
}

func TestInsertEnforcesMaxBranches(t *testing.T) {
	r := New(CapsPolicy{MaxBranches: func(string) int { return 1 }}, discardLogger())

	a, _ := newTestSession(t, "t1", "branch-a")
	if err := r.Insert(a); err != nil {
		t.Fatalf("Insert(a) error = %v", err)
	}

	b, _ := newTestSession(t, "t1", "branch-b")
	if err := r.Insert(b); err == nil {
		t.Fatal("Insert(b) error = nil, want ErrTenantBranchLimit")
	}
}

func TestRemoveIsCompareAndRemove(t *testing.T) {
	r := New(CapsPolicy{}, discardLogger())

	first, _ := newTestSession(t, "t1", "b1")
	if err := r.Insert(first); err != nil {
		t.Fatalf("Insert(first) error = %v", err)
	}

	second, _ := newTestSession(t, "t1", "b1")
	if err := r.Insert(second); err != nil {
		t.Fatalf("Insert(second) error = %v", err)
	}

	// A stale removal for the displaced session must not evict the
	// newer one.
	r.Remove("t1", "b1", first.ID)
	if _, ok := r.Lookup("t1", "b1"); !ok {
		t.Fatal("Lookup() after stale Remove = false, want true")
	}

	r.Remove("t1", "b1", second.ID)
	if _, ok := r.Lookup("t1", "b1"); ok {
		t.Fatal("Lookup() after Remove = true, want false")
	}
}

func TestIterTenantSnapshotsLiveHandles(t *testing.T) {
	r := New(CapsPolicy{}, discardLogger())

	a, _ := newTestSession(t, "t1", "branch-a")
	b, _ := newTestSession(t, "t1", "branch-b")
	c, _ := newTestSession(t, "t2", "branch-c")

	for _, s := range []*session.Session{a, b, c} {
		if err := r.Insert(s); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	handles := r.IterTenant("t1")
	if len(handles) != 2 {
		t.Fatalf("IterTenant(t1) returned %d handles, want 2", len(handles))
	}
}
