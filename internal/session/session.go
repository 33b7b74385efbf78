// Package session implements §4.3: framed I/O, outbound queue draining,
// heartbeat, and shutdown for one connected branch. Reader and writer run
// as two cooperative goroutines sharing a single cancellation token, the
// same shape as the teacher's Cell/connect pairing of a mailbox consumer
// loop with a pooled per-connection sender.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/syncmesh/hub/internal/apperr"
	"github.com/syncmesh/hub/internal/protocol"
)

var errHeartbeatTimeout = apperr.ErrHeartbeatTimeout

const (
	DefaultOutboundQueueSize = 1024
	HeartbeatInterval        = 30 * time.Second
	HeartbeatTimeout         = 90 * time.Second
	DefaultEnqueueTimeout    = 5 * time.Second
)

// InboundHandler is invoked by the reader goroutine for every decoded
// envelope, after the session has stamped tenant_id/from from its own
// authenticated identity. It typically forwards to the Router.
type InboundHandler func(ctx context.Context, s *Session, env protocol.Envelope)

// CloseHandler is invoked exactly once when the session tears down, so the
// Registry can compare-and-remove its entry (§4.4 remove) without racing a
// newer session for the same branch.
type CloseHandler func(s *Session, cause error)

// Session is one connected branch, ephemeral per spec.md §3.
type Session struct {
	ID       uuid.UUID
	TenantID string
	BranchID string

	ConnectedAt time.Time

	transport Transport
	outbound  *outboundQueue

	ctx       context.Context
	cancel    context.CancelCauseFunc
	onInbound InboundHandler
	onClose   CloseHandler
	logger    *slog.Logger

	lastPeerFrameAt atomic.Int64 // unix nano

	closeOnce    sync.Once
	teardownOnce sync.Once
	wg           sync.WaitGroup
}

// New constructs a Session bound to an authenticated (tenant, branch)
// identity. Call Start to launch its reader/writer/heartbeat goroutines.
func New(parent context.Context, tenantID, branchID string, transport Transport, onInbound InboundHandler, onClose CloseHandler, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancelCause(parent)
	s := &Session{
		ID:          uuid.New(),
		TenantID:    tenantID,
		BranchID:    branchID,
		ConnectedAt: time.Now(),
		transport:   transport,
		outbound:    newOutboundQueue(DefaultOutboundQueueSize),
		ctx:         ctx,
		cancel:      cancel,
		onInbound:   onInbound,
		onClose:     onClose,
		logger:      logger.With(slog.String("tenant_id", tenantID), slog.String("branch_id", branchID)),
	}
	s.lastPeerFrameAt.Store(time.Now().UnixNano())
	return s
}

// Start launches the reader, writer, and heartbeat goroutines. It returns
// immediately; call Wait to block until the session has fully torn down.
func (s *Session) Start() {
	s.wg.Add(3)
	go s.readLoop()
	go s.writeLoop()
	go s.heartbeatLoop()
}

// Wait blocks until all of the session's goroutines have exited.
func (s *Session) Wait() { s.wg.Wait() }

// Context is cancelled the moment the session begins shutting down.
func (s *Session) Context() context.Context { return s.ctx }

// Enqueue submits an envelope for delivery to this branch. It applies the
// backpressure shed policy from §4.3 and never blocks the caller (the
// Router must never block on a single slow session, §5).
func (s *Session) Enqueue(env protocol.Envelope) bool {
	if s.ctx.Err() != nil {
		return false
	}
	return s.outbound.push(env)
}

// ShedCount reports how many envelopes this session has dropped to
// backpressure, for the BackpressureShed metric.
func (s *Session) ShedCount() int64 { return s.outbound.shedCount() }

// Close cancels the session's context, causing both goroutines to exit.
// Safe to call multiple times and concurrently with the goroutines
// themselves (e.g. Registry-initiated eviction racing a transport error).
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.cancel(cause)
	})
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer s.teardown()

	for {
		raw, err := s.transport.ReadFrame()
		if err != nil {
			s.Close(err)
			return
		}

		s.lastPeerFrameAt.Store(time.Now().UnixNano())

		env, err := protocol.Decode(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrUnsupportedKind) {
				s.logger.Warn("dropping malformed frame", slog.Any("err", err))
				continue
			}
			s.logger.Warn("frame decode failed, closing session", slog.Any("err", err))
			s.Close(err)
			return
		}

		// [SPOOFING_GUARD] The reader stamps tenant/from from the
		// session's authenticated identity before anything downstream
		// sees the envelope, §4.3. The Router re-stamps again at §4.5
		// step 1 as defense in depth; both must agree.
		env.TenantID = s.TenantID
		env.From = s.BranchID

		if s.onInbound != nil {
			s.onInbound(s.ctx, s, env)
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	defer s.teardown()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.outbound.notify:
		}

		for {
			env, ok := s.outbound.pop()
			if !ok {
				break
			}
			raw, err := protocol.Encode(env)
			if err != nil {
				s.logger.Error("encode failed, dropping envelope", slog.Any("err", err))
				continue
			}
			if err := s.transport.WriteFrame(raw); err != nil {
				s.Close(err)
				return
			}
		}

		if s.ctx.Err() != nil {
			return
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	checkTicker := time.NewTicker(HeartbeatInterval / 2)
	defer checkTicker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			hb := protocol.NewEnvelope(uuid.NewString(), s.TenantID, s.BranchID, protocol.KindHeartbeat, nil, nil)
			s.Enqueue(hb)
		case <-checkTicker.C:
			last := time.Unix(0, s.lastPeerFrameAt.Load())
			if time.Since(last) > HeartbeatTimeout {
				s.logger.Warn("heartbeat timeout, closing session")
				s.Close(errHeartbeatTimeout)
				return
			}
		}
	}
}

// teardown fires onClose exactly once, whichever of read/write notices the
// cancellation first. Using a separate sync.Once from closeOnce (which
// only guards cancel) lets either goroutine be the one to run it.
func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.transport.Close()
		if s.onClose != nil {
			s.onClose(s, context.Cause(s.ctx))
		}
	})
}
