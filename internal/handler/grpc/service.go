package grpc

import (
	"context"
	"log/slog"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/syncmesh/hub/internal/auth"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/registry"
	"github.com/syncmesh/hub/internal/router"
	"github.com/syncmesh/hub/internal/session"
)

// ServiceName is the gRPC service this package manually registers, §4.1
// "Optional gRPC stream transport". There is no .proto/generated stub
// backing it — see codec.go — so registration goes through a
// hand-built grpc.ServiceDesc instead of a generated *_grpc.pb.go.
const ServiceName = "syncmesh.hub.v1.Session"

// Service implements the single bidirectional-streaming RPC that carries
// a branch's sync session, structurally mirroring the teacher's
// DeliveryService.Stream (subscribe on connect, pump until the stream's
// context ends, unsubscribe on return) generalized to this system's
// session/router plumbing instead of a per-user mailbox.
type Service struct {
	logger   *slog.Logger
	authr    *auth.Authenticator
	registry *registry.Registry
	router   *router.Router
}

func NewService(logger *slog.Logger, authr *auth.Authenticator, reg *registry.Registry, rt *router.Router) *Service {
	return &Service{logger: logger, authr: authr, registry: reg, router: rt}
}

// Desc is the manually-authored grpc.ServiceDesc for Register. HandlerType
// is nil since streamHandler type-asserts srv back to *Service itself
// rather than through a generated interface.
func (s *Service) Desc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{
			{
				StreamName:    "Sync",
				Handler:       streamHandler,
				ServerStreams: true,
				ClientStreams: true,
			},
		},
		Metadata: "syncmesh/hub.proto",
	}
}

func streamHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(*Service)
	ctx := stream.Context()

	token, sourceIP := bearerFromContext(ctx)
	if token == "" {
		return status.Error(codes.Unauthenticated, "missing bearer token")
	}

	identity, err := s.authr.Authenticate(ctx, token, sourceIP)
	if err != nil {
		return status.Error(codes.Unauthenticated, "handshake rejected")
	}

	transport := &streamTransport{stream: stream}
	sess := session.New(ctx, identity.TenantID, identity.BranchID, transport, s.onInbound, s.onClose, s.logger)
	if err := s.registry.Insert(sess); err != nil {
		return status.Error(codes.ResourceExhausted, "registry rejected session")
	}

	sess.Start()
	go s.deliverBacklog(sess)
	sess.Wait()
	return nil
}

// onInbound hands every decoded envelope to the Router, re-stamping its
// identity from the session's own authenticated (tenant, branch), the
// same contract ws.Handler.onInbound applies to the websocket transport.
func (s *Service) onInbound(ctx context.Context, sess *session.Session, env protocol.Envelope) {
	if err := s.router.Route(ctx, sess.TenantID, sess.BranchID, env); err != nil {
		s.logger.Warn("route failed", slog.String("tenant_id", sess.TenantID), slog.String("branch_id", sess.BranchID), slog.Any("err", err))
	}
}

func (s *Service) onClose(sess *session.Session, cause error) {
	s.registry.Remove(sess.TenantID, sess.BranchID, sess.ID)
}

func (s *Service) deliverBacklog(sess *session.Session) {
	const drainBatch = 100
	if err := s.router.DeliverOffline(sess.Context(), sess.TenantID, sess.BranchID, drainBatch); err != nil {
		s.logger.Warn("offline backlog delivery failed", slog.String("tenant_id", sess.TenantID), slog.String("branch_id", sess.BranchID), slog.Any("err", err))
	}
}

// bearerFromContext reads the handshake bearer token out of the stream's
// incoming metadata ("authorization: Bearer <token>") and the caller's
// address from gRPC's peer info, the stream-transport equivalent of the
// ws handler's Authorization header and RemoteAddr.
func bearerFromContext(ctx context.Context) (token, sourceIP string) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		for _, v := range md.Get("authorization") {
			if t := trimBearer(v); t != "" {
				token = t
				break
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		sourceIP = p.Addr.String()
	}
	return token, sourceIP
}

func trimBearer(v string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(v, prefix) {
		return ""
	}
	return strings.TrimPrefix(v, prefix)
}
