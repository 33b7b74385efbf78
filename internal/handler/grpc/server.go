package grpc

import (
	"context"
	"log/slog"

	grpcmiddleware "github.com/grpc-ecosystem/go-grpc-middleware/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewServer builds the grpc.Server hosting Service, with a
// recovery.StreamServerInterceptor guarding against a panicking stream
// handler taking down every other in-flight session on the same process
// — the teacher wires its own interceptor chain the same way in
// infra/server/grpc, one recovery interceptor ahead of the rest — and
// otelgrpc.NewServerHandler wiring a trace span around each stream so a
// Sync RPC's spans nest under the same trace as the router.Route/
// apply.Handle spans it triggers downstream.
func NewServer(svc *Service, logger *slog.Logger) *grpc.Server {
	recoveryOpt := recovery.WithRecoveryHandlerContext(func(_ context.Context, p any) error {
		logger.Error("grpc stream handler panicked", slog.Any("panic", p))
		return status.Error(codes.Internal, "session handler panicked")
	})

	chained := grpcmiddleware.ChainStreamServer(recovery.StreamServerInterceptor(recoveryOpt))

	srv := grpc.NewServer(
		grpc.StreamInterceptor(chained),
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	srv.RegisterService(svc.Desc(), svc)
	return srv
}
