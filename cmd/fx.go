package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/fx"

	"github.com/syncmesh/hub/config"
	"github.com/syncmesh/hub/internal/auth"
	"github.com/syncmesh/hub/internal/cache"
	grpchandler "github.com/syncmesh/hub/internal/handler/grpc"
	httphandler "github.com/syncmesh/hub/internal/handler/http"
	wshandler "github.com/syncmesh/hub/internal/handler/ws"
	"github.com/syncmesh/hub/internal/logging"
	"github.com/syncmesh/hub/internal/metrics"
	"github.com/syncmesh/hub/internal/offlinequeue"
	"github.com/syncmesh/hub/internal/protocol"
	"github.com/syncmesh/hub/internal/pubsub"
	"github.com/syncmesh/hub/internal/ratelimit"
	"github.com/syncmesh/hub/internal/registry"
	"github.com/syncmesh/hub/internal/router"
	"github.com/syncmesh/hub/internal/store"
)

// tunablesState holds the hub's hot-reloadable settings behind a mutex, so
// config.LoadHubConfig's onTunablesChange callback (fired from an
// fsnotify goroutine) and the rate limiter / maintenance loop (read on
// their own goroutines) never race, §ambient-stack "Configuration".
type tunablesState struct {
	mu sync.RWMutex
	v  config.Tunables
}

func newTunablesState(v config.Tunables) *tunablesState {
	return &tunablesState{v: v}
}

func (t *tunablesState) get() config.Tunables {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.v
}

func (t *tunablesState) set(v config.Tunables) {
	t.mu.Lock()
	t.v = v
	t.mu.Unlock()
}

// NewHubApp wires every hub-side component named in SPEC_FULL.md's Domain
// Stack and returns the fx.App the caller Starts/Stops, following the
// fx.Lifecycle + fx.Hook idiom the teacher uses for its own client pool
// teardown (infra/client/di/module.go), scaled up from "close one client"
// to "stop three listeners, a pool, and a maintenance loop in order".
//
// Construction happens eagerly, outside fx's own dependency graph: the
// hot-reload wiring needs the rate limiter built before config's
// onTunablesChange callback can reference it, which doesn't fit fx.Provide's
// one-pass graph resolution cleanly. fx here is a lifecycle container, not
// an auto-wiring graph — the same role it plays in the teacher's module.go.
func NewHubApp(cfg *config.HubConfig, tunables *tunablesState) (*fx.App, error) {
	logger, closeLogger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	ctx := context.Background()
	tp, err := metrics.NewTracerProvider(ctx, "syncmesh-hub", os.Stdout)
	if err != nil {
		return nil, fmt.Errorf("build tracer provider: %w", err)
	}
	otel.SetTracerProvider(tp)

	pool, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open metadata store: %w", err)
	}
	metaStore := store.New(pool, logger)
	if err := metaStore.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate metadata store: %w", err)
	}

	auditSink := store.NewAuditSink(metaStore, logger)
	directory := cache.New(metaStore, 4096, logger)
	reg := registry.New(registry.CapsPolicy{
		MaxBranches: func(tenantID string) int {
			tenant, err := metaStore.GetTenant(ctx, tenantID)
			if err != nil {
				return 0
			}
			return tenant.MaxBranches
		},
		MaxPerBranch: 1,
	}, logger)
	offlineQueue := offlinequeue.New(metaStore)

	rateLimiter := ratelimit.New(func(tenantID string) float64 {
		tenant, err := metaStore.GetTenant(ctx, tenantID)
		if err != nil || tenant.RateLimitPerSec <= 0 {
			return tunables.get().DefaultRateLimitPerSec
		}
		return tenant.RateLimitPerSec
	})
	rateLimiter.SetIdleTTL(tunables.get().SessionIdleTTL)

	rt := router.New(reg, directory, offlineQueue, rateLimiter, auditSink, logger)
	rt.SetTransactionRecorder(metaStore)

	var bus *pubsub.Bus
	if cfg.AMQPURL != "" {
		instanceID, err := os.Hostname()
		if err != nil || instanceID == "" {
			instanceID = cfg.ListenGRPC
		}
		bus, err = pubsub.NewBus(cfg.AMQPURL, instanceID, logger)
		if err != nil {
			return nil, fmt.Errorf("connect pubsub bus: %w", err)
		}
		rt.SetRemoteBus(bus)
	}

	secret := []byte(cfg.JWTSecret)
	authenticator := auth.NewAuthenticator(secret, metaStore, metaStore, auditSink)
	issuer := auth.NewIssuer(secret, metaStore)

	wsHandler := wshandler.NewHandler(logger, authenticator, reg, rt)
	grpcService := grpchandler.NewService(logger, authenticator, reg, rt)
	grpcServer := grpchandler.NewServer(grpcService, logger)
	adminRouter := httphandler.NewRouter(logger, issuer, reg, metaStore)

	wsServer := &http.Server{Addr: cfg.ListenWS, Handler: wsHandler}
	adminServer := &http.Server{Addr: cfg.ListenHTTP, Handler: adminRouter}

	maintCtx, cancelMaint := context.WithCancel(context.Background())

	app := fx.New(
		fx.NopLogger,
		fx.Invoke(func(lc fx.Lifecycle) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go func() {
						logger.Info("hub: websocket listener starting", slog.String("addr", cfg.ListenWS))
						if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							logger.Error("hub: websocket listener failed", slog.Any("err", err))
						}
					}()

					go func() {
						logger.Info("hub: admin listener starting", slog.String("addr", cfg.ListenHTTP))
						if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							logger.Error("hub: admin listener failed", slog.Any("err", err))
						}
					}()

					lis, err := net.Listen("tcp", cfg.ListenGRPC)
					if err != nil {
						return fmt.Errorf("listen grpc: %w", err)
					}
					go func() {
						logger.Info("hub: grpc listener starting", slog.String("addr", cfg.ListenGRPC))
						if err := grpcServer.Serve(lis); err != nil {
							logger.Error("hub: grpc listener failed", slog.Any("err", err))
						}
					}()

					go maintenanceLoop(maintCtx, offlineQueue, tunables, logger)

					if bus != nil {
						tenantIDs, err := metaStore.ListTenantIDs(ctx)
						if err != nil {
							logger.Error("hub: listing tenants for pubsub pump failed", slog.Any("err", err))
						}
						for _, tenantID := range tenantIDs {
							go func(tenantID string) {
								if err := bus.Pump(maintCtx, tenantID, rt); err != nil && maintCtx.Err() == nil {
									logger.Error("hub: pubsub pump stopped", slog.String("tenant_id", tenantID), slog.Any("err", err))
								}
							}(tenantID)
						}
					}
					return nil
				},
				OnStop: func(stopCtx context.Context) error {
					cancelMaint()
					broadcastShutdown(stopCtx, metaStore, reg, logger)
					grpcServer.GracefulStop()
					_ = wsServer.Shutdown(stopCtx)
					_ = adminServer.Shutdown(stopCtx)
					if bus != nil {
						_ = bus.Close()
					}
					_ = tp.Shutdown(stopCtx)
					pool.Close()
					return closeLogger()
				},
			})
		}),
	)
	return app, nil
}

// broadcastShutdown tells every live session across every tenant that the
// hub is going away on purpose, before the listeners that would otherwise
// leave them guessing get torn down, §C item 5. Best-effort: a tenant list
// failure or a full send queue just means a branch falls back to its
// ordinary reconnect-on-drop path instead of the fast one.
func broadcastShutdown(ctx context.Context, metaStore *store.Store, reg *registry.Registry, logger *slog.Logger) {
	payload, err := json.Marshal(protocol.ControlPayload{Code: protocol.ControlServerShutdown})
	if err != nil {
		logger.Error("hub: encoding shutdown control payload failed", slog.Any("err", err))
		return
	}

	tenantIDs, err := metaStore.ListTenantIDs(ctx)
	if err != nil {
		logger.Error("hub: listing tenants for shutdown broadcast failed", slog.Any("err", err))
		return
	}
	for _, tenantID := range tenantIDs {
		for _, h := range reg.IterTenant(tenantID) {
			env := protocol.NewEnvelope("", tenantID, h.BranchID, protocol.KindControl, payload, nil)
			h.Enqueue(env)
		}
	}
}

// maintenanceLoop periodically sweeps the offline queue for entries past
// their TTL deadline, §6 "offline-queue eviction interval" — paced by
// tunables so a hot-reloaded interval takes effect on the loop's next
// tick without restarting the process.
func maintenanceLoop(ctx context.Context, q *offlinequeue.Queue, tunables *tunablesState, logger *slog.Logger) {
	for {
		interval := tunables.get().OfflineQueueEvictionInterval
		if interval <= 0 {
			interval = 10 * time.Minute
		}
		select {
		case <-time.After(interval):
			swept, err := q.Expire(ctx, time.Now())
			if err != nil {
				logger.Error("maintenance: offline queue expire failed", slog.Any("err", err))
				continue
			}
			if len(swept) > 0 {
				logger.Info("maintenance: offline queue swept expired entries", slog.Int("count", len(swept)))
			}
		case <-ctx.Done():
			return
		}
	}
}
