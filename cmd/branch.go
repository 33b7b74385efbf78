package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/syncmesh/hub/config"
	"github.com/syncmesh/hub/internal/branch"
	"github.com/syncmesh/hub/internal/conflict"
	"github.com/syncmesh/hub/internal/domain/model"
	"github.com/syncmesh/hub/internal/logging"
	"github.com/syncmesh/hub/internal/store"
)

// BranchRunner owns a branch agent process's lifetime: its Postgres pool,
// the CDC Reader/Apply Pipeline pair, and the hub connection that serves
// both.
type BranchRunner struct {
	client      *branch.Client
	pool        *pgxpool.Pool
	logger      *slog.Logger
	closeLogger func() error
}

// NewBranchRunner builds the branch-local persistence, conflict resolver,
// CDC Reader, Apply Pipeline, and hub Client, wiring the SetSender
// circular-dependency break exactly as DESIGN.md's internal/branch Client
// entry describes.
func NewBranchRunner(cfg *config.BranchConfig) (*BranchRunner, error) {
	logger, closeLogger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	ctx := context.Background()
	pool, err := store.Open(ctx, cfg.LocalDatabaseURL)
	if err != nil {
		closeLogger()
		return nil, fmt.Errorf("open local database: %w", err)
	}

	pgStore := branch.NewPGStore(pool, cfg.BranchID)
	if err := pgStore.Migrate(ctx); err != nil {
		pool.Close()
		closeLogger()
		return nil, fmt.Errorf("migrate local database: %w", err)
	}

	resolver := conflict.New(pgStore, pgStore, logger)

	reader := branch.NewCDCReader(cfg.TenantID, cfg.BranchID, pgStore, pgStore, nil, func(batchID string, attempts int) {
		logger.Warn("cdc: batch stalled", "batch_id", batchID, "attempts", attempts)
	}, logger)
	reader.SetInterval(cfg.SyncInterval)

	apply := branch.NewApplyPipeline(cfg.TenantID, cfg.BranchID, pgStore, resolver, nil, logger)

	tenant := model.Tenant{
		ID:               cfg.TenantID,
		Status:           model.TenantActive,
		ConflictStrategy: model.ConflictStrategy(cfg.ConflictStrategy),
		SourcePriority:   cfg.SourcePriority,
	}

	client := branch.NewClient(cfg.TenantID, cfg.BranchID, cfg.APIKey, cfg.HubWSURL, cfg.HubTokenURL, tenant, reader, apply, logger)
	reader.SetSender(client)
	apply.SetSender(client)

	return &BranchRunner{client: client, pool: pool, logger: logger, closeLogger: closeLogger}, nil
}

// Run connects to the hub and serves until ctx is cancelled, also driving
// the CDC Reader's poll loop alongside the Client's read loop. If the
// Client's read loop exits on its own (not via ctx cancellation), Run
// returns that error rather than letting a background goroutine panic the
// process, so the caller (cmd.branchCmd's Action) can report it and exit
// cleanly.
func (r *BranchRunner) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	clientErr := make(chan error, 1)
	app := fx.New(
		fx.NopLogger,
		fx.Invoke(func(lc fx.Lifecycle) {
			lc.Append(fx.Hook{
				OnStart: func(context.Context) error {
					go r.client.Reader().Run(runCtx)
					go func() {
						clientErr <- r.client.Run(runCtx)
					}()
					return nil
				},
			})
		}),
	)
	if err := app.Start(ctx); err != nil {
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-clientErr:
		if err != nil && ctx.Err() == nil {
			r.logger.Error("branch client stopped unexpectedly", "err", err)
			runErr = fmt.Errorf("branch client stopped unexpectedly: %w", err)
		}
	}

	cancel()
	if err := app.Stop(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases the local Postgres pool and flushes the logger. It does
// not close the hub connection, which is tied to Run's ctx instead.
func (r *BranchRunner) Close() {
	r.pool.Close()
	r.closeLogger()
}
