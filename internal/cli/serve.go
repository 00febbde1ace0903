package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/config"
	"github.com/spf13/cobra"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the background reconciler and the metrics endpoint",
		Long: `Run the orphan reconciler over vfs.domains every vfs.reconcile_interval
and, when metrics.enabled is set, serve Prometheus metrics and /healthz.
Runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	// The endpoint starts only after the stack is assigned.
	var stack *config.Stack
	m := config.InitializeMetrics(cfg, func(ctx context.Context) error {
		if stack == nil {
			return errors.New("starting")
		}
		return stack.Health(ctx)
	})

	stack, err := config.Build(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("Shutdown error: %v", err)
		}
	}()

	// ========================================================================
	// Step 1: Reconciler
	// ========================================================================

	if len(cfg.VFS.Domains) == 0 {
		logger.Warn("No vfs.domains configured, background reconciliation disabled")
	}
	stack.FS.StartReconciler(ctx, cfg.VFS.ReconcileInterval, cfg.VFS.Domains...)

	// ========================================================================
	// Step 2: Metrics endpoint
	// ========================================================================

	errCh := make(chan error, 1)
	if m.Server != nil {
		go func() { errCh <- m.Server.Start(ctx) }()
	}

	logger.Info("lockfs serving (environment=%s, domains=%v)", cfg.Coordination.Environment, cfg.VFS.Domains)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		if m.Server != nil {
			return <-errCh
		}
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	}
}
