// Package cli implements the lockfs command line.
package cli

import (
	"context"
	"fmt"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/config"
	"github.com/spf13/cobra"
)

// options are the global flags shared by every command.
type options struct {
	configPath string
	logLevel   string

	// cfg is loaded by the root PersistentPreRunE.
	cfg *config.Config
}

// NewRootCommand builds the lockfs command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "lockfs",
		Short: "Distributed file locking with crash-safe commits",
		Long: `lockfs stores files as inodes plus durable content and serializes writers
through distributed locks. Writes are staged locally and published atomically
on commit; sessions that die leave orphans that are reconciled on next access.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (default is $HOME/.config/lockfs/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override the configured log level (DEBUG, INFO, WARN, ERROR)")

	root.AddCommand(
		newPutCommand(opts),
		newGetCommand(opts),
		newStatCommand(opts),
		newLsCommand(opts),
		newMkdirCommand(opts),
		newRmCommand(opts),
		newReconcileCommand(opts),
		newLocksCommand(opts),
		newConfigCommand(opts),
		newServeCommand(opts),
	)

	return root
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *options) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}

	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("--log-level: %w", err)
		}
	}

	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output); err != nil {
		return err
	}

	o.cfg = cfg
	return nil
}

// withStack builds the component stack without metrics, runs fn and closes
// the stack.
func (o *options) withStack(ctx context.Context, fn func(s *config.Stack) error) error {
	stack, err := config.Build(ctx, o.cfg, nil)
	if err != nil {
		return err
	}

	runErr := fn(stack)
	closeErr := stack.Close(context.WithoutCancel(ctx))
	if runErr != nil {
		return runErr
	}
	return closeErr
}
