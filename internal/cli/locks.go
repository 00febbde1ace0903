package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/marmos91/lockfs/internal/logger"
	"github.com/marmos91/lockfs/pkg/config"
	"github.com/spf13/cobra"
)

func newLocksCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "Inspect and use named distributed locks",
	}

	cmd.AddCommand(newLocksListCommand(opts), newLocksCreateCommand(opts), newLocksHoldCommand(opts))
	return cmd
}

func newLocksListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every lock definition in the registry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "MODULE\tNAME\tPATH")
				for _, def := range s.Locks.Definitions() {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Module, def.Name, def.Path)
				}
				return tw.Flush()
			})
		},
	}
}

func newLocksCreateCommand(opts *options) *cobra.Command {
	var module, path string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a lock definition, or show the existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				def, outcome, err := s.Locks.FindOrCreate(ctx, path, module, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", outcome, def.Key(), def.Path)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "lock module (default: the configured module)")
	cmd.Flags().StringVar(&path, "path", "", "resource path recorded in the definition (default: the name)")
	return cmd
}

func newLocksHoldCommand(opts *options) *cobra.Command {
	var (
		module string
		hold   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "hold <name>",
		Short: "Acquire a lock and hold it until the duration elapses or the command is interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				l, err := s.Locks.CreateLock(ctx, "", module, args[0])
				if err != nil {
					return err
				}
				defer func() {
					if err := l.Close(context.WithoutCancel(ctx)); err != nil {
						logger.Warn("Failed to release %s: %v", l.Key(), err)
					}
				}()

				start := time.Now()
				if err := l.Lock(ctx); err != nil {
					return err
				}
				defer l.Unlock()

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "acquired %s after %s\n", l.Key(), time.Since(start).Round(time.Millisecond))

				timer := time.NewTimer(hold)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", l.Key())
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&module, "module", "", "lock module (default: the configured module)")
	cmd.Flags().DurationVar(&hold, "for", 10*time.Second, "how long to hold the lock")
	return cmd
}
