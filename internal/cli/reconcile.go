package cli

import (
	"fmt"

	"github.com/marmos91/lockfs/pkg/config"
	"github.com/spf13/cobra"
)

func newReconcileCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <domain> [path]",
		Short: "Reset orphaned writer locks and purge half-deleted inodes",
		Long: `Reconcile one path, or every Updating and Deleted inode of a domain.

Inodes held by a live session are left alone. Orphans are reset to their last
committed content, or to New when nothing was ever committed.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			return opts.withStack(ctx, func(s *config.Stack) error {
				if len(args) == 2 {
					outcome, err := s.FS.Reconcile(ctx, args[0], args[1])
					if err != nil {
						return err
					}
					_, _ = fmt.Fprintf(out, "%s\t%s\n", outcome, args[1])
					return nil
				}

				results, err := s.FS.ReconcileAll(ctx, args[0])
				for _, r := range results {
					_, _ = fmt.Fprintf(out, "%s\t%s\n", r.Outcome, r.Path)
				}
				return err
			})
		},
	}
}
