package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/marmos91/lockfs/pkg/config"
	"github.com/marmos91/lockfs/pkg/store/metadata"
	"github.com/marmos91/lockfs/pkg/vfs"
	"github.com/spf13/cobra"
)

func newPutCommand(opts *options) *cobra.Command {
	var (
		appendMode bool
		keepLock   bool
	)

	cmd := &cobra.Command{
		Use:   "put <domain> <path> [file]",
		Short: "Write a file from a local file or stdin and commit it",
		Long: `Write a file from a local file (or stdin when omitted or "-") and commit it.

The content replaces the committed file unless --append is given. With
--keep-lock the file stays locked after the commit until the command exits.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var src io.Reader = cmd.InOrStdin()
			if len(args) == 3 && args[2] != "-" {
				f, err := os.Open(args[2])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[2], err)
				}
				defer func() { _ = f.Close() }()
				src = f
			}

			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				w, err := s.FS.OpenWriter(ctx, args[0], args[1], vfs.WriterOptions{
					Overwrite: !appendMode,
					Append:    appendMode,
				})
				if err != nil {
					return err
				}
				defer func() { _ = w.Close(ctx) }()

				n, err := io.Copy(w, src)
				if err != nil {
					return err
				}
				if err := w.Commit(ctx, !keepLock); err != nil {
					return err
				}
				if err := w.Close(ctx); err != nil {
					return err
				}

				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s:%s: %d bytes committed\n", args[0], metadata.CleanPath(args[1]), n)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&appendMode, "append", false, "append to the committed content instead of replacing it")
	cmd.Flags().BoolVar(&keepLock, "keep-lock", false, "commit without releasing the lock, releasing it on exit")
	return cmd
}

func newGetCommand(opts *options) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <domain> <path>",
		Short: "Print the committed content of a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dst := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer func() { _ = f.Close() }()
				dst = f
			}

			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				r, err := s.FS.OpenReader(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				defer func() { _ = r.Close() }()

				_, err = io.Copy(dst, r)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func newStatCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <domain> <path>",
		Short: "Print the inode of a file or directory as JSON",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				inode, err := s.FS.Stat(ctx, args[0], args[1])
				if err != nil {
					return err
				}

				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(inode)
			})
		},
	}
}

func newLsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <domain> [dir]",
		Short: "List the direct children of a directory",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 2 {
				dir = args[1]
			}

			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				inodes, err := s.FS.List(ctx, args[0], dir)
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "KIND\tSTATE\tSIZE\tSYNCED\tPATH")
				for _, inode := range inodes {
					synced := "-"
					if inode.SyncTimestamp > 0 {
						synced = time.UnixMilli(inode.SyncTimestamp).Format(time.RFC3339)
					}
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", inode.Kind, inode.State, inode.SyncedSize, synced, inode.Path)
				}
				return tw.Flush()
			})
		},
	}
}

func newMkdirCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <domain> <path>",
		Short: "Create a directory inode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				_, err := s.FS.Mkdir(ctx, args[0], args[1])
				return err
			})
		},
	}
}

func newRmCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <domain> <path>",
		Short: "Delete a file or an empty directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return opts.withStack(ctx, func(s *config.Stack) error {
				return s.FS.Delete(ctx, args[0], args[1])
			})
		},
	}
}
