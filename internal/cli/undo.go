package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mend-engine/mend/internal/cycle"
	"github.com/mend-engine/mend/internal/snapshot"
)

func newUndoCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "undo",
		Short: "Inspect and restore undo snapshots",
	}
	cmd.AddCommand(newUndoListCmd(opts), newUndoRestoreCmd(opts), newUndoSweepCmd(opts))
	return cmd
}

func newUndoListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			infos, err := snapshot.NewManager(paths.SnapshotsDir).List()
			if err != nil {
				return err
			}
			if infos == nil {
				infos = []snapshot.Info{}
			}
			return printJSON(cmd.OutOrStdout(), infos)
		},
	}
}

func newUndoRestoreCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore the workspace files captured in a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			lock, err := cycle.Acquire(paths.LockFile)
			if err != nil {
				return err
			}
			defer lock.Release()

			res, err := snapshot.NewManager(paths.SnapshotsDir).Restore(paths.Workspace, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Partial() {
				return fmt.Errorf("restore of %s was partial: %d file(s) failed", args[0], len(res.Failed))
			}
			return nil
		},
	}
}

func newUndoSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete snapshots past their retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			removed, err := snapshot.NewManager(paths.SnapshotsDir).Sweep(time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired snapshot(s)\n", removed)
			return nil
		},
	}
}
