package cli

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mend-engine/mend/internal/cycle"
	"github.com/mend-engine/mend/internal/watch"
)

func newLoopCmd(opts *rootOptions) *cobra.Command {
	var count int
	var watchMode bool
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run full Observe→Decide→Act→Verify→Learn cycles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := opts.load()
			if err != nil {
				return err
			}
			orch := cycle.New(paths.Workspace, cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if watchMode {
				w, err := watch.New(paths.Workspace, debounce)
				if err != nil {
					return err
				}
				defer w.Close()
				slog.Info("watching for changes", "workspace", paths.Workspace)
				err = w.Run(ctx, func(ctx context.Context) error {
					if _, err := orch.Run(ctx); err != nil {
						// A failed cycle is logged, not fatal: the
						// watcher keeps serving subsequent changes.
						slog.Error("cycle failed", "err", err)
					}
					return nil
				})
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}

			// Exit code reflects the last cycle's terminal state.
			var last error
			for i := 0; i < count; i++ {
				if _, last = orch.Run(ctx); last != nil {
					slog.Error("cycle failed", "cycle", i+1, "of", count, "err", last)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			return last
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of cycles to run")
	cmd.Flags().BoolVar(&watchMode, "watch", false, "run a cycle after each debounced filesystem change")
	cmd.Flags().DurationVar(&debounce, "debounce", watch.DefaultDebounce, "quiet period before a watched change triggers a cycle")
	return cmd
}
