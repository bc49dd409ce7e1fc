package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mend-engine/mend/internal/trust"
)

func newTrustCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Inspect and adjust per-action trust records",
	}
	cmd.AddCommand(newTrustShowCmd(opts), newTrustSeedCmd(opts), newTrustResetCmd(opts))
	return cmd
}

func newTrustShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show every trust record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			store, err := trust.Load(paths.TrustStore)
			if err != nil {
				return err
			}
			records := map[string]trust.Record{}
			for _, id := range store.IDs() {
				records[id] = store.Get(id)
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
}

func newTrustSeedCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seed <action-id> <score>",
		Short: "Set an action's trust score directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.ParseFloat(args[1], 64)
			if err != nil || score < 0 || score > 1 {
				return fmt.Errorf("score must be a number in [0,1], got %q", args[1])
			}
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			store, err := trust.Load(paths.TrustStore)
			if err != nil {
				return err
			}
			rec := store.Seed(args[0], score)
			if err := store.Save(); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
}

func newTrustResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <action-id>",
		Short: "Clear an action's blacklist flag and failure streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			store, err := trust.Load(paths.TrustStore)
			if err != nil {
				return err
			}
			if !store.Reset(args[0]) {
				return fmt.Errorf("no trust record for %q", args[0])
			}
			if err := store.Save(); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), store.Get(args[0]))
		},
	}
}
