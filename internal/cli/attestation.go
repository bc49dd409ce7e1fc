package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mend-engine/mend/internal/attest"
)

func newAttestationCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attestation",
		Short: "Inspect and validate the attestation chain",
	}
	cmd.AddCommand(newAttestationValidateCmd(opts), newAttestationTailCmd(opts))
	return cmd
}

func newAttestationValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Re-derive every record hash from genesis",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			res, err := attest.Validate(paths.Attestations)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return fmt.Errorf("%w: broken at index %d: %s", errChainCorrupt, res.BrokenAt, res.Reason)
			}
			return nil
		},
	}
}

func newAttestationTailCmd(opts *rootOptions) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent attestation records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, paths, err := opts.load()
			if err != nil {
				return err
			}
			records, err := attest.Tail(paths.Attestations, count)
			if err != nil {
				return err
			}
			if records == nil {
				records = []attest.Record{}
			}
			return printJSON(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of records to show")
	return cmd
}
