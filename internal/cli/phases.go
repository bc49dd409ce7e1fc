package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mend-engine/mend/internal/act"
	"github.com/mend-engine/mend/internal/attest"
	"github.com/mend-engine/mend/internal/catalog"
	"github.com/mend-engine/mend/internal/cycle"
	"github.com/mend-engine/mend/internal/decide"
	"github.com/mend-engine/mend/internal/learn"
	"github.com/mend-engine/mend/internal/metrics"
	"github.com/mend-engine/mend/internal/observe"
	"github.com/mend-engine/mend/internal/snapshot"
	"github.com/mend-engine/mend/internal/trust"
	"github.com/mend-engine/mend/internal/verify"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newObserveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "observe",
		Short: "Collect diagnostics and persist a metrics snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := opts.load()
			if err != nil {
				return err
			}
			lock, err := cycle.Acquire(paths.LockFile)
			if err != nil {
				return err
			}
			defer lock.Release()

			snap, err := observe.New(cfg.Providers).Observe(cmd.Context(), paths.Workspace)
			if err != nil {
				return err
			}
			if _, err := metrics.NewStore(paths.MetricsDir).Save(snap); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func newDecideCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decide",
		Short: "Show the action the engine would pick for the latest snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := opts.load()
			if err != nil {
				return err
			}
			lock, err := cycle.Acquire(paths.LockFile)
			if err != nil {
				return err
			}
			defer lock.Release()

			snap, _, err := metrics.NewStore(paths.MetricsDir).Latest()
			if errors.Is(err, os.ErrNotExist) {
				// No stored snapshot yet: observe fresh. Any other error,
				// such as an unreadable snapshot, must surface.
				if snap, err = observe.New(cfg.Providers).Observe(cmd.Context(), paths.Workspace); err != nil {
					return err
				}
			} else if err != nil {
				return err
			}
			trustStore, err := trust.Load(paths.TrustStore)
			if err != nil {
				return err
			}
			cat, err := catalog.LoadDir(paths.RecipesDir)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), decide.Decide(snap, trustStore, cat))
		},
	}
}

func newActCmd(opts *rootOptions) *cobra.Command {
	var actionID string
	var approve bool

	cmd := &cobra.Command{
		Use:   "act",
		Short: "Apply the decided action under the risk budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := opts.load()
			if err != nil {
				return err
			}
			lock, err := cycle.Acquire(paths.LockFile)
			if err != nil {
				return err
			}
			defer lock.Release()

			store := metrics.NewStore(paths.MetricsDir)
			snap, snapPath, err := store.Latest()
			if err != nil {
				return fmt.Errorf("no metrics snapshot found, run `mend observe` first: %w", err)
			}
			trustStore, err := trust.Load(paths.TrustStore)
			if err != nil {
				return err
			}
			cat, err := catalog.LoadDir(paths.RecipesDir)
			if err != nil {
				return err
			}

			var (
				action catalog.Action
				dec    decide.Decision
			)
			if actionID != "" {
				var ok bool
				if action, ok = cat.Get(actionID); !ok {
					return fmt.Errorf("unknown action %q", actionID)
				}
				if action.Safeguards.RequiresManualApproval && !approve {
					return fmt.Errorf("action %q requires --approve", actionID)
				}
				dec = decide.Decision{ActionID: actionID, Reason: "operator forced"}
			} else {
				dec = decide.Decide(snap, trustStore, cat)
				if dec.IsNoop() {
					return printJSON(cmd.OutOrStdout(), dec)
				}
				action, _ = cat.Get(dec.ActionID)
			}

			executor := &act.Executor{
				Workspace: paths.Workspace,
				Budget:    cfg.Budget,
				Snapshots: snapshot.NewManager(paths.SnapshotsDir),
			}
			started := time.Now()
			res, err := executor.Act(cmd.Context(), action)
			if err != nil {
				return err
			}

			// Record the run so a later `mend verify` can complete it.
			entry := &cycle.LedgerEntry{
				RunID:     uuid.NewString(),
				Workspace: paths.Workspace,
				State:     cycle.StateActing,
				Started:   started,
				Phases: map[string]cycle.PhaseRecord{
					cycle.PhaseAct: {Started: started, DurationMS: time.Since(started).Milliseconds()},
				},
				BeforeSnapshot: &cycle.SnapshotRef{Path: snapPath, Count: snap.Total()},
				Decision:       &cycle.DecisionRecord{ActionID: dec.ActionID, Reason: dec.Reason},
				Act: &cycle.ActRecord{
					AppliedFiles:  res.AppliedFiles,
					SnapshotID:    res.SnapshotID,
					TestsRequired: res.TestsRequired,
				},
			}
			if err := cycle.NewLedger(paths.LedgerDir).Write(entry); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "run this recipe instead of the decided one")
	cmd.Flags().BoolVar(&approve, "approve", false, "confirm an approval-gated recipe")
	return cmd
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Gate the most recent acted run and attest it on success",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, paths, err := opts.load()
			if err != nil {
				return err
			}
			lock, err := cycle.Acquire(paths.LockFile)
			if err != nil {
				return err
			}
			defer lock.Release()

			ledger := cycle.NewLedger(paths.LedgerDir)
			entry, err := latestUnverified(ledger)
			if err != nil {
				return err
			}

			store := metrics.NewStore(paths.MetricsDir)
			before, err := store.Load(entry.BeforeSnapshot.Path)
			if err != nil {
				return err
			}
			gates, err := verify.LoadGates(paths.GatesPath)
			if err != nil {
				return err
			}
			chain, err := attest.Open(paths.Attestations)
			if err != nil {
				return err
			}

			verifier := &verify.Verifier{
				Observer:    observe.New(cfg.Providers),
				Store:       store,
				Gates:       gates,
				Chain:       chain,
				TestCommand: cfg.TestCommand,
			}
			actRes := act.Result{
				ActionID:      entry.Decision.ActionID,
				AppliedFiles:  entry.Act.AppliedFiles,
				SnapshotID:    entry.Act.SnapshotID,
				TestsRequired: entry.Act.TestsRequired,
			}
			started := time.Now()
			vres, err := verifier.Verify(cmd.Context(), paths.Workspace, entry.RunID, before, actRes)
			if err != nil {
				return err
			}

			entry.Phases[cycle.PhaseVerify] = cycle.PhaseRecord{Started: started, DurationMS: time.Since(started).Milliseconds()}
			entry.Verify = &cycle.VerifyRecord{
				Passed:      vres.Passed,
				FailedGates: vres.FailedGates(),
				New:         len(vres.Delta.NewDiagnostics),
				Resolved:    len(vres.Delta.ResolvedDiagnostics),
			}
			if vres.After != nil {
				entry.AfterSnapshot = &cycle.SnapshotRef{Path: vres.AfterPath, Count: vres.After.Total()}
			}
			if vres.Attestation != nil {
				seq := vres.Attestation.Seq
				entry.AttestationSeq = &seq
			}
			entry.State = cycle.StateIdle
			if !vres.Passed {
				entry.State = cycle.StateNeedsRollback
			}
			if err := ledger.Write(entry); err != nil {
				return err
			}

			if err := printJSON(cmd.OutOrStdout(), vres); err != nil {
				return err
			}
			if !vres.Passed {
				return cycle.ErrNeedsRollback
			}
			return nil
		},
	}
}

// latestUnverified returns the newest ledger entry that acted but was
// never verified.
func latestUnverified(ledger *cycle.Ledger) (*cycle.LedgerEntry, error) {
	entries, err := ledger.Tail(0)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Act != nil && entries[i].Verify == nil {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no acted run awaiting verification, run `mend act` first")
}

func newLearnCmd(opts *rootOptions) *cobra.Command {
	var actionID string
	var passed bool

	cmd := &cobra.Command{
		Use:   "learn",
		Short: "Record a verification outcome in the trust store",
		Args:  cobra.NoArgs,
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

			trustStore, err := trust.Load(paths.TrustStore)
			if err != nil {
				return err
			}
			outcome := learn.Learn(trustStore, actionID, passed)
			if outcome.Updated {
				if err := trustStore.Save(); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), outcome)
		},
	}
	cmd.Flags().StringVar(&actionID, "action", "", "action id to update")
	cmd.Flags().BoolVar(&passed, "passed", false, "whether verification passed")
	cmd.MarkFlagRequired("action")
	return cmd
}
