// Package cli is the mend command tree. Commands return errors; Main
// maps them onto the exit-code taxonomy so scripts can distinguish a
// budget violation from a failed gate without parsing output.
package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mend-engine/mend/internal/act"
	"github.com/mend-engine/mend/internal/budget"
	"github.com/mend-engine/mend/internal/config"
	"github.com/mend-engine/mend/internal/cycle"
	"github.com/mend-engine/mend/internal/observe"
)

// Exit codes. Scripts rely on these staying stable.
const (
	ExitOK           = 0
	ExitError        = 1
	ExitExecution    = 2
	ExitBudget       = 4
	ExitRollback     = 5
	ExitChainCorrupt = 6
)

// errChainCorrupt marks a failed attestation validation.
var errChainCorrupt = errors.New("attestation chain corrupt")

type rootOptions struct {
	workspace string
	debug     bool
}

// load resolves the workspace to an absolute path and reads its config.
func (o *rootOptions) load() (*config.Config, config.Paths, error) {
	ws, err := filepath.Abs(o.workspace)
	if err != nil {
		return nil, config.Paths{}, fmt.Errorf("resolve workspace: %w", err)
	}
	cfg, err := config.Load(ws)
	if err != nil {
		return nil, config.Paths{}, err
	}
	return cfg, cfg.Resolve(ws), nil
}

// New builds the full command tree.
func New(version string) *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "mend",
		Short:         "Autonomous code-improvement engine",
		Long:          "mend observes a workspace with diagnostics providers, picks a trusted\nrecipe, applies it under a risk budget with an undo snapshot, verifies\nthe outcome against quality gates, and learns from the result.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if opts.debug {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVarP(&opts.workspace, "workspace", "C", ".", "workspace root to operate on")
	root.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newObserveCmd(opts),
		newDecideCmd(opts),
		newActCmd(opts),
		newVerifyCmd(opts),
		newLearnCmd(opts),
		newLoopCmd(opts),
		newUndoCmd(opts),
		newAttestationCmd(opts),
		newTrustCmd(opts),
		newServeCmd(opts, version),
		newVersionCmd(version),
	)
	return root
}

// Main runs the tree and converts the result into a process exit code.
func Main(version string) int {
	if err := New(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mend: %s: %v\n", taxonomy(err), err)
		return exitCode(err)
	}
	return ExitOK
}

func exitCode(err error) int {
	var (
		obsErr  *observe.ObservationError
		violErr *budget.Violation
		execErr *act.ExecutionError
	)
	switch {
	case errors.Is(err, cycle.ErrNeedsRollback):
		return ExitRollback
	case errors.Is(err, errChainCorrupt):
		return ExitChainCorrupt
	case errors.As(err, &violErr):
		return ExitBudget
	case errors.As(err, &execErr):
		return ExitExecution
	case errors.As(err, &obsErr):
		return ExitError
	default:
		return ExitError
	}
}

// taxonomy names the error class for operator triage on stderr.
func taxonomy(err error) string {
	var (
		obsErr  *observe.ObservationError
		violErr *budget.Violation
		execErr *act.ExecutionError
	)
	switch {
	case errors.Is(err, cycle.ErrNeedsRollback):
		return "NEEDS_ROLLBACK"
	case errors.Is(err, errChainCorrupt):
		return "ChainCorruption"
	case errors.As(err, &violErr):
		return "BudgetViolation"
	case errors.As(err, &execErr):
		return "ExecutionError"
	case errors.As(err, &obsErr):
		return "ObservationError"
	default:
		return "error"
	}
}
