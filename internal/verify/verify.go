// Package verify re-observes the workspace after an action, gates the
// before/after delta, and attests successful outcomes. A gate failure is not
// an error: it is a normal terminal verdict that recommends a rollback.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mend-engine/mend/internal/act"
	"github.com/mend-engine/mend/internal/attest"
	"github.com/mend-engine/mend/internal/metrics"
	"github.com/mend-engine/mend/internal/observe"
	"github.com/mend-engine/mend/internal/proc"
)

// testSuiteTimeout bounds the no-test-regression gate's suite run.
const testSuiteTimeout = 10 * time.Minute

// Attestation payload: the verified outcome that gets hash-chained. Readers
// of the ledger can recompute its hash to confirm the record is intact.
type Payload struct {
	RunID         string `json:"run_id"`
	ActionID      string `json:"action_id"`
	SnapshotID    string `json:"snapshot_id,omitempty"`
	NewCount      int    `json:"new_count"`
	ResolvedCount int    `json:"resolved_count"`
	BeforeTotal   int    `json:"before_total"`
	AfterTotal    int    `json:"after_total"`
}

// Result is the verify phase's verdict.
type Result struct {
	Passed             bool              `json:"passed"`
	Delta              metrics.Delta     `json:"delta"`
	GateResults        []GateResult      `json:"gate_results"`
	After              *metrics.Snapshot `json:"-"`
	AfterPath          string            `json:"after_path,omitempty"`
	Attestation        *attest.Record    `json:"attestation,omitempty"`
	RollbackSnapshotID string            `json:"rollback_snapshot_id,omitempty"`
}

// FailedGates returns the names of gates that rejected the outcome.
func (r Result) FailedGates() []string {
	var out []string
	for _, g := range r.GateResults {
		if !g.Passed {
			out = append(out, g.Gate)
		}
	}
	return out
}

// Verifier wires the verify phase's collaborators. Store and Chain may be
// nil in tests; then nothing is persisted or attested. TestCommand is the
// workspace's suite invocation for actions that require no test regression.
type Verifier struct {
	Observer    *observe.Observer
	Store       *metrics.Store
	Gates       []Gate
	Chain       *attest.Chain
	TestCommand []string
	Runner      proc.Runner
}

// Verify observes the post-action state, runs every gate, and either
// appends an attestation (all gates passed) or surfaces the undo snapshot
// as the recommended rollback. Rollback is never performed here.
func (v *Verifier) Verify(ctx context.Context, workspace, runID string, before *metrics.Snapshot, actRes act.Result) (Result, error) {
	after, err := v.Observer.Observe(ctx, workspace)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Delta: metrics.Diff(before, after),
		After: after,
	}
	if v.Store != nil {
		path, err := v.Store.Save(after)
		if err != nil {
			return Result{}, err
		}
		res.AfterPath = path
	}

	res.Passed = true
	for _, g := range v.Gates {
		gr := g.Check(res.Delta)
		res.GateResults = append(res.GateResults, gr)
		if !gr.Passed {
			res.Passed = false
			slog.Warn("quality gate failed", "gate", gr.Gate, "reason", gr.Reason)
		}
	}
	if actRes.TestsRequired {
		gr := v.runTestGate(ctx, workspace)
		res.GateResults = append(res.GateResults, gr)
		if !gr.Passed {
			res.Passed = false
			slog.Warn("quality gate failed", "gate", gr.Gate, "reason", gr.Reason)
		}
	}

	if !res.Passed {
		res.RollbackSnapshotID = actRes.SnapshotID
		return res, nil
	}

	if v.Chain != nil {
		rec, err := v.Chain.Append(Payload{
			RunID:         runID,
			ActionID:      actRes.ActionID,
			SnapshotID:    actRes.SnapshotID,
			NewCount:      len(res.Delta.NewDiagnostics),
			ResolvedCount: len(res.Delta.ResolvedDiagnostics),
			BeforeTotal:   res.Delta.BeforeTotal,
			AfterTotal:    res.Delta.AfterTotal,
		})
		if err != nil {
			return Result{}, err
		}
		res.Attestation = &rec
	}
	return res, nil
}

// runTestGate runs the configured test suite in the workspace. The gate
// fails closed: no configured command, a spawn failure, a timeout, or a
// nonzero exit all reject the outcome.
func (v *Verifier) runTestGate(ctx context.Context, workspace string) GateResult {
	const name = "no_test_regression"

	if len(v.TestCommand) == 0 {
		return GateResult{
			Gate:   name,
			Reason: "action requires no test regression but no test_command is configured",
		}
	}

	runner := v.Runner
	if runner == nil {
		runner = proc.Run
	}
	cctx, cancel := context.WithTimeout(ctx, testSuiteTimeout)
	defer cancel()

	res, err := runner(cctx, workspace, v.TestCommand)
	if err != nil {
		return GateResult{
			Gate:   name,
			Reason: fmt.Sprintf("run %s: %v", v.TestCommand[0], err),
		}
	}
	if res.TimedOut {
		return GateResult{
			Gate:   name,
			Reason: fmt.Sprintf("%s timed out after %v", v.TestCommand[0], testSuiteTimeout),
		}
	}
	if res.ExitCode != 0 {
		reason := fmt.Sprintf("%s exited %d", v.TestCommand[0], res.ExitCode)
		if line := strings.TrimSpace(string(res.Stderr)); line != "" {
			if i := strings.IndexByte(line, '\n'); i >= 0 {
				line = line[:i]
			}
			reason += ": " + line
		}
		return GateResult{Gate: name, Reason: reason}
	}
	return GateResult{Gate: name, Passed: true}
}
