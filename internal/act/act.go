// Package act applies one selected action to the workspace. The ordering
// contract is absolute: the full effect is planned in memory, the plan is
// checked against the risk budget, an undo snapshot is persisted, and only
// then is anything written.
package act

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mend-engine/mend/internal/budget"
	"github.com/mend-engine/mend/internal/catalog"
	"github.com/mend-engine/mend/internal/proc"
	"github.com/mend-engine/mend/internal/snapshot"
)

// ExecutionError is a subprocess or step-level failure while resolving or
// applying an action. When SnapshotID is set, the workspace may have been
// partially written and is recoverable from that snapshot.
type ExecutionError struct {
	ActionID   string
	Step       int
	Reason     string
	SnapshotID string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("act %s: step %d: %s", e.ActionID, e.Step, e.Reason)
}

// Result reports a completed act phase. TestsRequired carries the action's
// no-test-regression safeguard forward so the verify phase runs the suite.
type Result struct {
	ActionID      string   `json:"action_id"`
	AppliedFiles  []string `json:"applied_files,omitempty"`
	SnapshotID    string   `json:"snapshot_id,omitempty"`
	NoChanges     bool     `json:"no_changes,omitempty"`
	TestsRequired bool     `json:"tests_required,omitempty"`
}

// Executor wires the act phase's collaborators.
type Executor struct {
	Workspace string
	Budget    budget.Budget
	Snapshots *snapshot.Manager
	Runner    proc.Runner
}

// Act resolves the action, enforces the budget, snapshots the originals,
// and applies the planned content. A *budget.Violation return means nothing
// was written; an *ExecutionError with a snapshot id means the snapshot can
// restore the workspace.
func (e *Executor) Act(ctx context.Context, action catalog.Action) (Result, error) {
	plan, err := Resolve(ctx, e.Workspace, action, e.Runner)
	if err != nil {
		return Result{}, err
	}

	if len(plan.Changes) == 0 {
		return Result{ActionID: action.ID, NoChanges: true}, nil
	}

	if limit := action.Safeguards.MaxFilesTouched; limit > 0 && len(plan.Changes) > limit {
		return Result{}, &budget.Violation{
			Kind:   budget.KindTooManyFiles,
			Detail: fmt.Sprintf("%d files exceed the action's safeguard of %d", len(plan.Changes), limit),
		}
	}
	if err := e.Budget.Check(plan.BudgetChanges()); err != nil {
		return Result{}, err
	}

	snapID, err := e.Snapshots.Take(plan.Originals())
	if err != nil {
		return Result{}, &ExecutionError{
			ActionID: action.ID,
			Reason:   fmt.Sprintf("take undo snapshot: %v", err),
		}
	}

	for _, c := range plan.Changes {
		if ctx.Err() != nil {
			return Result{}, &ExecutionError{
				ActionID:   action.ID,
				Reason:     "canceled mid-apply",
				SnapshotID: snapID,
			}
		}
		target := filepath.Join(e.Workspace, filepath.FromSlash(c.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return Result{}, &ExecutionError{
				ActionID:   action.ID,
				Reason:     fmt.Sprintf("create %s: %v", c.Path, err),
				SnapshotID: snapID,
			}
		}
		if err := os.WriteFile(target, c.Updated, 0644); err != nil {
			return Result{}, &ExecutionError{
				ActionID:   action.ID,
				Reason:     fmt.Sprintf("write %s: %v", c.Path, err),
				SnapshotID: snapID,
			}
		}
	}

	return Result{
		ActionID:      action.ID,
		AppliedFiles:  plan.Paths(),
		SnapshotID:    snapID,
		TestsRequired: action.Safeguards.RequireNoTestRegression,
	}, nil
}
