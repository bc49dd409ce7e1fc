// Package cycle runs the Observe→Decide→Act→Verify→Learn loop. One
// Orchestrator.Run is one cycle: it holds the workspace lock for its
// whole duration and rewrites the run's ledger entry after every phase.
package cycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mend-engine/mend/internal/act"
	"github.com/mend-engine/mend/internal/attest"
	"github.com/mend-engine/mend/internal/catalog"
	"github.com/mend-engine/mend/internal/config"
	"github.com/mend-engine/mend/internal/decide"
	"github.com/mend-engine/mend/internal/learn"
	"github.com/mend-engine/mend/internal/metrics"
	"github.com/mend-engine/mend/internal/observe"
	"github.com/mend-engine/mend/internal/proc"
	"github.com/mend-engine/mend/internal/snapshot"
	"github.com/mend-engine/mend/internal/trust"
	"github.com/mend-engine/mend/internal/verify"
)

// Cycle states. IDLE is the terminal state of a completed cycle;
// ABORTED and NEEDS_ROLLBACK are the failure terminals.
const (
	StateIdle          = "IDLE"
	StateObserving     = "OBSERVING"
	StateDeciding      = "DECIDING"
	StateActing        = "ACTING"
	StateVerifying     = "VERIFYING"
	StateLearning      = "LEARNING"
	StateAborted       = "ABORTED"
	StateNeedsRollback = "NEEDS_ROLLBACK"
)

// ErrNeedsRollback is returned by Run when verification gates reject the
// applied mutation. The ledger entry names the snapshot that restores the
// workspace; restoring is an explicit operator action, never automatic.
var ErrNeedsRollback = errors.New("verification failed, rollback recommended")

// Orchestrator wires the five phases together over one workspace.
type Orchestrator struct {
	Config   *config.Config
	Paths    config.Paths
	Runner   proc.Runner
	Clock    func() time.Time
	NewRunID func() string
}

// New returns an orchestrator for workspace with the real runner and clock.
func New(workspace string, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		Config:   cfg,
		Paths:    cfg.Resolve(workspace),
		Runner:   proc.Run,
		Clock:    time.Now,
		NewRunID: uuid.NewString,
	}
}

// Run executes one full cycle under the workspace lock. The returned
// entry always records the terminal state; err carries the failing
// phase's error (or ErrNeedsRollback) when the cycle did not complete
// cleanly.
func (o *Orchestrator) Run(ctx context.Context) (*LedgerEntry, error) {
	lock, err := Acquire(o.Paths.LockFile)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	ledger := NewLedger(o.Paths.LedgerDir)
	entry := &LedgerEntry{
		RunID:     o.NewRunID(),
		Workspace: o.Paths.Workspace,
		Started:   o.Clock(),
		State:     StateObserving,
		Phases:    map[string]PhaseRecord{},
	}
	slog.Info("cycle started", "run_id", entry.RunID, "workspace", o.Paths.Workspace)

	// Observe.
	observer := observe.New(o.Config.Providers)
	observer.Runner = o.Runner
	observer.Clock = o.Clock
	store := metrics.NewStore(o.Paths.MetricsDir)

	var before *metrics.Snapshot
	err = o.phase(ledger, entry, PhaseObserve, StateObserving, func() error {
		snap, err := observer.Observe(ctx, o.Paths.Workspace)
		if err != nil {
			return err
		}
		path, err := store.Save(snap)
		if err != nil {
			return err
		}
		before = snap
		entry.BeforeSnapshot = &SnapshotRef{Path: path, Count: snap.Total()}
		return nil
	})
	if err != nil {
		return o.abort(ledger, entry, err)
	}

	// Decide.
	var (
		trustStore *trust.Store
		cat        *catalog.Catalog
		dec        decide.Decision
	)
	err = o.phase(ledger, entry, PhaseDecide, StateDeciding, func() error {
		var err error
		if trustStore, err = trust.Load(o.Paths.TrustStore); err != nil {
			return err
		}
		if cat, err = catalog.LoadDir(o.Paths.RecipesDir); err != nil {
			return err
		}
		dec = decide.Decide(before, trustStore, cat)
		entry.Decision = &DecisionRecord{ActionID: dec.ActionID, Reason: dec.Reason}
		return nil
	})
	if err != nil {
		return o.abort(ledger, entry, err)
	}

	// A noop decision skips straight to learning with no trust update.
	if dec.IsNoop() {
		if err := o.phase(ledger, entry, PhaseLearn, StateLearning, func() error { return nil }); err != nil {
			return o.abort(ledger, entry, err)
		}
		return o.finish(ledger, entry, StateIdle, nil)
	}

	// Act.
	action, ok := cat.Get(dec.ActionID)
	if !ok {
		return o.abort(ledger, entry, errors.New("decided action missing from catalog: "+dec.ActionID))
	}
	executor := &act.Executor{
		Workspace: o.Paths.Workspace,
		Budget:    o.Config.Budget,
		Snapshots: snapshot.NewManager(o.Paths.SnapshotsDir),
		Runner:    o.Runner,
	}
	var actRes act.Result
	err = o.phase(ledger, entry, PhaseAct, StateActing, func() error {
		var err error
		if actRes, err = executor.Act(ctx, action); err != nil {
			return err
		}
		entry.Act = &ActRecord{
			AppliedFiles:  actRes.AppliedFiles,
			SnapshotID:    actRes.SnapshotID,
			TestsRequired: actRes.TestsRequired,
		}
		return nil
	})
	if err != nil {
		return o.abort(ledger, entry, err)
	}

	// A plan that changes nothing: there is no outcome to gate or to
	// credit, so the cycle ends like a noop.
	if actRes.NoChanges {
		if err := o.phase(ledger, entry, PhaseLearn, StateLearning, func() error { return nil }); err != nil {
			return o.abort(ledger, entry, err)
		}
		return o.finish(ledger, entry, StateIdle, nil)
	}

	// Verify.
	var vres verify.Result
	err = o.phase(ledger, entry, PhaseVerify, StateVerifying, func() error {
		chain, err := attest.Open(o.Paths.Attestations)
		if err != nil {
			return err
		}
		gates, err := verify.LoadGates(o.Paths.GatesPath)
		if err != nil {
			return err
		}
		verifier := &verify.Verifier{
			Observer:    observer,
			Store:       store,
			Gates:       gates,
			Chain:       chain,
			TestCommand: o.Config.TestCommand,
			Runner:      o.Runner,
		}
		if vres, err = verifier.Verify(ctx, o.Paths.Workspace, entry.RunID, before, actRes); err != nil {
			return err
		}
		entry.Verify = &VerifyRecord{
			Passed:      vres.Passed,
			FailedGates: vres.FailedGates(),
			New:         len(vres.Delta.NewDiagnostics),
			Resolved:    len(vres.Delta.ResolvedDiagnostics),
		}
		if vres.After != nil {
			entry.AfterSnapshot = &SnapshotRef{Path: vres.AfterPath, Count: vres.After.Total()}
		}
		if vres.Attestation != nil {
			seq := vres.Attestation.Seq
			entry.AttestationSeq = &seq
		}
		return nil
	})
	if err != nil {
		return o.abort(ledger, entry, err)
	}

	// Learn. Gate failures still feed the trust store; that is how
	// repeatedly failing actions end up blacklisted.
	err = o.phase(ledger, entry, PhaseLearn, StateLearning, func() error {
		learn.Learn(trustStore, dec.ActionID, vres.Passed)
		return trustStore.Save()
	})
	if err != nil {
		return o.abort(ledger, entry, err)
	}

	if !vres.Passed {
		return o.finish(ledger, entry, StateNeedsRollback, ErrNeedsRollback)
	}
	return o.finish(ledger, entry, StateIdle, nil)
}

// phase records timing and outcome for one phase and rewrites the
// ledger entry, so a crash at any boundary leaves a parseable record.
func (o *Orchestrator) phase(l *Ledger, e *LedgerEntry, name, state string, fn func() error) error {
	e.State = state
	started := o.Clock()
	err := fn()
	rec := PhaseRecord{
		Started:    started,
		DurationMS: o.Clock().Sub(started).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.Phases[name] = rec
	if werr := l.Write(e); werr != nil && err == nil {
		err = werr
	}
	return err
}

func (o *Orchestrator) abort(l *Ledger, e *LedgerEntry, err error) (*LedgerEntry, error) {
	slog.Error("cycle aborted", "run_id", e.RunID, "state", e.State, "err", err)
	e.State = StateAborted
	if werr := l.Write(e); werr != nil {
		slog.Error("ledger write failed", "run_id", e.RunID, "err", werr)
	}
	return e, err
}

func (o *Orchestrator) finish(l *Ledger, e *LedgerEntry, state string, err error) (*LedgerEntry, error) {
	e.State = state
	if werr := l.Write(e); werr != nil && err == nil {
		err = werr
	}
	slog.Info("cycle finished", "run_id", e.RunID, "state", state)
	return e, err
}
