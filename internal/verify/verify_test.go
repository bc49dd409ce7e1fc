package verify

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mend-engine/mend/internal/act"
	"github.com/mend-engine/mend/internal/attest"
	"github.com/mend-engine/mend/internal/metrics"
	"github.com/mend-engine/mend/internal/observe"
	"github.com/mend-engine/mend/internal/proc"
)

func snapOf(diags ...metrics.Diagnostic) *metrics.Snapshot {
	return metrics.NewSnapshot(time.Now(), diags)
}

func diag(file string, line int, rule, severity string) metrics.Diagnostic {
	return metrics.Diagnostic{File: file, Line: line, Rule: rule, Severity: severity, Source: "lint"}
}

// staticObserver returns a fixed snapshot regardless of the workspace.
func staticObserver(snap *metrics.Snapshot) *observe.Observer {
	return &observe.Observer{
		Providers: []observe.Provider{{Name: "lint", Command: []string{"lint"}}},
		Runner: func(ctx context.Context, dir string, argv []string) (proc.Result, error) {
			data := "[]"
			if snap.Total() > 0 {
				b, _ := snapJSON(snap)
				data = string(b)
			}
			return proc.Result{Stdout: []byte(data)}, nil
		},
		Clock: time.Now,
	}
}

func snapJSON(snap *metrics.Snapshot) ([]byte, error) {
	type d struct {
		File     string `json:"file"`
		Line     int    `json:"line"`
		Rule     string `json:"rule"`
		Severity string `json:"severity"`
		Source   string `json:"source"`
	}
	var out []d
	for _, x := range snap.Diagnostics {
		out = append(out, d{x.File, x.Line, x.Rule, x.Severity, x.Source})
	}
	return json.Marshal(out)
}

func TestVerifyPassAppendsAttestation(t *testing.T) {
	before := snapOf(diag("a.py", 1, "unused", "warning"))
	after := snapOf()

	chain, err := attest.Open(filepath.Join(t.TempDir(), "chain.jsonl"))
	require.NoError(t, err)

	v := &Verifier{
		Observer: staticObserver(after),
		Gates:    DefaultGates(),
		Chain:    chain,
	}

	res, err := v.Verify(context.Background(), t.TempDir(), "run-1", before, act.Result{
		ActionID:   "fix",
		SnapshotID: "snap-1",
	})
	require.NoError(t, err)

	assert.True(t, res.Passed)
	assert.Empty(t, res.FailedGates())
	require.NotNil(t, res.Attestation)
	assert.Equal(t, uint64(1), res.Attestation.Seq)
	assert.Equal(t, 1, len(res.Delta.ResolvedDiagnostics))

	chk, err := attest.Validate(chain.Path())
	require.NoError(t, err)
	assert.True(t, chk.Valid)
}

func TestVerifyGateFailureRecommendsRollback(t *testing.T) {
	before := snapOf()
	after := snapOf(diag("a.py", 1, "crash", "critical"))

	v := &Verifier{
		Observer: staticObserver(after),
		Gates:    DefaultGates(),
	}

	res, err := v.Verify(context.Background(), t.TempDir(), "run-1", before, act.Result{
		ActionID:   "fix",
		SnapshotID: "snap-9",
	})
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Contains(t, res.FailedGates(), "no_new_critical")
	assert.Equal(t, "snap-9", res.RollbackSnapshotID)
	assert.Nil(t, res.Attestation, "failed verification must not attest")
}

func TestVerifyNetIncreaseFails(t *testing.T) {
	before := snapOf(diag("a.py", 1, "r1", "warning"))
	after := snapOf(
		diag("a.py", 1, "r1", "warning"),
		diag("b.py", 2, "r2", "warning"),
		diag("c.py", 3, "r3", "info"),
	)

	v := &Verifier{Observer: staticObserver(after), Gates: DefaultGates()}
	res, err := v.Verify(context.Background(), t.TempDir(), "run", before, act.Result{ActionID: "fix"})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.FailedGates(), "no_net_increase")
}

func TestVerifyRunsTestSuiteWhenActionRequiresIt(t *testing.T) {
	before := snapOf(diag("a.py", 1, "r1", "warning"))
	after := snapOf()

	var suiteRan []string
	v := &Verifier{
		Observer:    staticObserver(after),
		Gates:       DefaultGates(),
		TestCommand: []string{"pytest", "-q"},
		Runner: func(ctx context.Context, dir string, argv []string) (proc.Result, error) {
			suiteRan = argv
			return proc.Result{ExitCode: 0}, nil
		},
	}

	res, err := v.Verify(context.Background(), t.TempDir(), "run", before, act.Result{
		ActionID:      "fix",
		TestsRequired: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"pytest", "-q"}, suiteRan)
	assert.True(t, res.Passed)

	var gateNames []string
	for _, gr := range res.GateResults {
		gateNames = append(gateNames, gr.Gate)
	}
	assert.Contains(t, gateNames, "no_test_regression")
}

func TestVerifyTestSuiteFailureRejectsOutcome(t *testing.T) {
	before := snapOf(diag("a.py", 1, "r1", "warning"))
	after := snapOf()

	v := &Verifier{
		Observer:    staticObserver(after),
		Gates:       DefaultGates(),
		TestCommand: []string{"pytest"},
		Runner: func(ctx context.Context, dir string, argv []string) (proc.Result, error) {
			return proc.Result{ExitCode: 1, Stderr: []byte("2 failed\n")}, nil
		},
	}

	res, err := v.Verify(context.Background(), t.TempDir(), "run", before, act.Result{
		ActionID:      "fix",
		SnapshotID:    "snap-3",
		TestsRequired: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.FailedGates(), "no_test_regression")
	assert.Equal(t, "snap-3", res.RollbackSnapshotID)
	assert.Nil(t, res.Attestation)
}

func TestVerifyTestGateFailsClosedWithoutCommand(t *testing.T) {
	before := snapOf(diag("a.py", 1, "r1", "warning"))
	after := snapOf()

	v := &Verifier{
		Observer: staticObserver(after),
		Gates:    DefaultGates(),
		Runner: func(ctx context.Context, dir string, argv []string) (proc.Result, error) {
			t.Fatal("no suite should run without a configured command")
			return proc.Result{}, nil
		},
	}

	res, err := v.Verify(context.Background(), t.TempDir(), "run", before, act.Result{
		ActionID:      "fix",
		TestsRequired: true,
	})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.FailedGates(), "no_test_regression")
}

func TestVerifySkipsTestSuiteWhenNotRequired(t *testing.T) {
	before := snapOf(diag("a.py", 1, "r1", "warning"))
	after := snapOf()

	v := &Verifier{
		Observer:    staticObserver(after),
		Gates:       DefaultGates(),
		TestCommand: []string{"pytest"},
		Runner: func(ctx context.Context, dir string, argv []string) (proc.Result, error) {
			t.Fatal("suite ran without the safeguard")
			return proc.Result{}, nil
		},
	}

	res, err := v.Verify(context.Background(), t.TempDir(), "run", before, act.Result{ActionID: "fix"})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.NotContains(t, res.FailedGates(), "no_test_regression")
}

func TestLoadGatesMissingFileGivesDefaults(t *testing.T) {
	gates, err := LoadGates(filepath.Join(t.TempDir(), "gates.yaml"))
	require.NoError(t, err)
	require.Len(t, gates, 2)
	assert.Equal(t, "no_new_critical", gates[0].Name())
}

func TestLoadGatesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	body := "gates:\n  - type: max_new\n    limit: 3\n  - type: expr\n    name: net-improvement\n    code: \"resolved_total >= new_total\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))

	gates, err := LoadGates(path)
	require.NoError(t, err)
	require.Len(t, gates, 2)
	assert.Equal(t, "max_new", gates[0].Name())
	assert.Equal(t, "net-improvement", gates[1].Name())
}

func TestLoadGatesRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gates.yaml")
	require.NoError(t, os.WriteFile(path, []byte("gates:\n  - type: wat\n"), 0600))
	_, err := LoadGates(path)
	assert.Error(t, err)
}

func TestExprGate(t *testing.T) {
	delta := metrics.Delta{
		NewDiagnostics:      []metrics.Diagnostic{diag("a", 1, "r", "warning")},
		ResolvedDiagnostics: []metrics.Diagnostic{diag("b", 1, "r", "warning"), diag("c", 1, "r", "warning")},
		BeforeBySeverity:    map[string]int{"warning": 2},
		AfterBySeverity:     map[string]int{"warning": 1},
		BeforeTotal:         2,
		AfterTotal:          1,
	}

	cases := []struct {
		name string
		code string
		pass bool
	}{
		{"true expression", "resolved_total > new_total", true},
		{"false expression", "new_total == 0", false},
		{"severity maps", `after["warning"] < before["warning"]`, true},
		{"non-bool fails closed", "new_total + 1", false},
		{"error fails closed", "undefined_name > 0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := exprGate{name: "t", code: tc.code}
			got := g.Check(delta)
			assert.Equal(t, tc.pass, got.Passed, got.Reason)
		})
	}
}

func TestMaxNewGate(t *testing.T) {
	g := maxNew{limit: 1}
	ok := g.Check(metrics.Delta{NewDiagnostics: []metrics.Diagnostic{diag("a", 1, "r", "info")}})
	assert.True(t, ok.Passed)
	bad := g.Check(metrics.Delta{NewDiagnostics: []metrics.Diagnostic{
		diag("a", 1, "r", "info"), diag("b", 2, "r", "info"),
	}})
	assert.False(t, bad.Passed)
}
