package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mend-engine/mend/internal/act"
	"github.com/mend-engine/mend/internal/budget"
	"github.com/mend-engine/mend/internal/cycle"
	"github.com/mend-engine/mend/internal/decide"
	"github.com/mend-engine/mend/internal/observe"
	"github.com/mend-engine/mend/internal/trust"
)

// execute runs the command tree against a workspace and returns stdout.
func execute(t *testing.T, ws string, args ...string) (string, error) {
	t.Helper()
	root := New("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--workspace", ws}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestExitCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"generic", errors.New("boom"), ExitError},
		{"observation", &observe.ObservationError{Provider: "lint", Reason: "timed out"}, ExitError},
		{"budget", &budget.Violation{Kind: budget.KindTooManyFiles}, ExitBudget},
		{"execution", &act.ExecutionError{ActionID: "a", Reason: "step failed"}, ExitExecution},
		{"rollback", cycle.ErrNeedsRollback, ExitRollback},
		{"chain", errChainCorrupt, ExitChainCorrupt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestTaxonomyNames(t *testing.T) {
	if got := taxonomy(&budget.Violation{Kind: budget.KindProtectedPath}); got != "BudgetViolation" {
		t.Errorf("taxonomy = %q", got)
	}
	if got := taxonomy(cycle.ErrNeedsRollback); got != "NEEDS_ROLLBACK" {
		t.Errorf("taxonomy = %q", got)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "mend test") {
		t.Errorf("out = %q", out)
	}
}

func TestObserveThenDecideNoop(t *testing.T) {
	ws := t.TempDir()
	// The provider reads a canned report; the appended workspace path
	// arrives as $0.
	cfgBody := "providers:\n  - name: lint\n    command: [sh, -c, 'cat \"$0\"/.diags.json']\n"
	if err := os.WriteFile(filepath.Join(ws, "mend.yaml"), []byte(cfgBody), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(ws, ".diags.json"), []byte("[]"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, ws, "observe"); err != nil {
		t.Fatalf("observe: %v", err)
	}
	out, err := execute(t, ws, "decide")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}

	var dec decide.Decision
	if err := json.Unmarshal([]byte(out), &dec); err != nil {
		t.Fatalf("output %q: %v", out, err)
	}
	if !dec.IsNoop() {
		t.Errorf("decision = %+v", dec)
	}
}

func TestDecideSurfacesUnreadableSnapshot(t *testing.T) {
	ws := t.TempDir()
	metricsDir := filepath.Join(ws, ".mend", "metrics")
	if err := os.MkdirAll(metricsDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(metricsDir, "20260101T000000.000000000Z.json"), []byte("{truncated"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, ws, "decide")
	if err == nil {
		t.Fatal("expected error for unreadable snapshot")
	}
	if !strings.Contains(err.Error(), "parse snapshot") {
		t.Errorf("err = %v", err)
	}
}

func TestActWithoutSnapshotFails(t *testing.T) {
	_, err := execute(t, t.TempDir(), "act")
	if err == nil || !strings.Contains(err.Error(), "mend observe") {
		t.Errorf("err = %v", err)
	}
}

func TestTrustSeedShowReset(t *testing.T) {
	ws := t.TempDir()

	if _, err := execute(t, ws, "trust", "seed", "fix-imports", "0.9"); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, ws, "trust", "show")
	if err != nil {
		t.Fatal(err)
	}
	var records map[string]trust.Record
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		t.Fatal(err)
	}
	if rec := records["fix-imports"]; rec.Score != 0.9 {
		t.Errorf("records = %+v", records)
	}

	if _, err := execute(t, ws, "trust", "reset", "fix-imports"); err != nil {
		t.Fatal(err)
	}
	if _, err := execute(t, ws, "trust", "reset", "never-seen"); err == nil {
		t.Error("reset of unknown action succeeded")
	}
}

func TestTrustSeedRejectsBadScore(t *testing.T) {
	if _, err := execute(t, t.TempDir(), "trust", "seed", "a", "1.5"); err == nil {
		t.Error("out-of-range score accepted")
	}
}

func TestAttestationValidateEmptyChain(t *testing.T) {
	if _, err := execute(t, t.TempDir(), "attestation", "validate"); err != nil {
		t.Errorf("empty chain invalid: %v", err)
	}
}

func TestAttestationValidateCorruptChain(t *testing.T) {
	ws := t.TempDir()
	state := filepath.Join(ws, ".mend")
	if err := os.MkdirAll(state, 0700); err != nil {
		t.Fatal(err)
	}
	record := `{"seq":1,"created_at":"2026-03-01T10:00:00Z","payload_hash":"x","prev_hash":"y","hash":"z"}` + "\n"
	if err := os.WriteFile(filepath.Join(state, "attestations.jsonl"), []byte(record), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, ws, "attestation", "validate")
	if !errors.Is(err, errChainCorrupt) {
		t.Errorf("err = %v", err)
	}
	if exitCode(err) != ExitChainCorrupt {
		t.Errorf("exit = %d", exitCode(err))
	}
}

func TestUndoListEmpty(t *testing.T) {
	out, err := execute(t, t.TempDir(), "undo", "list")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Errorf("out = %q", out)
	}
}

func TestUndoRestoreUnknownID(t *testing.T) {
	if _, err := execute(t, t.TempDir(), "undo", "restore", "deadbeef"); err == nil {
		t.Error("restore of unknown snapshot succeeded")
	}
}

func TestVerifyWithoutActedRunFails(t *testing.T) {
	_, err := execute(t, t.TempDir(), "verify")
	if err == nil || !strings.Contains(err.Error(), "mend act") {
		t.Errorf("err = %v", err)
	}
}
