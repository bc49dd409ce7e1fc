package metrics

import (
	"os"
	"testing"
	"time"
)

func TestNewSnapshotSortsAndNormalizes(t *testing.T) {
	diags := []Diagnostic{
		{File: "b.py", Line: 2, Rule: "r1", Severity: "high", Source: "type-checker"},
		{File: "a.py", Line: 9, Rule: "r2", Severity: "weird", Source: "style-checker"},
		{File: "a.py", Line: 1, Rule: "r3", Severity: "hint", Source: "style-checker"},
	}
	snap := NewSnapshot(time.Now(), diags)

	if snap.Diagnostics[0].File != "a.py" || snap.Diagnostics[0].Line != 1 {
		t.Errorf("unexpected first diagnostic: %+v", snap.Diagnostics[0])
	}
	if got := snap.Diagnostics[0].Severity; got != SeverityInfo {
		t.Errorf("hint should normalize to info, got %q", got)
	}
	if got := snap.Diagnostics[1].Severity; got != SeverityWarning {
		t.Errorf("unknown severity should normalize to warning, got %q", got)
	}
	// Input slice must not be mutated.
	if diags[0].File != "b.py" {
		t.Error("NewSnapshot mutated its input")
	}
}

func TestDiff(t *testing.T) {
	before := NewSnapshot(time.Now(), []Diagnostic{
		{File: "a.py", Line: 1, Rule: "unused", Severity: "warning", Source: "lint"},
		{File: "a.py", Line: 5, Rule: "undefined", Severity: "error", Source: "types"},
	})
	after := NewSnapshot(time.Now(), []Diagnostic{
		{File: "a.py", Line: 5, Rule: "undefined", Severity: "error", Source: "types"},
		{File: "b.py", Line: 3, Rule: "crash", Severity: "critical", Source: "types"},
	})

	delta := Diff(before, after)
	if len(delta.NewDiagnostics) != 1 || delta.NewDiagnostics[0].Rule != "crash" {
		t.Errorf("new = %+v", delta.NewDiagnostics)
	}
	if len(delta.ResolvedDiagnostics) != 1 || delta.ResolvedDiagnostics[0].Rule != "unused" {
		t.Errorf("resolved = %+v", delta.ResolvedDiagnostics)
	}
	if delta.Net() != 0 {
		t.Errorf("net = %d, want 0", delta.Net())
	}
	if delta.NewBySeverity(SeverityCritical) != 1 {
		t.Error("expected one new critical")
	}
}

func TestDiffIgnoresMessageText(t *testing.T) {
	before := NewSnapshot(time.Now(), []Diagnostic{
		{File: "a.py", Line: 1, Rule: "r", Severity: "warning", Source: "s", Message: "old wording"},
	})
	after := NewSnapshot(time.Now(), []Diagnostic{
		{File: "a.py", Line: 1, Rule: "r", Severity: "warning", Source: "s", Message: "new wording"},
	})
	delta := Diff(before, after)
	if len(delta.NewDiagnostics) != 0 || len(delta.ResolvedDiagnostics) != 0 {
		t.Errorf("reworded message should not change identity: %+v", delta)
	}
}

func TestStoreRoundTripAndLatest(t *testing.T) {
	store := NewStore(t.TempDir() + "/metrics")

	first := NewSnapshot(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	second := NewSnapshot(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), []Diagnostic{
		{File: "x.go", Line: 7, Rule: "r", Severity: "error", Source: "s"},
	})

	if _, err := store.Save(first); err != nil {
		t.Fatal(err)
	}
	path, err := store.Save(second)
	if err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Total() != 1 {
		t.Errorf("total = %d, want 1", loaded.Total())
	}

	latest, latestPath, err := store.Latest()
	if err != nil {
		t.Fatal(err)
	}
	if latestPath != path || latest.Total() != 1 {
		t.Errorf("Latest returned %s with %d diagnostics", latestPath, latest.Total())
	}
}

func TestStoreLatestEmpty(t *testing.T) {
	store := NewStore(t.TempDir() + "/none")
	if _, _, err := store.Latest(); !os.IsNotExist(err) {
		t.Fatalf("want ErrNotExist, got %v", err)
	}
}
