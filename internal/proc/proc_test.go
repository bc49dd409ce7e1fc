package proc

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCapturesOutput(t *testing.T) {
	res, err := Run(context.Background(), "", []string{"sh", "-c", "echo out; echo err >&2"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Ok() {
		t.Fatalf("expected ok, got exit %d", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "out" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if strings.TrimSpace(string(res.Stderr)) != "err" {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunNonzeroExitIsData(t *testing.T) {
	res, err := Run(context.Background(), "", []string{"sh", "-c", "echo found issues; exit 3"})
	if err != nil {
		t.Fatalf("nonzero exit must not be an error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(string(res.Stdout)) != "found issues" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res, err := Run(ctx, "", []string{"sleep", "5"})
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut")
	}
	if res.ExitCode != -1 {
		t.Errorf("exit = %d, want -1", res.ExitCode)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	_, err := Run(context.Background(), "", []string{"/no/such/binary-zzz"})
	if err == nil {
		t.Fatal("expected spawn error")
	}
}

func TestRunEmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), "", nil)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestRunHonorsDir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), dir, []string{"pwd"})
	if err != nil {
		t.Fatal(err)
	}
	got := strings.TrimSpace(string(res.Stdout))
	if !strings.HasSuffix(got, dirBase(dir)) {
		t.Errorf("pwd = %q, want suffix %q", got, dirBase(dir))
	}
}

func dirBase(p string) string {
	i := strings.LastIndexByte(p, '/')
	return p[i+1:]
}
