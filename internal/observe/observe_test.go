package observe

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mend-engine/mend/internal/proc"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func fakeRunner(results map[string]proc.Result) proc.Runner {
	return func(ctx context.Context, dir string, argv []string) (proc.Result, error) {
		res, ok := results[argv[0]]
		if !ok {
			return proc.Result{}, errors.New("unexpected command " + argv[0])
		}
		return res, nil
	}
}

func TestObserveParsesArrayOutput(t *testing.T) {
	o := &Observer{
		Providers: []Provider{{Name: "style-checker", Command: []string{"lint"}}},
		Runner: fakeRunner(map[string]proc.Result{
			"lint": {ExitCode: 1, Stdout: []byte(`[{"file":"a.py","line":3,"rule":"E1","severity":"error"}]`)},
		}),
		Clock: fixedClock,
	}

	snap, err := o.Observe(context.Background(), "/ws")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Total() != 1 {
		t.Fatalf("total = %d, want 1", snap.Total())
	}
	if snap.Diagnostics[0].Source != "style-checker" {
		t.Errorf("source = %q, want provider name", snap.Diagnostics[0].Source)
	}
}

func TestObserveNonzeroExitIsNotFailure(t *testing.T) {
	o := &Observer{
		Providers: []Provider{{Name: "p", Command: []string{"lint"}}},
		Runner: fakeRunner(map[string]proc.Result{
			"lint": {ExitCode: 7, Stdout: []byte(`{"diagnostics":[]}`)},
		}),
		Clock: fixedClock,
	}
	snap, err := o.Observe(context.Background(), "/ws")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Total() != 0 {
		t.Errorf("total = %d, want 0", snap.Total())
	}
}

func TestObserveUnparsableOutput(t *testing.T) {
	o := &Observer{
		Providers: []Provider{{Name: "p", Command: []string{"lint"}}},
		Runner: fakeRunner(map[string]proc.Result{
			"lint": {Stdout: []byte("Traceback (most recent call last):")},
		}),
		Clock: fixedClock,
	}
	_, err := o.Observe(context.Background(), "/ws")
	var obsErr *ObservationError
	if !errors.As(err, &obsErr) {
		t.Fatalf("want ObservationError, got %v", err)
	}
	if obsErr.Provider != "p" {
		t.Errorf("provider = %q", obsErr.Provider)
	}
}

func TestObserveTimeout(t *testing.T) {
	o := &Observer{
		Providers: []Provider{{Name: "slow", Command: []string{"lint"}, TimeoutSeconds: 1}},
		Runner: fakeRunner(map[string]proc.Result{
			"lint": {TimedOut: true, ExitCode: -1},
		}),
		Clock: fixedClock,
	}
	_, err := o.Observe(context.Background(), "/ws")
	var obsErr *ObservationError
	if !errors.As(err, &obsErr) {
		t.Fatalf("want ObservationError, got %v", err)
	}
}

func TestObserveCombinesProviders(t *testing.T) {
	o := &Observer{
		Providers: []Provider{
			{Name: "types", Command: []string{"typecheck"}},
			{Name: "style", Command: []string{"lint"}},
		},
		Runner: fakeRunner(map[string]proc.Result{
			"typecheck": {Stdout: []byte(`[{"file":"b.py","line":1,"rule":"T1","severity":"critical"}]`)},
			"lint":      {Stdout: []byte(`[{"file":"a.py","line":1,"rule":"S1","severity":"info"}]`)},
		}),
		Clock: fixedClock,
	}
	snap, err := o.Observe(context.Background(), "/ws")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Total() != 2 {
		t.Fatalf("total = %d, want 2", snap.Total())
	}
	// Sorted by file: a.py first.
	if snap.Diagnostics[0].File != "a.py" {
		t.Errorf("first = %+v", snap.Diagnostics[0])
	}
}

func TestObserveEmptyOutputMeansClean(t *testing.T) {
	o := &Observer{
		Providers: []Provider{{Name: "p", Command: []string{"lint"}}},
		Runner: fakeRunner(map[string]proc.Result{
			"lint": {Stdout: []byte("  \n")},
		}),
		Clock: fixedClock,
	}
	snap, err := o.Observe(context.Background(), "/ws")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Total() != 0 {
		t.Errorf("total = %d, want 0", snap.Total())
	}
}
