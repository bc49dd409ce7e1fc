// Package observe collects diagnostics from external analyzers and folds
// them into a single metrics snapshot.
//
// Analyzers are ordinary subprocesses that print JSON diagnostics on stdout.
// Exit codes are deliberately ignored when the output parses: most linters
// exit nonzero just to signal "issues found". Only unparsable output or a
// timeout fails an observation.
package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mend-engine/mend/internal/metrics"
	"github.com/mend-engine/mend/internal/proc"
)

// DefaultTimeout bounds a single provider invocation.
const DefaultTimeout = 5 * time.Minute

// Provider describes one diagnostics producer.
type Provider struct {
	Name           string   `yaml:"name"`
	Command        []string `yaml:"command"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

func (p Provider) timeout() time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return DefaultTimeout
}

// ObservationError is fatal to the cycle: a provider timed out or produced
// output the collector could not parse.
type ObservationError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ObservationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("observe %s: %s: %v", e.Provider, e.Reason, e.Err)
	}
	return fmt.Sprintf("observe %s: %s", e.Provider, e.Reason)
}

func (e *ObservationError) Unwrap() error { return e.Err }

// Observer runs providers against a workspace.
type Observer struct {
	Providers []Provider
	Runner    proc.Runner
	Clock     func() time.Time
}

// New creates an Observer using the real subprocess runner and wall clock.
func New(providers []Provider) *Observer {
	return &Observer{Providers: providers, Runner: proc.Run, Clock: time.Now}
}

// Observe invokes every provider in order and returns the combined snapshot.
// The first timeout or parse failure aborts the observation.
func (o *Observer) Observe(ctx context.Context, workspace string) (*metrics.Snapshot, error) {
	runner := o.Runner
	if runner == nil {
		runner = proc.Run
	}
	clock := o.Clock
	if clock == nil {
		clock = time.Now
	}

	var all []metrics.Diagnostic
	for _, p := range o.Providers {
		if len(p.Command) == 0 {
			return nil, &ObservationError{Provider: p.Name, Reason: "empty command"}
		}

		pctx, cancel := context.WithTimeout(ctx, p.timeout())
		res, err := runner(pctx, workspace, append(p.Command, workspace))
		cancel()
		if err != nil {
			return nil, &ObservationError{Provider: p.Name, Reason: "spawn failed", Err: err}
		}
		if res.TimedOut {
			return nil, &ObservationError{Provider: p.Name, Reason: fmt.Sprintf("timed out after %v", p.timeout())}
		}

		diags, err := parseDiagnostics(res.Stdout)
		if err != nil {
			return nil, &ObservationError{Provider: p.Name, Reason: "unparsable output", Err: err}
		}
		for i := range diags {
			if diags[i].Source == "" {
				diags[i].Source = p.Name
			}
		}
		slog.Debug("provider finished",
			"provider", p.Name,
			"exit_code", res.ExitCode,
			"diagnostics", len(diags),
			"duration", res.Duration)
		all = append(all, diags...)
	}

	return metrics.NewSnapshot(clock(), all), nil
}

// parseDiagnostics accepts either a bare JSON array of diagnostics or an
// object with a "diagnostics" array. Empty output means zero findings.
func parseDiagnostics(out []byte) ([]metrics.Diagnostic, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var diags []metrics.Diagnostic
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &diags); err != nil {
			return nil, err
		}
		return diags, nil
	}

	var wrapped struct {
		Diagnostics []metrics.Diagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Diagnostics, nil
}

