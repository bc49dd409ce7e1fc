// Package proc runs external tools and reports their outcome as data.
//
// Every invocation returns a Result, never a Go error for routine tool
// failures: nonzero exits, captured stderr, and timeouts are all fields on
// the Result. An error is returned only when the process could not be
// started at all.
package proc

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Result is the structured outcome of a subprocess invocation.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	TimedOut bool
	Duration time.Duration
}

// Ok reports whether the process ran to completion with exit code 0.
func (r Result) Ok() bool {
	return r.ExitCode == 0 && !r.TimedOut
}

// Runner executes a command and returns its Result. The indirection exists
// so callers can substitute a fake in tests.
type Runner func(ctx context.Context, dir string, argv []string) (Result, error)

// Run executes argv[0] with the remaining arguments, in dir (or the current
// directory when dir is empty), capturing stdout and stderr. The context
// bounds the lifetime of the process; when it expires the Result reports
// TimedOut with exit code -1 rather than returning an error.
func Run(ctx context.Context, dir string, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errors.New("proc: empty argv")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}

	if ctx.Err() != nil {
		res.TimedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		res.ExitCode = -1
		return res, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		// Spawn-level failure: command not found, permission denied.
		return res, err
	}

	return res, nil
}
