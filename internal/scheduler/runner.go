package scheduler

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// ExecResult is the raw outcome of running a command. A nonzero exit code
// is not a Run error; Run errors mean the command could not be launched.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes a job's command and captures its output
type Runner interface {
	Run(ctx context.Context, job Job) (ExecResult, error)
}

// ExecRunner runs jobs as OS processes
type ExecRunner struct {
	// Timeout bounds a single invocation; zero means no bound beyond ctx
	Timeout time.Duration
}

// Run implements Runner
func (r *ExecRunner) Run(ctx context.Context, job Job) (ExecResult, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, job.Command, job.Args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Command ran and exited nonzero: that is a result, not a
			// launch failure.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}

	return result, nil
}
