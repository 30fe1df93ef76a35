package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunnerCapturesOutput(t *testing.T) {
	runner := &ExecRunner{Timeout: 10 * time.Second}

	result, err := runner.Run(context.Background(), Job{
		Command: "sh",
		Args:    []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "out\n", result.Stdout)
	assert.Equal(t, "err\n", result.Stderr)
}

func TestExecRunnerNonzeroExitIsNotAnError(t *testing.T) {
	runner := &ExecRunner{Timeout: 10 * time.Second}

	result, err := runner.Run(context.Background(), Job{
		Command: "sh",
		Args:    []string{"-c", "exit 3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestExecRunnerLaunchFailure(t *testing.T) {
	runner := &ExecRunner{Timeout: 10 * time.Second}

	_, err := runner.Run(context.Background(), Job{
		Command: "definitely-not-a-real-binary-7c2f",
	})
	assert.Error(t, err)
}

func TestExecRunnerTimeout(t *testing.T) {
	runner := &ExecRunner{Timeout: 100 * time.Millisecond}

	result, err := runner.Run(context.Background(), Job{
		Command: "sh",
		Args:    []string{"-c", "sleep 5"},
	})

	// The killed process surfaces as a nonzero exit, not a launch error
	require.NoError(t, err)
	assert.NotEqual(t, 0, result.ExitCode)
}
