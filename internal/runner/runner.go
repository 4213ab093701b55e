// Package runner executes a single resolved command and reports its
// output, exit code, and duration. The command body is opaque: a shell
// step and an LLM-agent invocation are both just subprocesses here.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"gitfan/internal/model"
)

// Command is one execution request: the resolved spec plus where and with
// what environment to run it.
type Command struct {
	Spec model.CommandSpec
	Dir  string
	Env  []string // appended to the parent environment
}

// Output is what a finished (or failed) command produced.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// CommandError reports a non-zero exit.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.ExitCode)
}

// CommandRunner is the collaborator seam for executing one command.
// Implementations must honor ctx cancellation and deadlines.
type CommandRunner interface {
	Execute(ctx context.Context, cmd Command) (Output, error)
}

// ShellRunner runs command bodies through `sh -c`. On cancellation it
// sends SIGTERM and escalates to SIGKILL after the grace period, which is
// how the graceful_terminate timeout action is realized.
type ShellRunner struct {
	GracePeriod time.Duration
}

func NewShellRunner(gracePeriod time.Duration) *ShellRunner {
	if gracePeriod <= 0 {
		gracePeriod = 30 * time.Second
	}
	return &ShellRunner{GracePeriod: gracePeriod}
}

func (r *ShellRunner) Execute(ctx context.Context, cmd Command) (Output, error) {
	start := time.Now()

	proc := exec.CommandContext(ctx, "sh", "-c", cmd.Spec.Body)
	proc.Dir = cmd.Dir
	proc.Env = append(os.Environ(), cmd.Env...)
	proc.Cancel = func() error {
		return proc.Process.Signal(os.Interrupt)
	}
	proc.WaitDelay = r.GracePeriod

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: -1,
		Duration: time.Since(start),
	}
	if proc.ProcessState != nil {
		out.ExitCode = proc.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return out, fmt.Errorf("command cancelled: %w", ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, &CommandError{ExitCode: out.ExitCode, Stderr: out.Stderr}
		}
		return out, fmt.Errorf("start command: %w", err)
	}
	return out, nil
}
