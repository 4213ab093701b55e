package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"gitfan/internal/model"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("sh not available on windows")
	}
}

func TestExecuteCapturesOutput(t *testing.T) {
	requireSh(t)
	r := NewShellRunner(0)

	out, err := r.Execute(context.Background(), Command{
		Spec: model.CommandSpec{Runner: model.RunnerShell, Body: "echo out; echo err >&2"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "out" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if strings.TrimSpace(out.Stderr) != "err" {
		t.Errorf("stderr = %q", out.Stderr)
	}
	if out.ExitCode != 0 {
		t.Errorf("exit code = %d", out.ExitCode)
	}
	if out.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestExecuteRunsInDir(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	r := NewShellRunner(0)

	out, err := r.Execute(context.Background(), Command{
		Spec: model.CommandSpec{Runner: model.RunnerShell, Body: "pwd"},
		Dir:  dir,
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(out.Stdout))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("pwd = %q, want %q", got, want)
	}
}

func TestExecutePassesEnv(t *testing.T) {
	requireSh(t)
	r := NewShellRunner(0)

	out, err := r.Execute(context.Background(), Command{
		Spec: model.CommandSpec{Runner: model.RunnerShell, Body: "printf %s \"$GITFAN_ITEM\""},
		Env:  []string{"GITFAN_ITEM=item-7"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Stdout != "item-7" {
		t.Errorf("stdout = %q, want item-7", out.Stdout)
	}
}

func TestExecuteNonZeroExit(t *testing.T) {
	requireSh(t)
	r := NewShellRunner(0)

	out, err := r.Execute(context.Background(), Command{
		Spec: model.CommandSpec{Runner: model.RunnerShell, Body: "echo nope >&2; exit 3"},
	})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != 3 || out.ExitCode != 3 {
		t.Errorf("exit codes = %d/%d, want 3", cmdErr.ExitCode, out.ExitCode)
	}
	if !strings.Contains(cmdErr.Stderr, "nope") {
		t.Errorf("stderr %q not captured in error", cmdErr.Stderr)
	}
}

func TestExecuteDeadline(t *testing.T) {
	requireSh(t)
	r := NewShellRunner(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Execute(ctx, Command{
		Spec: model.CommandSpec{Runner: model.RunnerShell, Body: "sleep 30"},
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("command outlived its deadline by %v", elapsed)
	}
}

func TestExecuteMissingDir(t *testing.T) {
	requireSh(t)
	r := NewShellRunner(0)

	_, err := r.Execute(context.Background(), Command{
		Spec: model.CommandSpec{Runner: model.RunnerShell, Body: "true"},
		Dir:  filepath.Join(os.TempDir(), "gitfan-does-not-exist"),
	})
	if err == nil {
		t.Fatal("expected error for missing working directory")
	}
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		t.Fatalf("got *CommandError, want a start failure: %v", err)
	}
}
