package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitfan/internal/job"
	"gitfan/internal/logging"
	"gitfan/internal/model"
	"gitfan/internal/runner"
	"gitfan/internal/session"
	"gitfan/internal/storage"
)

// appContext carries the persistent flags and builds the shared
// collaborators for subcommands.
type appContext struct {
	stateDir string
	repoDir  string
	logLevel string
}

func (a *appContext) paths() storage.Paths {
	return storage.NewPaths(a.stateDir)
}

func (a *appContext) sessions() *session.Store {
	return session.NewStore(a.paths())
}

func (a *appContext) logger(w io.Writer, cfg model.Config) *logging.Logger {
	level := cfg.Logging.Level
	if a.logLevel != "" {
		level = a.logLevel
	}
	return logging.New(w, "gitfan", logging.ParseLevel(level))
}

// coordinator wires a job coordinator from a loaded config.
func (a *appContext) coordinator(w io.Writer, cfg model.Config) *job.Coordinator {
	return &job.Coordinator{
		Config:   cfg,
		RepoDir:  a.repoDir,
		Paths:    a.paths(),
		Sessions: a.sessions(),
		Run: &runner.ShellRunner{
			GracePeriod: time.Duration(cfg.Timeout.CleanupGraceSecs) * time.Second,
		},
		Logger: a.logger(w, cfg),
	}
}

// resolveJobID accepts a job or session id and returns the job id.
func (a *appContext) resolveJobID(id string) (string, error) {
	sess, err := a.sessions().Resolve(id)
	if err != nil {
		return "", err
	}
	if sess.MapReduceData == nil {
		return "", fmt.Errorf("session %s is not a mapreduce session", sess.ID)
	}
	return sess.MapReduceData.JobID, nil
}

// signalContext cancels the returned context on the first interrupt so
// the job checkpoints and pauses. A second interrupt force-exits
// immediately; the checkpoint written after the first one stays valid.
func signalContext(parent context.Context, w io.Writer) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
		fmt.Fprintln(w, "interrupt received, checkpointing (press again to force quit)")
		cancel()
		select {
		case <-ch:
			fmt.Fprintln(w, "force quit")
			os.Exit(130)
		case <-parent.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(ch)
		cancel()
	}
}

// printJSON renders v as indented JSON on w.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
