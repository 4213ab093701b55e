// Package mergeq serializes branch merges into the parent worktree.
// Agents finish concurrently but merge strictly one at a time through a
// single worker goroutine, so two merges can never race on the parent
// checkout.
package mergeq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitfan/internal/events"
	"gitfan/internal/logging"
	"gitfan/internal/model"
	"gitfan/internal/runner"
	"gitfan/internal/worktree"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = errors.New("merge queue closed")

// ValidationError reports a failed pre-merge validation command.
type ValidationError struct {
	Command string
	Output  string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("merge validation %q failed: %v", e.Command, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

type request struct {
	ctx     context.Context
	agentID string
	branch  string
	reply   chan error
}

// Coordinator owns the parent worktree for merging purposes. Submit
// blocks until the worker has processed the merge, preserving completion
// order at the merge step.
type Coordinator struct {
	trees  *worktree.Manager
	parent *model.WorktreeSession
	run    runner.CommandRunner
	events *events.Logger
	logger *logging.Logger

	requests chan request
	stop     chan struct{}
	done     chan struct{}
}

// New starts the merge worker for the given parent worktree.
func New(trees *worktree.Manager, parent *model.WorktreeSession, run runner.CommandRunner, ev *events.Logger, logger *logging.Logger) *Coordinator {
	c := &Coordinator{
		trees:    trees,
		parent:   parent,
		run:      run,
		events:   ev,
		logger:   logger,
		requests: make(chan request),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.worker()
	return c
}

func (c *Coordinator) worker() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			// Drain whatever is already waiting to send, then exit.
			for {
				select {
				case req := <-c.requests:
					req.reply <- c.merge(req)
				default:
					return
				}
			}
		case req := <-c.requests:
			req.reply <- c.merge(req)
		}
	}
}

func (c *Coordinator) merge(req request) error {
	if err := req.ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := c.trees.MergeBranch(c.parent.Path, req.branch)
	if err != nil {
		c.logger.Errorf("merge failed agent_id=%s branch=%s err=%q", req.agentID, req.branch, err)
		return err
	}

	c.logger.Infof("merged agent branch agent_id=%s branch=%s duration=%s", req.agentID, req.branch, time.Since(start).Round(time.Millisecond))
	if c.events != nil {
		_ = c.events.Emit(events.Event{
			Type:    events.MergeCompleted,
			AgentID: req.agentID,
			Details: map[string]any{
				"branch":      req.branch,
				"target":      c.parent.Branch,
				"duration_ms": time.Since(start).Milliseconds(),
			},
		})
	}
	return nil
}

// Submit queues the agent branch for merging into the parent and waits
// for the outcome. Conflicts surface as worktree.ErrMergeConflict.
func (c *Coordinator) Submit(ctx context.Context, agentID, branch string) error {
	req := request{ctx: ctx, agentID: agentID, branch: branch, reply: make(chan error, 1)}
	select {
	case c.requests <- req:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker after in-flight requests drain. Submissions
// arriving after Close fail with ErrClosed.
func (c *Coordinator) Close() {
	close(c.stop)
	<-c.done
}

// FinalMerge runs the configured validation commands in the parent
// worktree, then merges the parent branch into the original branch. Any
// validation failure aborts before the original branch is touched.
func (c *Coordinator) FinalMerge(ctx context.Context, originalBranch string, validations []model.CommandSpec) error {
	for _, spec := range validations {
		out, err := c.run.Execute(ctx, runner.Command{Spec: spec, Dir: c.parent.Path})
		if err != nil {
			return &ValidationError{Command: spec.Body, Output: out.Stderr, Err: err}
		}
	}

	// The original branch is merged from its own checkout. The main
	// repository working copy tracks it, so merge there.
	repoDir := c.trees.RepoDir()
	if err := c.trees.Checkout(repoDir, originalBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", originalBranch, err)
	}
	if err := c.trees.MergeBranch(repoDir, c.parent.Branch); err != nil {
		return fmt.Errorf("final merge into %s: %w", originalBranch, err)
	}

	if c.events != nil {
		_ = c.events.Emit(events.Event{
			Type: events.MergeCompleted,
			Details: map[string]any{
				"branch": c.parent.Branch,
				"target": originalBranch,
				"final":  true,
			},
		})
	}
	return nil
}
