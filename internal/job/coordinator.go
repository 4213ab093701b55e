// Package job orchestrates a full mapreduce run: session lifecycle,
// worktree provisioning, the map-phase scheduler, the reduce phase, and
// the final merge back into the original branch.
package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gitfan/internal/agent"
	"gitfan/internal/aggregate"
	"gitfan/internal/checkpoint"
	"gitfan/internal/dlq"
	"gitfan/internal/events"
	"gitfan/internal/logging"
	"gitfan/internal/mergeq"
	"gitfan/internal/model"
	"gitfan/internal/runner"
	"gitfan/internal/session"
	"gitfan/internal/storage"
	"gitfan/internal/validate"
	"gitfan/internal/worktree"
)

// ErrJobFailed is returned when fail_workflow or the fail timeout action
// aborts the job on a dead-lettered item.
var ErrJobFailed = errors.New("job failed")

// ErrInterrupted is returned when the run stops on context cancellation.
// The checkpoint on disk is resumable at that point.
var ErrInterrupted = errors.New("job interrupted")

// Coordinator drives jobs for one repository and state directory.
type Coordinator struct {
	Config   model.Config
	RepoDir  string
	Paths    storage.Paths
	Sessions *session.Store
	Run      runner.CommandRunner
	Logger   *logging.Logger

	// Bus, when set, receives a copy of every event written to the job
	// event log, for in-process observers such as progress reporting.
	Bus *events.Bus
}

// Outcome summarizes a finished (or stopped) job.
type Outcome struct {
	JobID     string
	SessionID string
	State     model.JobState
	Reduce    map[string]any
}

// runtime bundles the per-job collaborators that Start and Resume both
// need wired the same way.
type runtime struct {
	jobID   string
	sess    *model.Session
	store   *checkpoint.Store
	queue   *dlq.Queue
	events  *events.Logger
	trees   *worktree.Manager
	orphans *worktree.Orphans
}

// Start validates the inputs and runs a brand new job to completion.
func (c *Coordinator) Start(ctx context.Context, items []model.WorkItem) (*Outcome, error) {
	if err := validate.Config(c.Config); err != nil {
		return nil, err
	}
	if err := validate.WorkItems(items); err != nil {
		return nil, err
	}

	jobID, err := model.GenerateID(model.IDTypeJob)
	if err != nil {
		return nil, err
	}
	if err := c.Paths.EnsureBase(); err != nil {
		return nil, err
	}
	if err := c.Paths.EnsureJob(jobID); err != nil {
		return nil, err
	}

	sess, err := c.Sessions.Create(model.SessionTypeMapReduce, jobID)
	if err != nil {
		return nil, err
	}
	c.Logger.Infof("job starting job_id=%s session_id=%s items=%d max_parallel=%d",
		jobID, sess.ID, len(items), c.Config.Job.MaxParallel)

	rt, err := c.newRuntime(jobID, sess)
	if err != nil {
		return nil, err
	}
	defer rt.events.Close()

	state := checkpoint.NewJobState(jobID, sess.ID, items, time.Now().UTC())
	state.CheckpointVersion = 1 // the setup checkpoint itself
	if _, err := rt.store.Save(state); err != nil {
		return nil, err
	}

	return c.execute(ctx, rt, state)
}

func (c *Coordinator) newRuntime(jobID string, sess *model.Session) (*runtime, error) {
	ev, err := events.NewLogger(jobID, c.Paths.EventLogFile(jobID), c.Config.Events.MaxLogSizeBytes)
	if err != nil {
		return nil, err
	}
	ev.EnableChecksum(c.Config.Events.EnableChecksum)

	store, err := checkpoint.NewStore(c.Paths.CheckpointsDir(jobID), ev)
	if err != nil {
		return nil, err
	}
	queue, err := dlq.Open(c.Paths.DLQDir(jobID), c.Config.DLQ.MaxItems)
	if err != nil {
		return nil, err
	}
	trees, err := worktree.NewManager(c.RepoDir, c.Paths.WorktreesDir(jobID), c.Config.Worktree.DefaultBranch)
	if err != nil {
		return nil, err
	}

	return &runtime{
		jobID:   jobID,
		sess:    sess,
		store:   store,
		queue:   queue,
		events:  ev,
		trees:   trees,
		orphans: worktree.NewOrphans(c.Paths.OrphanRegistryFile(jobID), jobID),
	}, nil
}

// execute drives the phase machine from wherever state currently is.
func (c *Coordinator) execute(ctx context.Context, rt *runtime, state model.JobState) (*Outcome, error) {
	var err error

	if state.Phase == model.PhaseSetup {
		state, err = c.setupPhase(rt, state)
		if err != nil {
			return c.failed(rt, state, err)
		}
	}

	parent := c.parentSession(rt, state)

	if state.Phase == model.PhaseMap {
		if err := c.ensureParentWorktree(rt, state, parent); err != nil {
			return c.failed(rt, state, err)
		}
		c.markRunning(rt, "map")
		state, err = c.mapPhase(ctx, rt, parent, state)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				return c.paused(rt, state, err)
			}
			return c.failed(rt, state, err)
		}
	}

	var reduceOut map[string]any
	if state.Phase == model.PhaseReduce {
		c.markRunning(rt, "reduce")
		state, reduceOut, err = c.reducePhase(ctx, rt, parent, state)
		if err != nil {
			if errors.Is(err, ErrInterrupted) {
				return c.paused(rt, state, err)
			}
			return c.failed(rt, state, err)
		}
	}

	c.finishSession(rt, state)
	c.Logger.Infof("job complete job_id=%s succeeded=%d dead_lettered=%d",
		state.JobID, state.Totals.Succeeded, state.Totals.DeadLettered)
	return &Outcome{JobID: state.JobID, SessionID: rt.sess.ID, State: state, Reduce: reduceOut}, nil
}

// setupPhase provisions the parent worktree and moves to map.
func (c *Coordinator) setupPhase(rt *runtime, state model.JobState) (model.JobState, error) {
	original, err := rt.trees.TrackedBranch()
	if err != nil {
		return state, fmt.Errorf("resolve original branch: %w", err)
	}
	parent, err := rt.trees.CreateParent(state.JobID, original)
	if err != nil {
		return state, err
	}

	state, err = checkpoint.StartMapPhase(state, parent.Branch, original, time.Now().UTC())
	if err != nil {
		return state, err
	}
	if _, err := rt.store.Save(state); err != nil {
		return state, err
	}
	return state, nil
}

// parentSession reconstructs the parent worktree descriptor from state.
// On a fresh run the worktree was just created; on resume it is expected
// to still exist on disk.
func (c *Coordinator) parentSession(rt *runtime, state model.JobState) *model.WorktreeSession {
	return &model.WorktreeSession{
		SessionID:    state.JobID,
		Path:         filepath.Join(c.Paths.WorktreesDir(state.JobID), "parent"),
		Branch:       state.ParentBranch,
		ParentBranch: state.OriginalBranch,
	}
}

// ensureParentWorktree recreates the parent worktree when a rewound job
// re-enters the map phase. The reduce phase removed it together with its
// branch; anything the previous pass merged already landed on the
// original branch, so recreating from the original loses nothing.
func (c *Coordinator) ensureParentWorktree(rt *runtime, state model.JobState, parent *model.WorktreeSession) error {
	if _, err := os.Stat(parent.Path); err == nil {
		return nil
	}
	created, err := rt.trees.CreateParent(state.JobID, state.OriginalBranch)
	if err != nil {
		return fmt.Errorf("recreate parent worktree: %w", err)
	}
	parent.Path = created.Path
	parent.Branch = created.Branch
	parent.ParentBranch = created.ParentBranch
	return nil
}

// mapPhase fans the pending items out to agents and folds their results
// into checkpointed state.
func (c *Coordinator) mapPhase(ctx context.Context, rt *runtime, parent *model.WorktreeSession, state model.JobState) (model.JobState, error) {
	pending := make([]model.WorkItem, 0, len(state.PendingItems))
	byID := make(map[string]model.WorkItem, len(state.WorkItems))
	for _, it := range state.WorkItems {
		byID[it.ID] = it
	}
	for _, id := range state.PendingItems {
		pending = append(pending, byID[id])
	}

	merges := mergeq.New(rt.trees, parent, c.Run, rt.events, c.Logger)
	defer merges.Close()

	exec := &agent.Executor{
		Trees:    rt.trees,
		Parent:   parent,
		Merges:   merges,
		Run:      c.Run,
		Orphans:  rt.orphans,
		Events:   rt.events,
		Logger:   c.Logger,
		Timeout:  c.Config.Timeout,
		Commands: c.Config.Commands,
		LogsDir:  c.Paths.LogsDir(),
	}
	sched := &agent.Scheduler{
		MaxParallel: int64(c.Config.Job.MaxParallel),
		Exec:        exec,
		Logger:      c.Logger,
	}

	// Claims arrive from the dispatcher goroutine and results from the
	// collector; one mutex serializes every state transition and
	// checkpoint save so versions advance one at a time.
	var (
		mu         sync.Mutex
		collectErr error
		aborted    bool
	)
	runErr := sched.Run(ctx, pending,
		func(item model.WorkItem) error {
			mu.Lock()
			defer mu.Unlock()
			next, err := checkpoint.MarkItemInProgress(state, item.ID, time.Now().UTC())
			if err != nil {
				return err
			}
			if _, err := rt.store.Save(next); err != nil {
				return err
			}
			state = next
			return nil
		},
		func(res model.AgentResult) (bool, error) {
			if res.Status != model.AgentSuccess && ctx.Err() != nil {
				// A cancellation-induced failure is not a real failure.
				// Leave the item in progress; the interrupt checkpoint
				// returns it to pending for the resume.
				return false, nil
			}
			mu.Lock()
			defer mu.Unlock()
			next, stop, err := c.collectResult(rt, state, res)
			if err != nil {
				collectErr = err
				return false, err
			}
			state = next
			if stop {
				aborted = true
			}
			return !stop, nil
		})

	if collectErr != nil {
		return state, collectErr
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
			state = checkpoint.ReturnInProgressToPending(state, time.Now().UTC())
			if _, err := rt.store.Save(state); err != nil {
				c.Logger.Errorf("interrupt checkpoint failed job_id=%s err=%q", state.JobID, err)
			}
			return state, fmt.Errorf("%w: %v", ErrInterrupted, runErr)
		}
		return state, runErr
	}

	if aborted {
		return state, fmt.Errorf("%w: dead-lettered item aborted the job", ErrJobFailed)
	}

	if checkpoint.ShouldTransitionToReduce(state) {
		next, err := checkpoint.StartReducePhase(state, time.Now().UTC())
		if err != nil {
			return state, err
		}
		if _, err := rt.store.Save(next); err != nil {
			return state, err
		}
		return next, nil
	}

	return state, fmt.Errorf("map phase ended with %d pending and %d in progress items",
		len(state.PendingItems), len(state.InProgressItems))
}

// collectResult applies one agent result to state, routes failures to
// the DLQ per the timeout action, and checkpoints. stop reports that the
// job must not dispatch further work.
func (c *Coordinator) collectResult(rt *runtime, state model.JobState, res model.AgentResult) (next model.JobState, stop bool, err error) {
	now := time.Now().UTC()

	var dead *model.DeadLetteredItem
	if res.Status != model.AgentSuccess {
		dead, err = c.routeFailure(rt, state, res, now)
		if err != nil {
			return state, true, err
		}
	}

	next, err = checkpoint.ApplyAgentResult(state, res, dead, now)
	if err != nil {
		return state, true, err
	}
	if _, err := rt.store.Save(next); err != nil {
		return state, true, err
	}

	c.publish(events.Event{
		Type:    events.WorkItemProcessed,
		JobID:   state.JobID,
		ItemID:  res.ItemID,
		AgentID: res.AgentID,
		Details: map[string]any{
			"status":    string(res.Status),
			"completed": len(next.CompletedAgents) + len(next.FailedAgents),
			"total":     next.Totals.TotalItems,
		},
	}, rt)

	if res.Status != model.AgentSuccess {
		if c.Config.Job.FailWorkflow {
			return next, true, nil
		}
		if res.Status == model.AgentTimeout && c.Config.Timeout.Action == model.ActionFail {
			return next, true, nil
		}
	}
	return next, false, nil
}

// routeFailure builds the dead letter record for a failed result and,
// unless the configured action is skip, persists it to the DLQ.
func (c *Coordinator) routeFailure(rt *runtime, state model.JobState, res model.AgentResult, now time.Time) (*model.DeadLetteredItem, error) {
	var item model.WorkItem
	for _, it := range state.WorkItems {
		if it.ID == res.ItemID {
			item = it
			break
		}
	}

	detail := model.FailureDetail{
		Timestamp:       now,
		ErrorType:       res.ErrorType,
		ErrorMessage:    res.Error,
		AgentID:         res.AgentID,
		StepFailed:      res.StepFailed,
		DurationMs:      res.DurationMs,
		JSONLogLocation: res.JSONLogLocation,
	}

	skip := res.Status == model.AgentTimeout && c.Config.Timeout.Action == model.ActionSkip
	if skip {
		// Skipped items are recorded in job state only; they are not
		// retryable through the DLQ.
		rec := model.DeadLetteredItem{
			ItemID:         item.ID,
			ItemData:       item.Data,
			FirstAttempt:   now,
			LastAttempt:    now,
			FailureCount:   1,
			FailureHistory: []model.FailureDetail{detail},
			ErrorSignature: dlq.ErrorSignature(res.ErrorType, res.Error),
		}
		return &rec, nil
	}

	var artifacts *model.WorktreeArtifacts
	if res.WorktreePath != "" {
		artifacts = &model.WorktreeArtifacts{WorktreePath: res.WorktreePath, BranchName: res.BranchName}
	}
	rec, err := rt.queue.RecordFailure(item, detail, artifacts)
	if err != nil {
		return nil, fmt.Errorf("dead letter item %s: %w", res.ItemID, err)
	}
	c.publish(events.Event{
		Type:   events.DLQItemAdded,
		JobID:  state.JobID,
		ItemID: item.ID,
		Details: map[string]any{
			"error_type":      string(res.ErrorType),
			"error_signature": rec.ErrorSignature,
		},
	}, rt)
	return rec, nil
}

// reducePhase computes the configured aggregates over the map results,
// validates, and performs the final merge into the original branch. The
// reduce runs even when every item failed; the final merge only runs
// when at least one agent merged commits.
func (c *Coordinator) reducePhase(ctx context.Context, rt *runtime, parent *model.WorktreeSession, state model.JobState) (model.JobState, map[string]any, error) {
	results := make([]model.AgentResult, 0, len(state.AgentResults))
	for _, res := range state.AgentResults {
		results = append(results, res)
	}

	output, err := aggregate.Apply(c.Config.Reduce.Aggregates, results)
	if err != nil {
		return state, nil, err
	}
	output["total_items"] = state.Totals.TotalItems
	output["succeeded"] = state.Totals.Succeeded
	output["dead_lettered"] = state.Totals.DeadLettered

	if state.Totals.Succeeded > 0 {
		merges := mergeq.New(rt.trees, parent, c.Run, rt.events, c.Logger)
		err := merges.FinalMerge(ctx, state.OriginalBranch, c.Config.Merge.ValidationCommands)
		merges.Close()
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return state, nil, fmt.Errorf("%w: %v", ErrInterrupted, err)
			}
			return state, nil, err
		}
	}

	next, err := checkpoint.CompleteJob(state, output, time.Now().UTC())
	if err != nil {
		return state, nil, err
	}
	if _, err := rt.store.Save(next); err != nil {
		return state, nil, err
	}

	// The parent worktree has served its purpose.
	if err := rt.trees.Remove(parent); err != nil {
		c.Logger.Warnf("parent worktree cleanup failed job_id=%s err=%q", state.JobID, err)
		_ = rt.orphans.Register(state.JobID, "", parent.Path, err)
	}
	return next, output, nil
}

func (c *Coordinator) markRunning(rt *runtime, phase string) {
	updated, err := c.Sessions.Update(rt.sess.ID, func(s *model.Session) error {
		if s.Status == model.SessionInitializing || s.Status == model.SessionPaused {
			s.Status = model.SessionRunning
		}
		if s.Timings == nil {
			s.Timings = map[string]model.PhaseTiming{}
		}
		if _, seen := s.Timings[phase]; !seen {
			s.Timings[phase] = model.PhaseTiming{StartedAt: time.Now().UTC()}
		}
		return nil
	})
	if err != nil {
		c.Logger.Warnf("session update failed session_id=%s err=%q", rt.sess.ID, err)
		return
	}
	rt.sess = updated
}

func (c *Coordinator) finishSession(rt *runtime, state model.JobState) {
	now := time.Now().UTC()
	updated, err := c.Sessions.Update(rt.sess.ID, func(s *model.Session) error {
		s.Status = model.SessionCompleted
		for phase, t := range s.Timings {
			if t.CompletedAt == nil {
				done := now
				t.CompletedAt = &done
				s.Timings[phase] = t
			}
		}
		if s.MapReduceData != nil {
			s.MapReduceData.TotalItems = state.Totals.TotalItems
			s.MapReduceData.Succeeded = state.Totals.Succeeded
			s.MapReduceData.DeadLettered = state.Totals.DeadLettered
		}
		return nil
	})
	if err != nil {
		c.Logger.Warnf("session update failed session_id=%s err=%q", rt.sess.ID, err)
		return
	}
	rt.sess = updated
}

func (c *Coordinator) paused(rt *runtime, state model.JobState, cause error) (*Outcome, error) {
	_, err := c.Sessions.Update(rt.sess.ID, func(s *model.Session) error {
		s.Status = model.SessionPaused
		s.Error = cause.Error()
		return nil
	})
	if err != nil {
		c.Logger.Warnf("session update failed session_id=%s err=%q", rt.sess.ID, err)
	}
	c.Logger.Infof("job paused job_id=%s pending=%d", state.JobID, len(state.PendingItems))
	return &Outcome{JobID: state.JobID, SessionID: rt.sess.ID, State: state}, cause
}

func (c *Coordinator) failed(rt *runtime, state model.JobState, cause error) (*Outcome, error) {
	_, err := c.Sessions.Update(rt.sess.ID, func(s *model.Session) error {
		s.Status = model.SessionFailed
		s.Error = cause.Error()
		return nil
	})
	if err != nil {
		c.Logger.Warnf("session update failed session_id=%s err=%q", rt.sess.ID, err)
	}
	c.Logger.Errorf("job failed job_id=%s err=%q", state.JobID, cause)
	return &Outcome{JobID: state.JobID, SessionID: rt.sess.ID, State: state}, cause
}

// publish writes an event to the durable log and mirrors it onto the
// in-process bus when one is attached.
func (c *Coordinator) publish(ev events.Event, rt *runtime) {
	if err := rt.events.Emit(ev); err != nil {
		c.Logger.Warnf("event emit failed type=%s err=%q", ev.Type, err)
	}
	if c.Bus != nil {
		c.Bus.Publish(ev)
	}
}
