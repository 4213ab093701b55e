package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitfan/internal/checkpoint"
	"gitfan/internal/events"
	"gitfan/internal/lock"
	"gitfan/internal/model"
)

// Resume picks a paused or interrupted job back up from its latest
// checkpoint. id may be the session id or the job id. Exactly one
// resume per session runs at a time; a concurrent attempt fails with
// lock.HeldError naming the holder.
func (c *Coordinator) Resume(ctx context.Context, id string) (*Outcome, error) {
	sess, err := c.Sessions.Resolve(id)
	if err != nil {
		return nil, err
	}
	if sess.MapReduceData == nil {
		return nil, fmt.Errorf("session %s is not a mapreduce session", sess.ID)
	}
	jobID := sess.MapReduceData.JobID

	rl, err := lock.AcquireResume(c.Paths.ResumeLockFile(sess.ID), sess.ID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := rl.Release(); rerr != nil {
			c.Logger.Warnf("resume lock release failed session_id=%s err=%q", sess.ID, rerr)
		}
	}()

	rt, err := c.newRuntime(jobID, sess)
	if err != nil {
		return nil, err
	}
	defer rt.events.Close()

	state, requeued, err := rt.store.LoadLatest()
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			return nil, fmt.Errorf("job %s has no checkpoint to resume from", jobID)
		}
		return nil, err
	}

	if state.Phase == model.PhaseComplete {
		c.Logger.Infof("job already complete job_id=%s", jobID)
		return &Outcome{JobID: jobID, SessionID: sess.ID, State: state}, nil
	}

	// A clean interrupt already checkpointed its items back to pending;
	// only a load that reclassified anything has new state to persist.
	if requeued {
		if _, err := rt.store.Save(state); err != nil {
			return nil, err
		}
	}

	if sess.Status == model.SessionFailed {
		if _, err := c.Sessions.Reopen(sess.ID); err != nil {
			return nil, err
		}
	}

	c.Logger.Infof("job resuming job_id=%s session_id=%s phase=%s pending=%d completed=%d dead_lettered=%d",
		jobID, sess.ID, state.Phase, len(state.PendingItems), len(state.CompletedAgents), len(state.FailedAgents))

	return c.execute(ctx, rt, state)
}

// RetryDLQ requeues dead-lettered items of a job and runs them through
// a fresh map phase. Items flagged for manual review need force.
func (c *Coordinator) RetryDLQ(ctx context.Context, id string, itemIDs []string, force bool) (*Outcome, error) {
	sess, err := c.Sessions.Resolve(id)
	if err != nil {
		return nil, err
	}
	if sess.MapReduceData == nil {
		return nil, fmt.Errorf("session %s is not a mapreduce session", sess.ID)
	}
	jobID := sess.MapReduceData.JobID

	rl, err := lock.AcquireResume(c.Paths.ResumeLockFile(sess.ID), sess.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rl.Release() }()

	rt, err := c.newRuntime(jobID, sess)
	if err != nil {
		return nil, err
	}
	defer rt.events.Close()

	items, err := rt.queue.Reprocess(itemIDs, force)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("job %s has no dead-lettered items to retry", jobID)
	}

	state, _, err := rt.store.LoadLatest()
	if err != nil {
		return nil, err
	}

	state, err = checkpoint.RequeueItems(state, items, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if _, err := rt.store.Save(state); err != nil {
		return nil, err
	}

	// A terminal session rewinds to running for the retry.
	if _, err := c.Sessions.Reopen(sess.ID); err != nil {
		return nil, err
	}

	_ = rt.events.Emit(events.Event{
		Type:    events.DLQItemsRetried,
		Details: map[string]any{"count": len(items), "force": force},
	})
	c.Logger.Infof("retrying dead-lettered items job_id=%s count=%d force=%t", jobID, len(items), force)

	outcome, err := c.execute(ctx, rt, state)
	if err != nil {
		return outcome, err
	}

	// Retry succeeded end to end; the retried items leave the DLQ.
	for _, it := range items {
		if outcome.State.IsCompleted(it.ID) {
			if rerr := rt.queue.Remove(it.ID); rerr != nil {
				c.Logger.Warnf("dlq cleanup failed item_id=%s err=%q", it.ID, rerr)
			}
		}
	}
	return outcome, nil
}
