// Package checkpoint implements job state transitions and their durable
// storage. Transitions are pure functions over JobState values: each one
// copies the input, applies the change, and bumps CheckpointVersion.
// All I/O lives in the Store, so every transition is trivially testable
// and a crash can never leave the in-memory state half-applied.
package checkpoint

import (
	"fmt"
	"time"

	"gitfan/internal/model"
)

// NewJobState initializes the state for a fresh job: every item pending,
// phase setup, version zero.
func NewJobState(jobID, sessionID string, items []model.WorkItem, now time.Time) model.JobState {
	pending := make([]string, 0, len(items))
	for _, it := range items {
		pending = append(pending, it.ID)
	}
	return model.JobState{
		JobID:           jobID,
		SessionID:       sessionID,
		Phase:           model.PhaseSetup,
		WorkItems:       items,
		AgentResults:    map[string]model.AgentResult{},
		CompletedAgents: []string{},
		FailedAgents:    map[string]model.DeadLetteredItem{},
		PendingItems:    pending,
		InProgressItems: []string{},
		Totals:          model.JobTotals{TotalItems: len(items)},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// clone deep-copies the mutable collections so transitions never alias
// the input state.
func clone(s model.JobState) model.JobState {
	out := s
	out.WorkItems = append([]model.WorkItem(nil), s.WorkItems...)
	out.PendingItems = append([]string(nil), s.PendingItems...)
	out.InProgressItems = append([]string(nil), s.InProgressItems...)
	out.CompletedAgents = append([]string(nil), s.CompletedAgents...)
	out.AgentResults = make(map[string]model.AgentResult, len(s.AgentResults))
	for k, v := range s.AgentResults {
		out.AgentResults[k] = v
	}
	out.FailedAgents = make(map[string]model.DeadLetteredItem, len(s.FailedAgents))
	for k, v := range s.FailedAgents {
		out.FailedAgents[k] = v
	}
	if s.ReducePhaseState != nil {
		rs := *s.ReducePhaseState
		out.ReducePhaseState = &rs
	}
	return out
}

func advance(s model.JobState, now time.Time) model.JobState {
	s.CheckpointVersion++
	s.UpdatedAt = now
	return s
}

// StartMapPhase moves setup to map once worktree provisioning succeeded.
func StartMapPhase(s model.JobState, parentBranch, originalBranch string, now time.Time) (model.JobState, error) {
	if err := model.ValidatePhaseTransition(s.Phase, model.PhaseMap); err != nil {
		return s, err
	}
	out := clone(s)
	out.Phase = model.PhaseMap
	out.ParentBranch = parentBranch
	out.OriginalBranch = originalBranch
	return advance(out, now), nil
}

// MarkItemInProgress moves one pending item to in progress.
func MarkItemInProgress(s model.JobState, itemID string, now time.Time) (model.JobState, error) {
	out := clone(s)
	found := false
	pending := out.PendingItems[:0]
	for _, id := range out.PendingItems {
		if id == itemID {
			found = true
			continue
		}
		pending = append(pending, id)
	}
	if !found {
		return s, fmt.Errorf("item %s is not pending (status %s)", itemID, s.ItemStatusOf(itemID))
	}
	out.PendingItems = pending
	out.InProgressItems = append(out.InProgressItems, itemID)
	return advance(out, now), nil
}

// ApplyAgentResult records an agent's outcome. Success moves the item to
// the completed set; failure expects the caller to have produced a dead
// letter record, which lands in FailedAgents. Either way the item leaves
// in_progress, so an item is never lost between states.
func ApplyAgentResult(s model.JobState, res model.AgentResult, dead *model.DeadLetteredItem, now time.Time) (model.JobState, error) {
	out := clone(s)

	inProgress := out.InProgressItems[:0]
	found := false
	for _, id := range out.InProgressItems {
		if id == res.ItemID {
			found = true
			continue
		}
		inProgress = append(inProgress, id)
	}
	if !found {
		return s, fmt.Errorf("item %s is not in progress (status %s)", res.ItemID, s.ItemStatusOf(res.ItemID))
	}
	out.InProgressItems = inProgress
	out.AgentResults[res.ItemID] = res

	if res.Status == model.AgentSuccess {
		out.CompletedAgents = append(out.CompletedAgents, res.ItemID)
		out.Totals.Succeeded++
	} else {
		if dead == nil {
			return s, fmt.Errorf("failed result for item %s without a dead letter record", res.ItemID)
		}
		out.FailedAgents[res.ItemID] = *dead
		out.Totals.Failed++
		out.Totals.DeadLettered++
	}
	return advance(out, now), nil
}

// ShouldTransitionToReduce reports whether every item has reached a
// terminal disposition.
func ShouldTransitionToReduce(s model.JobState) bool {
	if s.Phase != model.PhaseMap {
		return false
	}
	if len(s.PendingItems) > 0 || len(s.InProgressItems) > 0 {
		return false
	}
	return len(s.CompletedAgents)+len(s.FailedAgents) == s.Totals.TotalItems
}

// StartReducePhase moves map to reduce. The reduce phase runs even when
// every item failed, so the job always produces a summary.
func StartReducePhase(s model.JobState, now time.Time) (model.JobState, error) {
	if err := model.ValidatePhaseTransition(s.Phase, model.PhaseReduce); err != nil {
		return s, err
	}
	if !ShouldTransitionToReduce(s) {
		return s, fmt.Errorf("map phase incomplete: %d pending, %d in progress",
			len(s.PendingItems), len(s.InProgressItems))
	}
	out := clone(s)
	out.Phase = model.PhaseReduce
	out.ReducePhaseState = &model.ReducePhaseState{StartedAt: now}
	return advance(out, now), nil
}

// CompleteJob records the reduce output and moves the job to complete.
func CompleteJob(s model.JobState, output map[string]any, now time.Time) (model.JobState, error) {
	if err := model.ValidatePhaseTransition(s.Phase, model.PhaseComplete); err != nil {
		return s, err
	}
	out := clone(s)
	out.Phase = model.PhaseComplete
	if out.ReducePhaseState == nil {
		out.ReducePhaseState = &model.ReducePhaseState{StartedAt: now}
	}
	done := now
	out.ReducePhaseState.CompletedAt = &done
	out.ReducePhaseState.Output = output
	return advance(out, now), nil
}

// ReturnInProgressToPending reclassifies interrupted items back to
// pending. Used on checkpoint load and on graceful shutdown so a resumed
// job re-dispatches work that never finished.
func ReturnInProgressToPending(s model.JobState, now time.Time) model.JobState {
	if len(s.InProgressItems) == 0 {
		return s
	}
	out := clone(s)
	out.PendingItems = append(out.PendingItems, out.InProgressItems...)
	out.InProgressItems = []string{}
	return advance(out, now)
}

// RequeueItems returns previously dead-lettered items to the pending set
// for a DLQ retry. Their failure totals are rolled back; the DLQ record
// itself is only removed if the retry succeeds. Retry is an explicit
// operator action, so it may rewind a reduce or complete phase back to
// map, outside the normal forward-only transitions.
func RequeueItems(s model.JobState, items []model.WorkItem, now time.Time) (model.JobState, error) {
	if s.Phase == model.PhaseSetup {
		return s, fmt.Errorf("cannot requeue before the map phase has started")
	}
	out := clone(s)
	out.Phase = model.PhaseMap
	for _, it := range items {
		if _, failed := out.FailedAgents[it.ID]; !failed {
			return s, fmt.Errorf("item %s is not dead-lettered", it.ID)
		}
		delete(out.FailedAgents, it.ID)
		delete(out.AgentResults, it.ID)
		out.Totals.Failed--
		out.Totals.DeadLettered--
		out.PendingItems = append(out.PendingItems, it.ID)

		known := false
		for i := range out.WorkItems {
			if out.WorkItems[i].ID == it.ID {
				out.WorkItems[i] = it
				known = true
				break
			}
		}
		if !known {
			out.WorkItems = append(out.WorkItems, it)
			out.Totals.TotalItems++
		}
	}
	out.ReducePhaseState = nil
	return advance(out, now), nil
}
