// Package model defines the data structures for gitfan's work items, agent
// results, job state, failure records, and configuration.
package model

import "time"

// WorkItem is one unit of work fanned out to an agent. The payload is an
// opaque key/value document owned by the item producer; the core only
// reads fields for template interpolation. Immutable once dispatched.
type WorkItem struct {
	ID   string         `json:"id"`
	Data map[string]any `json:"data"`
}

// ErrorType classifies a failure for DLQ grouping and retry eligibility.
type ErrorType string

const (
	ErrorTimeout                ErrorType = "timeout"
	ErrorCommandFailed          ErrorType = "command_failed"
	ErrorCommitValidationFailed ErrorType = "commit_validation_failed"
	ErrorWorktree               ErrorType = "worktree_error"
	ErrorMergeConflict          ErrorType = "merge_conflict"
	ErrorValidationFailed       ErrorType = "validation_failed"
	ErrorResourceExhausted      ErrorType = "resource_exhausted"
	ErrorUnknown                ErrorType = "unknown"
)

// transientErrorTypes are eligible for DLQ reprocessing without operator
// intervention. Commit validation failures are correctness violations and
// always require manual review.
var transientErrorTypes = map[ErrorType]bool{
	ErrorTimeout:           true,
	ErrorCommandFailed:     true,
	ErrorWorktree:          true,
	ErrorMergeConflict:     true,
	ErrorResourceExhausted: true,
}

func (e ErrorType) Transient() bool {
	return transientErrorTypes[e]
}

// AgentResult is produced by an agent executor when an item's command
// sequence finishes (or fails). Ownership passes to the job coordinator.
type AgentResult struct {
	ItemID          string            `json:"item_id"`
	AgentID         string            `json:"agent_id"`
	Status          AgentStatus       `json:"status"`
	Commits         []string          `json:"commits,omitempty"`
	Outputs         map[string]string `json:"outputs,omitempty"`
	DurationMs      int64             `json:"duration_ms"`
	Error           string            `json:"error,omitempty"`
	ErrorType       ErrorType         `json:"error_type,omitempty"`
	StepFailed      string            `json:"step_failed,omitempty"`
	BranchName      string            `json:"branch_name,omitempty"`
	WorktreePath    string            `json:"worktree_path,omitempty"`
	JSONLogLocation string            `json:"json_log_location,omitempty"`
}

// FailureDetail records one failed attempt at processing an item.
type FailureDetail struct {
	AttemptNumber   int       `json:"attempt_number"`
	Timestamp       time.Time `json:"timestamp"`
	ErrorType       ErrorType `json:"error_type"`
	ErrorMessage    string    `json:"error_message"`
	ErrorContext    []string  `json:"error_context_trail,omitempty"`
	AgentID         string    `json:"agent_id"`
	StepFailed      string    `json:"step_failed"`
	DurationMs      int64     `json:"duration_ms"`
	JSONLogLocation string    `json:"json_log_location,omitempty"`
}

// WorktreeArtifacts points at the worktree left behind by a failed agent,
// when cleanup was skipped or itself failed.
type WorktreeArtifacts struct {
	WorktreePath string `json:"worktree_path"`
	BranchName   string `json:"branch_name"`
}

// DeadLetteredItem is the durable failure record for an item. Created on
// first failure, appended to on each retry failure, deleted only by
// explicit DLQ clear or retry success. FirstAttempt is immutable.
type DeadLetteredItem struct {
	ItemID               string             `json:"item_id"`
	ItemData             map[string]any     `json:"item_data"`
	FirstAttempt         time.Time          `json:"first_attempt"`
	LastAttempt          time.Time          `json:"last_attempt"`
	FailureCount         int                `json:"failure_count"`
	FailureHistory       []FailureDetail    `json:"failure_history"`
	ErrorSignature       string             `json:"error_signature"`
	WorktreeArtifacts    *WorktreeArtifacts `json:"worktree_artifacts,omitempty"`
	ReprocessEligible    bool               `json:"reprocess_eligible"`
	ManualReviewRequired bool               `json:"manual_review_required"`
}

// JobTotals summarizes item dispositions for quick inspection.
type JobTotals struct {
	TotalItems   int `json:"total_items"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// ReducePhaseState carries reduce progress across checkpoints.
type ReducePhaseState struct {
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// JobState is the job coordinator's single source of truth. All mutation
// goes through the pure transition functions in internal/checkpoint, which
// copy the state and return a new value with CheckpointVersion incremented.
// The version strictly increases on every transition; the checkpoint store
// uses it to reject stale or out-of-order writes.
type JobState struct {
	JobID             string                      `json:"job_id"`
	SessionID         string                      `json:"session_id,omitempty"`
	Phase             Phase                       `json:"phase"`
	WorkItems         []WorkItem                  `json:"work_items"`
	AgentResults      map[string]AgentResult      `json:"agent_results"`
	CompletedAgents   []string                    `json:"completed_agents"`
	FailedAgents      map[string]DeadLetteredItem `json:"failed_agents"`
	PendingItems      []string                    `json:"pending_items"`
	InProgressItems   []string                    `json:"in_progress_items"`
	CheckpointVersion uint32                      `json:"checkpoint_version"`
	ReducePhaseState  *ReducePhaseState           `json:"reduce_phase_state,omitempty"`
	Totals            JobTotals                   `json:"totals"`
	ParentBranch      string                      `json:"parent_branch,omitempty"`
	OriginalBranch    string                      `json:"original_branch,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`
	UpdatedAt         time.Time                   `json:"updated_at"`
}

// IsCompleted reports whether agent id is in the completed set.
func (s *JobState) IsCompleted(id string) bool {
	for _, c := range s.CompletedAgents {
		if c == id {
			return true
		}
	}
	return false
}

// ItemStatusOf returns the current disposition of an item id.
func (s *JobState) ItemStatusOf(id string) ItemStatus {
	for _, p := range s.PendingItems {
		if p == id {
			return ItemPending
		}
	}
	for _, p := range s.InProgressItems {
		if p == id {
			return ItemInProgress
		}
	}
	if s.IsCompleted(id) {
		return ItemCompleted
	}
	return ItemDeadLettered
}

// WorktreeSession describes one provisioned worktree (parent or agent).
type WorktreeSession struct {
	SessionID    string    `json:"session_id"`
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	ParentBranch string    `json:"parent_branch"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionType distinguishes plain workflow sessions from mapreduce jobs.
type SessionType string

const (
	SessionTypeWorkflow  SessionType = "workflow"
	SessionTypeMapReduce SessionType = "mapreduce"
)

// PhaseTiming records when a phase started and finished.
type PhaseTiming struct {
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// MapReduceData links a session to its job and carries summary counters.
type MapReduceData struct {
	JobID        string `json:"job_id"`
	TotalItems   int    `json:"total_items"`
	Succeeded    int    `json:"succeeded"`
	DeadLettered int    `json:"dead_lettered"`
}

// Session is the externally visible execution record, persisted as one
// JSON file per session. Resume accepts either the session id or the
// embedded job id.
type Session struct {
	ID            string                 `json:"id"`
	SessionType   SessionType            `json:"session_type"`
	Status        SessionStatus          `json:"status"`
	StartedAt     time.Time              `json:"started_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
	Checkpoints   []string               `json:"checkpoints,omitempty"`
	Timings       map[string]PhaseTiming `json:"timings,omitempty"`
	Error         string                 `json:"error,omitempty"`
	MapReduceData *MapReduceData         `json:"mapreduce_data,omitempty"`
}

// OrphanedWorktree is a worktree whose cleanup failed; it stays registered
// for later manual or scripted removal.
type OrphanedWorktree struct {
	AgentID      string    `json:"agent_id"`
	ItemID       string    `json:"item_id"`
	WorktreePath string    `json:"worktree_path"`
	Timestamp    time.Time `json:"timestamp"`
	Error        string    `json:"error"`
}

// OrphanRegistry is the per-job orphaned-worktree file.
type OrphanRegistry struct {
	JobID             string             `json:"job_id"`
	OrphanedWorktrees []OrphanedWorktree `json:"orphaned_worktrees"`
}
