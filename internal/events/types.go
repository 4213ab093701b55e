// Package events provides the append-only job event log, an in-process
// event bus, and a live follower for external observability tooling.
package events

import "time"

// Type enumerates the event kinds the core emits.
type Type string

const (
	AgentStarted      Type = "agent_started"
	AgentCompleted    Type = "agent_completed"
	AgentFailed       Type = "agent_failed"
	WorkItemProcessed Type = "work_item_processed"
	CheckpointSaved   Type = "checkpoint_saved"
	DLQItemAdded      Type = "dlq_item_added"
	DLQItemsRetried   Type = "dlq_items_retried"
	MergeCompleted    Type = "merge_completed"
)

// Event is one record of the newline-delimited JSON log. Every record is
// complete and independently parseable, so concurrent writers interleave
// safely at line granularity.
type Event struct {
	Timestamp       time.Time      `json:"timestamp"`
	Type            Type           `json:"event_type"`
	JobID           string         `json:"job_id"`
	AgentID         string         `json:"agent_id,omitempty"`
	ItemID          string         `json:"item_id,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	JSONLogLocation string         `json:"json_log_location,omitempty"`
	Details         map[string]any `json:"details,omitempty"`
	Checksum        string         `json:"checksum,omitempty"`
}
