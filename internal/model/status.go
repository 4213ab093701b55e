package model

import "fmt"

// Phase is the job coordinator's top-level state.
type Phase string

const (
	PhaseSetup    Phase = "setup"
	PhaseMap      Phase = "map"
	PhaseReduce   Phase = "reduce"
	PhaseComplete Phase = "complete"
)

// SessionStatus is the externally observed session state. It is a superset
// of the job phases: pause/failure/cancellation are session-layer concepts.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionRunning      SessionStatus = "running"
	SessionPaused       SessionStatus = "paused"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionCancelled    SessionStatus = "cancelled"
)

// ItemStatus tracks where a work item currently lives. At any observation
// point an item is in exactly one of these states.
type ItemStatus string

const (
	ItemPending      ItemStatus = "pending"
	ItemInProgress   ItemStatus = "in_progress"
	ItemCompleted    ItemStatus = "completed"
	ItemDeadLettered ItemStatus = "dead_lettered"
)

// AgentStatus is the terminal status of a single agent execution.
type AgentStatus string

const (
	AgentSuccess AgentStatus = "success"
	AgentFailed  AgentStatus = "failed"
	AgentTimeout AgentStatus = "timeout"
)

var terminalPhases = map[Phase]bool{
	PhaseComplete: true,
}

var validPhaseTransitions = map[Phase]map[Phase]bool{
	PhaseSetup: {
		PhaseMap: true,
	},
	PhaseMap: {
		PhaseReduce: true,
	},
	PhaseReduce: {
		PhaseComplete: true,
	},
}

var terminalSessionStatuses = map[SessionStatus]bool{
	SessionCompleted: true,
	SessionFailed:    true,
	SessionCancelled: true,
}

var validSessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionInitializing: {
		SessionRunning:   true,
		SessionFailed:    true,
		SessionCancelled: true,
	},
	SessionRunning: {
		SessionPaused:    true,
		SessionCompleted: true,
		SessionFailed:    true,
		SessionCancelled: true,
	},
	SessionPaused: {
		SessionRunning:   true, // resume
		SessionCancelled: true,
	},
}

func IsPhaseTerminal(p Phase) bool {
	return terminalPhases[p]
}

func IsSessionTerminal(s SessionStatus) bool {
	return terminalSessionStatuses[s]
}

func ValidatePhaseTransition(from, to Phase) error {
	if IsPhaseTerminal(from) {
		return fmt.Errorf("cannot transition from terminal phase %q", from)
	}
	allowed, ok := validPhaseTransitions[from]
	if !ok {
		return fmt.Errorf("unknown phase %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid phase transition: %q → %q", from, to)
	}
	return nil
}

func ValidateSessionTransition(from, to SessionStatus) error {
	if IsSessionTerminal(from) {
		return fmt.Errorf("cannot transition from terminal session status %q", from)
	}
	allowed, ok := validSessionTransitions[from]
	if !ok {
		return fmt.Errorf("unknown session status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid session transition: %q → %q", from, to)
	}
	return nil
}
