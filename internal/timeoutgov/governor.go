// Package timeoutgov enforces the timeout policy for agent executions.
//
// Three policies are supported. per_agent gives each agent one wall-clock
// budget covering all of its commands. per_command times each command
// independently with no overall budget. hybrid carries an agent budget
// and lets individual commands override their own limit; elapsed time
// always counts against the agent budget, so a command's effective limit
// is the smaller of its override and the budget remaining.
package timeoutgov

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gitfan/internal/model"
)

// TimeoutError reports which scope expired and after how long.
type TimeoutError struct {
	Scope   string // "agent" or "command"
	AgentID string
	Command string
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Scope == "agent" {
		return fmt.Sprintf("agent %s exceeded timeout of %s after %s", e.AgentID, e.Limit, e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("command %q in agent %s exceeded timeout of %s after %s", e.Command, e.AgentID, e.Limit, e.Elapsed.Round(time.Millisecond))
}

// IsTimeout reports whether err carries a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Governor hands out per-command contexts according to the configured
// policy. One Governor instance covers one agent execution.
type Governor struct {
	policy       model.TimeoutPolicy
	agentID      string
	agentBudget  time.Duration
	typeTimeouts map[string]int
	started      time.Time
	now          func() time.Time
}

// New creates a governor for one agent. started anchors the agent
// budget; on resume, pass the original start time so the budget is not
// reset.
func New(cfg model.TimeoutConfig, agentID string, started time.Time) *Governor {
	return &Governor{
		policy:       cfg.Policy,
		agentID:      agentID,
		agentBudget:  time.Duration(cfg.AgentTimeoutSecs) * time.Second,
		typeTimeouts: cfg.CommandTimeouts,
		started:      started,
		now:          time.Now,
	}
}

// Remaining returns the agent budget left, or zero duration and false
// when the policy carries no agent budget.
func (g *Governor) Remaining() (time.Duration, bool) {
	if g.policy == model.PolicyPerCommand {
		return 0, false
	}
	return g.agentBudget - g.now().Sub(g.started), true
}

// CommandContext derives the context a single command runs under. The
// returned cancel must be called when the command finishes. A nil error
// with the parent context unchanged means the command is unbounded
// (per_command policy with no override).
func (g *Governor) CommandContext(ctx context.Context, spec model.CommandSpec) (context.Context, context.CancelFunc, error) {
	limit, err := g.commandLimit(spec)
	if err != nil {
		return nil, nil, err
	}
	if limit <= 0 {
		return ctx, func() {}, nil
	}
	cctx, cancel := context.WithTimeout(ctx, limit)
	return cctx, cancel, nil
}

// override resolves a command's own limit: its explicit timeout_secs,
// or the per-runner-type timeout from the config. Zero means none.
func (g *Governor) override(spec model.CommandSpec) time.Duration {
	if spec.TimeoutSecs > 0 {
		return time.Duration(spec.TimeoutSecs) * time.Second
	}
	if secs, ok := g.typeTimeouts[string(spec.Runner)]; ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// commandLimit resolves the effective limit for one command. Zero means
// unbounded. An expired agent budget returns a TimeoutError before the
// command even starts.
func (g *Governor) commandLimit(spec model.CommandSpec) (time.Duration, error) {
	override := g.override(spec)

	switch g.policy {
	case model.PolicyPerCommand:
		return override, nil

	case model.PolicyHybrid:
		remaining, _ := g.Remaining()
		if remaining <= 0 {
			return 0, g.agentExpired()
		}
		if override > 0 && override < remaining {
			return override, nil
		}
		return remaining, nil

	default: // per_agent: overrides are ignored
		remaining, _ := g.Remaining()
		if remaining <= 0 {
			return 0, g.agentExpired()
		}
		return remaining, nil
	}
}

// Classify maps a command failure to the timeout error it represents,
// or returns nil when the failure was not timeout-induced. Call it when
// a command's context reports context.DeadlineExceeded.
func (g *Governor) Classify(spec model.CommandSpec, cmdCtx context.Context) error {
	if !errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return nil
	}

	elapsed := g.now().Sub(g.started)
	override := g.override(spec)

	switch g.policy {
	case model.PolicyPerCommand:
		return &TimeoutError{Scope: "command", AgentID: g.agentID, Command: spec.Body, Limit: override, Elapsed: elapsed}
	case model.PolicyHybrid:
		remaining := g.agentBudget - elapsed
		if override > 0 && remaining > 0 {
			return &TimeoutError{Scope: "command", AgentID: g.agentID, Command: spec.Body, Limit: override, Elapsed: elapsed}
		}
		return g.agentExpired()
	default:
		return g.agentExpired()
	}
}

func (g *Governor) agentExpired() error {
	return &TimeoutError{
		Scope:   "agent",
		AgentID: g.agentID,
		Limit:   g.agentBudget,
		Elapsed: g.now().Sub(g.started),
	}
}
