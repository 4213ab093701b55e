// Package validate implements pre-flight validation that accumulates
// every violation instead of failing on the first one, so an operator
// fixes a bad config or item file in one pass.
package validate

import (
	"fmt"
	"strings"

	"gitfan/internal/model"
)

// Error carries the full list of violations found.
type Error struct {
	Violations []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("validation failed with %d violation(s):\n  - %s",
		len(e.Violations), strings.Join(e.Violations, "\n  - "))
}

// Accumulator collects violations across checks.
type Accumulator struct {
	violations []string
}

// Addf records a violation.
func (a *Accumulator) Addf(format string, args ...any) {
	a.violations = append(a.violations, fmt.Sprintf(format, args...))
}

// Checkf records a violation when cond is false.
func (a *Accumulator) Checkf(cond bool, format string, args ...any) {
	if !cond {
		a.Addf(format, args...)
	}
}

// Err returns nil when no violation was recorded, otherwise *Error with
// everything found.
func (a *Accumulator) Err() error {
	if len(a.violations) == 0 {
		return nil
	}
	return &Error{Violations: a.violations}
}

var validPolicies = map[model.TimeoutPolicy]bool{
	model.PolicyPerAgent:   true,
	model.PolicyPerCommand: true,
	model.PolicyHybrid:     true,
}

var validActions = map[model.TimeoutAction]bool{
	model.ActionDLQ:               true,
	model.ActionSkip:              true,
	model.ActionFail:              true,
	model.ActionGracefulTerminate: true,
}

var validRunners = map[model.CommandRunnerType]bool{
	model.RunnerShell: true,
	model.RunnerAgent: true,
}

// Config checks a loaded configuration. Defaults are assumed applied.
func Config(cfg model.Config) error {
	var acc Accumulator

	acc.Checkf(cfg.Job.MaxParallel > 0, "job.max_parallel must be positive, got %d", cfg.Job.MaxParallel)
	acc.Checkf(validPolicies[cfg.Timeout.Policy], "timeout.policy %q is not one of per_agent, per_command, hybrid", cfg.Timeout.Policy)
	acc.Checkf(validActions[cfg.Timeout.Action], "timeout.action %q is not one of dlq, skip, fail, graceful_terminate", cfg.Timeout.Action)
	acc.Checkf(cfg.Timeout.AgentTimeoutSecs > 0, "timeout.agent_timeout_secs must be positive, got %d", cfg.Timeout.AgentTimeoutSecs)
	for name, secs := range cfg.Timeout.CommandTimeouts {
		acc.Checkf(secs > 0, "timeout.command_timeouts[%s] must be positive, got %d", name, secs)
	}

	acc.Checkf(len(cfg.Commands) > 0, "commands must not be empty")
	for i, cmd := range cfg.Commands {
		acc.Checkf(validRunners[cmd.Runner], "commands[%d].runner %q is not one of shell, agent", i, cmd.Runner)
		acc.Checkf(strings.TrimSpace(cmd.Body) != "", "commands[%d].body must not be empty", i)
		acc.Checkf(cmd.TimeoutSecs >= 0, "commands[%d].timeout_secs must not be negative", i)
	}

	for name, agg := range cfg.Reduce.Aggregates {
		acc.Checkf(agg.Kind != "", "reduce.aggregates[%s].kind must not be empty", name)
		acc.Checkf(agg.Order == "" || agg.Order == "asc" || agg.Order == "desc",
			"reduce.aggregates[%s].order must be asc or desc, got %q", name, agg.Order)
	}

	return acc.Err()
}

// WorkItems checks the whole item set: every item has a stable, unique,
// non-empty id.
func WorkItems(items []model.WorkItem) error {
	var acc Accumulator

	acc.Checkf(len(items) > 0, "work item set must not be empty")

	seen := make(map[string]int, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			acc.Addf("item at index %d has an empty id", i)
			continue
		}
		if prev, dup := seen[item.ID]; dup {
			acc.Addf("item id %q at index %d duplicates index %d", item.ID, i, prev)
			continue
		}
		seen[item.ID] = i
	}

	return acc.Err()
}
