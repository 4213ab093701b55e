// Package agent executes work items: each item gets an isolated
// worktree, runs the command pipeline inside it, and merges its commits
// back through the serialized merge queue.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"gitfan/internal/events"
	"gitfan/internal/logging"
	"gitfan/internal/mergeq"
	"gitfan/internal/model"
	"gitfan/internal/runner"
	"gitfan/internal/storage"
	"gitfan/internal/timeoutgov"
	"gitfan/internal/worktree"
)

// Executor runs one agent per work item. It is safe for concurrent use;
// each Execute call operates on its own worktree.
type Executor struct {
	Trees    *worktree.Manager
	Parent   *model.WorktreeSession
	Merges   *mergeq.Coordinator
	Run      runner.CommandRunner
	Orphans  *worktree.Orphans
	Events   *events.Logger
	Logger   *logging.Logger
	Timeout  model.TimeoutConfig
	Commands []model.CommandSpec
	LogsDir  string
}

// commandRecord is one entry of the per-agent JSON transcript.
type commandRecord struct {
	Body       string `json:"body"`
	Runner     string `json:"runner"`
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

var itemFieldPattern = regexp.MustCompile(`\$\{item(?:\.([A-Za-z0-9_.]+))?\}`)

// interpolate substitutes ${item} and ${item.field} references in a
// command body with values from the work item. Unknown fields resolve to
// the empty string.
func interpolate(body string, item model.WorkItem) string {
	return itemFieldPattern.ReplaceAllStringFunc(body, func(match string) string {
		groups := itemFieldPattern.FindStringSubmatch(match)
		if groups[1] == "" {
			return item.ID
		}
		v, ok := lookupField(item.Data, groups[1])
		if !ok {
			return ""
		}
		return fmt.Sprint(v)
	})
}

func lookupField(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Execute runs the full agent lifecycle for one item and reports the
// outcome as an AgentResult. It never returns an error; every failure
// mode is classified into the result so the coordinator can route it.
func (e *Executor) Execute(ctx context.Context, item model.WorkItem) model.AgentResult {
	correlationID := uuid.NewString()
	started := time.Now()

	res := model.AgentResult{
		ItemID: item.ID,
		Status: model.AgentFailed,
	}

	agentID, err := model.GenerateID(model.IDTypeAgent)
	if err != nil {
		e.fail(&res, started, model.ErrorUnknown, err, "agent_setup")
		return res
	}
	res.AgentID = agentID

	e.emit(events.Event{Type: events.AgentStarted, AgentID: agentID, ItemID: item.ID, CorrelationID: correlationID})
	e.Logger.Infof("agent started agent_id=%s item_id=%s", agentID, item.ID)

	tree, err := e.Trees.CreateAgent(e.Parent, agentID)
	if err != nil {
		e.fail(&res, started, model.ErrorWorktree, err, "worktree_setup")
		e.emit(events.Event{Type: events.AgentFailed, AgentID: agentID, ItemID: item.ID, CorrelationID: correlationID, Details: map[string]any{"error": res.Error}})
		return res
	}
	res.BranchName = tree.Branch
	res.WorktreePath = tree.Path

	transcript, outputs, runErr := e.runPipeline(ctx, item, tree, agentID, started)
	res.JSONLogLocation = e.writeTranscript(agentID, transcript)

	if runErr == nil {
		res.Outputs = outputs
		runErr = e.collectAndMerge(ctx, &res, tree, agentID)
	}

	if runErr != nil {
		e.classify(&res, started, runErr)
		// The worktree is evidence for debugging a failed item; keep it
		// and record it as an artifact unless cleanup is explicitly run.
		e.orphan(agentID, item.ID, tree, runErr)
		e.emit(events.Event{Type: events.AgentFailed, AgentID: agentID, ItemID: item.ID, CorrelationID: correlationID, JSONLogLocation: res.JSONLogLocation, Details: map[string]any{
			"error":      res.Error,
			"error_type": string(res.ErrorType),
		}})
		return res
	}

	if err := e.Trees.Remove(tree); err != nil {
		// Cleanup failure never demotes a successful agent.
		e.Logger.Warnf("worktree cleanup failed agent_id=%s path=%s err=%q", agentID, tree.Path, err)
		e.orphan(agentID, item.ID, tree, err)
	}

	res.Status = model.AgentSuccess
	res.DurationMs = time.Since(started).Milliseconds()
	e.emit(events.Event{Type: events.AgentCompleted, AgentID: agentID, ItemID: item.ID, CorrelationID: correlationID, JSONLogLocation: res.JSONLogLocation, Details: map[string]any{
		"commits":     len(res.Commits),
		"duration_ms": res.DurationMs,
	}})
	e.Logger.Infof("agent completed agent_id=%s item_id=%s commits=%d duration=%s",
		agentID, item.ID, len(res.Commits), time.Since(started).Round(time.Millisecond))
	return res
}

// runPipeline executes the command specs in order inside the agent
// worktree, enforcing the timeout policy and commit requirements.
func (e *Executor) runPipeline(ctx context.Context, item model.WorkItem, tree *model.WorktreeSession, agentID string, started time.Time) ([]commandRecord, map[string]string, error) {
	gov := timeoutgov.New(e.Timeout, agentID, started)
	transcript := make([]commandRecord, 0, len(e.Commands))

	var lastStdout string
	for i, spec := range e.Commands {
		spec.Body = interpolate(spec.Body, item)

		headBefore := ""
		if spec.CommitRequired {
			var err error
			headBefore, err = e.Trees.Head(tree.Path)
			if err != nil {
				return transcript, nil, &stepError{step: stepName(i, spec), err: err}
			}
		}

		cctx, cancel, err := gov.CommandContext(ctx, spec)
		if err != nil {
			return transcript, nil, &stepError{step: stepName(i, spec), err: err}
		}
		out, runErr := e.Run.Execute(cctx, runner.Command{Spec: spec, Dir: tree.Path})
		if runErr != nil {
			if terr := gov.Classify(spec, cctx); terr != nil {
				runErr = terr
			}
		}
		cancel()

		rec := commandRecord{
			Body:       spec.Body,
			Runner:     string(spec.Runner),
			ExitCode:   out.ExitCode,
			Stdout:     out.Stdout,
			Stderr:     out.Stderr,
			DurationMs: out.Duration.Milliseconds(),
		}
		if runErr != nil {
			rec.Error = runErr.Error()
		}
		transcript = append(transcript, rec)

		if runErr != nil {
			return transcript, nil, &stepError{step: stepName(i, spec), err: runErr}
		}
		lastStdout = out.Stdout

		if spec.CommitRequired {
			headAfter, err := e.Trees.Head(tree.Path)
			if err != nil {
				return transcript, nil, &stepError{step: stepName(i, spec), err: err}
			}
			if headAfter == headBefore {
				return transcript, nil, &stepError{
					step: stepName(i, spec),
					err:  &commitValidationError{step: stepName(i, spec)},
				}
			}
		}
	}

	return transcript, parseOutputs(lastStdout), nil
}

// collectAndMerge captures the agent's commits and submits its branch to
// the serialized merge queue.
func (e *Executor) collectAndMerge(ctx context.Context, res *model.AgentResult, tree *model.WorktreeSession, agentID string) error {
	head, err := e.Trees.Head(tree.Path)
	if err != nil {
		return &stepError{step: "collect_commits", err: err}
	}
	commits, err := e.Trees.CommitsBetween(tree.Path, tree.ParentBranch, head)
	if err != nil {
		return &stepError{step: "collect_commits", err: err}
	}
	res.Commits = commits

	if len(commits) == 0 {
		// Nothing to merge; an empty branch is still a success when no
		// command required a commit.
		return nil
	}
	if err := e.Merges.Submit(ctx, agentID, tree.Branch); err != nil {
		return &stepError{step: "merge", err: err}
	}
	return nil
}

// parseOutputs extracts the agent's declared outputs from its final
// command's stdout. A JSON object yields one output per scalar field;
// anything else lands verbatim under "stdout".
func parseOutputs(stdout string) map[string]string {
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return nil
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		outputs := make(map[string]string, len(obj))
		for k, v := range obj {
			switch tv := v.(type) {
			case string:
				outputs[k] = tv
			case float64, bool, nil:
				outputs[k] = fmt.Sprint(tv)
			default:
				raw, _ := json.Marshal(tv)
				outputs[k] = string(raw)
			}
		}
		return outputs
	}
	return map[string]string{"stdout": trimmed}
}

func (e *Executor) writeTranscript(agentID string, transcript []commandRecord) string {
	if e.LogsDir == "" || len(transcript) == 0 {
		return ""
	}
	path := filepath.Join(e.LogsDir, agentID+".json")
	if err := storage.AtomicWriteJSON(path, transcript); err != nil {
		e.Logger.Warnf("transcript write failed agent_id=%s err=%q", agentID, err)
		return ""
	}
	return path
}

func (e *Executor) orphan(agentID, itemID string, tree *model.WorktreeSession, cause error) {
	if e.Orphans == nil {
		return
	}
	if err := e.Orphans.Register(agentID, itemID, tree.Path, cause); err != nil {
		e.Logger.Warnf("orphan registration failed agent_id=%s err=%q", agentID, err)
	}
}

func (e *Executor) emit(ev events.Event) {
	if e.Events == nil {
		return
	}
	if err := e.Events.Emit(ev); err != nil {
		e.Logger.Warnf("event emit failed type=%s err=%q", ev.Type, err)
	}
}

func (e *Executor) fail(res *model.AgentResult, started time.Time, errType model.ErrorType, err error, step string) {
	res.Status = model.AgentFailed
	res.Error = err.Error()
	res.ErrorType = errType
	res.StepFailed = step
	res.DurationMs = time.Since(started).Milliseconds()
}

// classify maps a pipeline error to its result fields.
func (e *Executor) classify(res *model.AgentResult, started time.Time, err error) {
	res.DurationMs = time.Since(started).Milliseconds()
	res.Error = err.Error()
	res.Status = model.AgentFailed

	var se *stepError
	if errors.As(err, &se) {
		res.StepFailed = se.step
	}

	var cve *commitValidationError
	var te *timeoutgov.TimeoutError
	var ce *runner.CommandError
	switch {
	case errors.As(err, &te):
		res.Status = model.AgentTimeout
		res.ErrorType = model.ErrorTimeout
	case errors.As(err, &cve):
		res.ErrorType = model.ErrorCommitValidationFailed
	case errors.Is(err, worktree.ErrMergeConflict):
		res.ErrorType = model.ErrorMergeConflict
	case errors.As(err, &ce):
		res.ErrorType = model.ErrorCommandFailed
	default:
		var ge *worktree.GitError
		if errors.As(err, &ge) {
			res.ErrorType = model.ErrorWorktree
		} else {
			res.ErrorType = model.ErrorUnknown
		}
	}
}

type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("step %s: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

type commitValidationError struct {
	step string
}

func (e *commitValidationError) Error() string {
	return fmt.Sprintf("step %s required a commit but HEAD did not change", e.step)
}

func stepName(i int, spec model.CommandSpec) string {
	return fmt.Sprintf("%s[%d]", spec.Runner, i)
}
