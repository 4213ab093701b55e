package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"gitfan/internal/job"
	"gitfan/internal/model"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()

	want := []string{"run", "resume", "dlq", "worktree", "sessions", "events"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}

	for _, flag := range []string{"state-dir", "repo", "log-level"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag %q not registered", flag)
		}
	}
}

func TestRunRequiresItemsFlag(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"run"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "items") {
		t.Fatalf("err = %v, want missing items flag error", err)
	}
}

func TestPrintOutcome(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)

	outcome := &job.Outcome{
		JobID:     "job_1",
		SessionID: "ses_1",
		State: model.JobState{
			Phase:  model.PhaseComplete,
			Totals: model.JobTotals{TotalItems: 2, Succeeded: 1, DeadLettered: 1},
		},
		Reduce: map[string]any{"processed": 2},
	}
	if err := printOutcome(root, outcome); err != nil {
		t.Fatal(err)
	}

	var got map[string]any
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if got["job_id"] != "job_1" || got["phase"] != "complete" {
		t.Errorf("summary = %v", got)
	}
	if got["succeeded"] != float64(1) || got["dead_lettered"] != float64(1) {
		t.Errorf("totals in summary = %v", got)
	}
	if _, ok := got["reduce"]; !ok {
		t.Error("reduce output missing from summary")
	}
}
