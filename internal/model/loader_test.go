package model

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeFile(t, "gitfan.yaml", `
job:
  max_parallel: 3
commands:
  - runner: shell
    body: "echo hi"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Job.MaxParallel != 3 {
		t.Errorf("MaxParallel = %d, want 3", cfg.Job.MaxParallel)
	}
	if cfg.Timeout.AgentTimeoutSecs != 600 {
		t.Errorf("AgentTimeoutSecs = %d, want default 600", cfg.Timeout.AgentTimeoutSecs)
	}
	if cfg.Timeout.CleanupGraceSecs != 30 {
		t.Errorf("CleanupGraceSecs = %d, want default 30", cfg.Timeout.CleanupGraceSecs)
	}
	if cfg.Timeout.Policy != PolicyPerAgent {
		t.Errorf("Policy = %q, want default per_agent", cfg.Timeout.Policy)
	}
	if cfg.Timeout.Action != ActionDLQ {
		t.Errorf("Action = %q, want default dlq", cfg.Timeout.Action)
	}
	if cfg.DLQ.MaxItems != 1000 {
		t.Errorf("DLQ.MaxItems = %d, want default 1000", cfg.DLQ.MaxItems)
	}
	if cfg.Worktree.DefaultBranch != "main" {
		t.Errorf("DefaultBranch = %q, want default main", cfg.Worktree.DefaultBranch)
	}
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "commands: [\n")
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoadWorkItemsArray(t *testing.T) {
	path := writeFile(t, "items.json", `[
		{"id": "a", "file": "x.go"},
		{"file": "y.go"}
	]`)
	items, err := LoadWorkItems(path)
	if err != nil {
		t.Fatalf("LoadWorkItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ID != "a" {
		t.Errorf("items[0].ID = %q, want %q", items[0].ID, "a")
	}
	if items[1].ID != "item-1" {
		t.Errorf("items[1].ID = %q, want positional %q", items[1].ID, "item-1")
	}
	if items[1].Data["file"] != "y.go" {
		t.Errorf("items[1].Data[file] = %v, want y.go", items[1].Data["file"])
	}
}

func TestLoadWorkItemsWrapped(t *testing.T) {
	path := writeFile(t, "items.json", `{"items": [{"id": "only"}]}`)
	items, err := LoadWorkItems(path)
	if err != nil {
		t.Fatalf("LoadWorkItems: %v", err)
	}
	if len(items) != 1 || items[0].ID != "only" {
		t.Fatalf("got %+v, want single item %q", items, "only")
	}
}

func TestGenerateID(t *testing.T) {
	for _, idType := range []IDType{IDTypeJob, IDTypeAgent, IDTypeSession} {
		id, err := GenerateID(idType)
		if err != nil {
			t.Fatalf("GenerateID(%s): %v", idType, err)
		}
		if !ValidateID(id) {
			t.Errorf("generated id %q does not validate", id)
		}
	}

	if _, err := GenerateID(IDType("nope")); err == nil {
		t.Error("expected error for invalid id type")
	}
}
