package worktree

import (
	"errors"
	"path/filepath"
	"testing"
)

func newOrphans(t *testing.T) *Orphans {
	t.Helper()
	return NewOrphans(filepath.Join(t.TempDir(), "orphaned-worktrees.json"), "job-1")
}

func TestOrphansEmptyRegistry(t *testing.T) {
	o := newOrphans(t)
	list, err := o.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("list = %v", list)
	}
}

func TestOrphansRegisterAndList(t *testing.T) {
	o := newOrphans(t)

	if err := o.Register("agt-1", "item-1", "/wt/agents/agt-1", errors.New("worktree locked")); err != nil {
		t.Fatal(err)
	}
	if err := o.Register("agt-2", "item-2", "/wt/agents/agt-2", nil); err != nil {
		t.Fatal(err)
	}

	list, err := o.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("got %d entries", len(list))
	}
	if list[0].AgentID != "agt-1" || list[0].Error != "worktree locked" {
		t.Errorf("entry = %+v", list[0])
	}
	if list[1].Error != "" {
		t.Errorf("nil cause produced error text %q", list[1].Error)
	}
	if list[0].Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestOrphansResolve(t *testing.T) {
	o := newOrphans(t)
	o.Register("agt-1", "item-1", "/wt/a", nil)
	o.Register("agt-2", "item-2", "/wt/b", nil)
	o.Register("agt-3", "item-3", "/wt/c", nil)

	removed, err := o.Resolve(map[string]bool{"/wt/a": true, "/wt/c": true, "/wt/unknown": true})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}

	list, _ := o.List()
	if len(list) != 1 || list[0].WorktreePath != "/wt/b" {
		t.Errorf("remaining = %v", list)
	}
}

func TestOrphansResolveNothing(t *testing.T) {
	o := newOrphans(t)
	o.Register("agt-1", "item-1", "/wt/a", nil)

	removed, err := o.Resolve(map[string]bool{"/wt/other": true})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 0 {
		t.Errorf("removed = %d", removed)
	}
}
