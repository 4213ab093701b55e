package worktree

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"gitfan/internal/model"
	"gitfan/internal/storage"
)

// Orphans records worktrees whose cleanup failed so they can be
// reclaimed later. Entries append to a per-job JSON file.
type Orphans struct {
	path  string
	jobID string
	mu    sync.Mutex
}

// NewOrphans returns a registry backed by the given file.
func NewOrphans(path, jobID string) *Orphans {
	return &Orphans{path: path, jobID: jobID}
}

// Register appends an orphaned worktree entry. Registration failure is
// reported but must not fail the agent that produced it.
func (o *Orphans) Register(agentID, itemID, worktreePath string, cause error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	reg, err := o.load()
	if err != nil {
		return err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	reg.OrphanedWorktrees = append(reg.OrphanedWorktrees, model.OrphanedWorktree{
		AgentID:      agentID,
		ItemID:       itemID,
		WorktreePath: worktreePath,
		Timestamp:    time.Now().UTC(),
		Error:        msg,
	})

	if err := storage.AtomicWriteJSON(o.path, reg); err != nil {
		return fmt.Errorf("write orphan registry: %w", err)
	}
	return nil
}

// List returns the registered orphans. A missing file means none.
func (o *Orphans) List() ([]model.OrphanedWorktree, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	reg, err := o.load()
	if err != nil {
		return nil, err
	}
	return reg.OrphanedWorktrees, nil
}

// Resolve removes entries whose worktree path appears in resolved,
// returning how many were dropped.
func (o *Orphans) Resolve(resolved map[string]bool) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	reg, err := o.load()
	if err != nil {
		return 0, err
	}

	kept := reg.OrphanedWorktrees[:0]
	removed := 0
	for _, ow := range reg.OrphanedWorktrees {
		if resolved[ow.WorktreePath] {
			removed++
			continue
		}
		kept = append(kept, ow)
	}
	if removed == 0 {
		return 0, nil
	}

	reg.OrphanedWorktrees = kept
	if err := storage.AtomicWriteJSON(o.path, reg); err != nil {
		return 0, fmt.Errorf("write orphan registry: %w", err)
	}
	return removed, nil
}

func (o *Orphans) load() (*model.OrphanRegistry, error) {
	var reg model.OrphanRegistry
	err := storage.ReadJSON(o.path, &reg)
	if errors.Is(err, fs.ErrNotExist) {
		return &model.OrphanRegistry{JobID: o.jobID, OrphanedWorktrees: []model.OrphanedWorktree{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read orphan registry: %w", err)
	}
	return &reg, nil
}
