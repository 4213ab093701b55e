package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves locations inside the gitfan state directory. Everything
// the core persists lives under one base dir (default: .gitfan under the
// repository root).
type Paths struct {
	Base string
}

func NewPaths(base string) Paths {
	return Paths{Base: base}
}

func (p Paths) SessionsDir() string { return filepath.Join(p.Base, "sessions") }
func (p Paths) LocksDir() string    { return filepath.Join(p.Base, "locks") }
func (p Paths) LogsDir() string     { return filepath.Join(p.Base, "logs") }

func (p Paths) SessionFile(sessionID string) string {
	return filepath.Join(p.SessionsDir(), sessionID+".json")
}

func (p Paths) SessionIndexFile() string {
	return filepath.Join(p.SessionsDir(), "index.json")
}

func (p Paths) JobDir(jobID string) string {
	return filepath.Join(p.Base, "jobs", jobID)
}

func (p Paths) CheckpointsDir(jobID string) string {
	return filepath.Join(p.JobDir(jobID), "checkpoints")
}

func (p Paths) DLQDir(jobID string) string {
	return filepath.Join(p.JobDir(jobID), "dlq")
}

func (p Paths) EventLogFile(jobID string) string {
	return filepath.Join(p.JobDir(jobID), "events", "events.jsonl")
}

func (p Paths) OrphanRegistryFile(jobID string) string {
	return filepath.Join(p.JobDir(jobID), "orphaned-worktrees.json")
}

func (p Paths) ResumeLockFile(sessionID string) string {
	return filepath.Join(p.LocksDir(), sessionID+".lock")
}

func (p Paths) WorktreesDir(jobID string) string {
	return filepath.Join(p.Base, "worktrees", jobID)
}

// EnsureBase creates the top-level state directories.
func (p Paths) EnsureBase() error {
	for _, dir := range []string{p.Base, p.SessionsDir(), p.LocksDir(), p.LogsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	return nil
}

// EnsureJob creates the per-job directories.
func (p Paths) EnsureJob(jobID string) error {
	dirs := []string{
		p.CheckpointsDir(jobID),
		filepath.Join(p.DLQDir(jobID), "items"),
		filepath.Dir(p.EventLogFile(jobID)),
		p.WorktreesDir(jobID),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", dir, err)
		}
	}
	return nil
}
