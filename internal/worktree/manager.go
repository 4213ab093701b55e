// Package worktree manages the isolated git worktrees that agents run in:
// one parent worktree per job, one child worktree per agent, and a
// registry for worktrees whose cleanup failed.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"gitfan/internal/model"
)

// GitError reports a failed git operation.
type GitError struct {
	Op     string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s failed: %v\n%s", e.Op, e.Err, e.Output)
}

func (e *GitError) Unwrap() error { return e.Err }

// ErrMergeConflict marks merges that stopped on conflicts.
var ErrMergeConflict = errors.New("merge conflict")

// GitRunner is the seam for running git. The default implementation
// shells out; tests inject a fake.
type GitRunner interface {
	Run(dir string, args ...string) (string, error)
}

type execGit struct{}

func (execGit) Run(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), &GitError{Op: strings.Join(args, " "), Output: string(output), Err: err}
	}
	return string(output), nil
}

// Manager creates, merges, and removes worktrees for one repository.
type Manager struct {
	repoDir       string
	baseDir       string
	defaultBranch string
	git           GitRunner
}

// FindGitRoot walks up from startDir to the directory containing .git
// (a directory for normal repos, a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitPath := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitPath); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a git repository (or any parent up to mount point)")
		}
		dir = parent
	}
}

// NewManager creates a Manager rooted at the repository containing
// repoDir. Worktrees are created under baseDir.
func NewManager(repoDir, baseDir, defaultBranch string) (*Manager, error) {
	return NewManagerWithRunner(repoDir, baseDir, defaultBranch, execGit{})
}

// NewManagerWithRunner is NewManager with an injected git runner.
func NewManagerWithRunner(repoDir, baseDir, defaultBranch string, git GitRunner) (*Manager, error) {
	gitRoot, err := FindGitRoot(repoDir)
	if err != nil {
		return nil, fmt.Errorf("not a git repository: %s", repoDir)
	}
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	return &Manager{
		repoDir:       gitRoot,
		baseDir:       baseDir,
		defaultBranch: defaultBranch,
		git:           git,
	}, nil
}

// RepoDir returns the repository root the manager operates on.
func (m *Manager) RepoDir() string { return m.repoDir }

// TrackedBranch captures the branch a job will merge back into. Detached
// HEAD falls back to the configured default branch.
func (m *Manager) TrackedBranch() (string, error) {
	out, err := m.git.Run(m.repoDir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(out)
	if branch == "" || branch == "HEAD" {
		return m.defaultBranch, nil
	}
	return branch, nil
}

// BranchExists reports whether branch resolves in the repository.
func (m *Manager) BranchExists(branch string) bool {
	_, err := m.git.Run(m.repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// CreateParent provisions the job's parent worktree, branched from the
// tracked original branch. Agent worktrees branch from this one, so the
// main repository is never touched until the final merge.
func (m *Manager) CreateParent(jobID, originalBranch string) (*model.WorktreeSession, error) {
	base := originalBranch
	if !m.BranchExists(base) {
		// Original branch deleted since session start.
		base = m.defaultBranch
	}

	branch := fmt.Sprintf("gitfan-%s", jobID)
	path := filepath.Join(m.baseDir, "parent")
	if _, err := m.git.Run(m.repoDir, "worktree", "add", "-b", branch, path, base); err != nil {
		return nil, fmt.Errorf("create parent worktree: %w", err)
	}

	return &model.WorktreeSession{
		SessionID:    jobID,
		Path:         path,
		Branch:       branch,
		ParentBranch: base,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// CreateAgent provisions a child worktree for one agent, branched from
// the parent worktree's branch (never from the original repository
// branch) to isolate it from sibling agents.
func (m *Manager) CreateAgent(parent *model.WorktreeSession, agentID string) (*model.WorktreeSession, error) {
	branch := fmt.Sprintf("%s-%s", parent.Branch, agentID)
	path := filepath.Join(m.baseDir, "agents", agentID)
	if _, err := m.git.Run(m.repoDir, "worktree", "add", "-b", branch, path, parent.Branch); err != nil {
		return nil, fmt.Errorf("create agent worktree: %w", err)
	}

	return &model.WorktreeSession{
		SessionID:    agentID,
		Path:         path,
		Branch:       branch,
		ParentBranch: parent.Branch,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// Head returns the commit SHA at HEAD of the given worktree.
func (m *Manager) Head(path string) (string, error) {
	out, err := m.git.Run(path, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CommitsBetween returns the SHAs on head that are not on base, oldest
// first.
func (m *Manager) CommitsBetween(path, base, head string) ([]string, error) {
	out, err := m.git.Run(path, "rev-list", "--reverse", base+".."+head)
	if err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(out)
	if trimmed == "" {
		return []string{}, nil
	}
	return strings.Split(trimmed, "\n"), nil
}

// MergeBranch merges branch into the checkout at path. Conflicts abort
// the merge and return ErrMergeConflict.
func (m *Manager) MergeBranch(path, branch string) error {
	out, err := m.git.Run(path, "merge", "--no-ff", "--no-edit", branch)
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			abortOut, _ := m.git.Run(path, "merge", "--abort")
			_ = abortOut
			return fmt.Errorf("merge %s into %s: %w\n%s", branch, path, ErrMergeConflict, out)
		}
		return err
	}
	return nil
}

// Checkout switches the worktree at path to branch.
func (m *Manager) Checkout(path, branch string) error {
	if _, err := m.git.Run(path, "checkout", branch); err != nil {
		return err
	}
	return nil
}

// Remove deletes a worktree and its branch. On failure the caller is
// expected to register the worktree as orphaned; agent success is never
// retroactively affected by cleanup failure.
func (m *Manager) Remove(sess *model.WorktreeSession) error {
	if _, err := m.git.Run(m.repoDir, "worktree", "remove", "--force", sess.Path); err != nil {
		// Manual cleanup attempt, then prune stale references.
		_ = os.RemoveAll(sess.Path)
		_, _ = m.git.Run(m.repoDir, "worktree", "prune")
		return fmt.Errorf("remove worktree %s: %w", sess.Path, err)
	}
	if _, err := m.git.Run(m.repoDir, "branch", "-D", sess.Branch); err != nil {
		return fmt.Errorf("delete branch %s: %w", sess.Branch, err)
	}
	return nil
}

// List returns the paths of all worktrees attached to the repository.
func (m *Manager) List() ([]string, error) {
	out, err := m.git.Run(m.repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var worktrees []string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "worktree ") {
			worktrees = append(worktrees, strings.TrimPrefix(line, "worktree "))
		}
	}
	return worktrees, nil
}
