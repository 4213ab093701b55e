package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gitfan/internal/model"
	"gitfan/internal/worktree"
)

// newWorktreeCmd creates the "gitfan worktree" command group.
func newWorktreeCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worktree",
		Short: "Inspect and clean up job worktrees",
	}

	cmd.AddCommand(
		newWorktreeListCmd(app),
		newWorktreeOrphansCmd(app),
		newWorktreeCleanCmd(app),
	)
	return cmd
}

func newWorktreeListCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the worktrees attached to the repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			trees, err := worktree.NewManager(app.repoDir, app.stateDir, "")
			if err != nil {
				return err
			}
			paths, err := trees.List()
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newWorktreeOrphansCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "orphans <session-or-job-id>",
		Short: "List worktrees whose cleanup failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := app.resolveJobID(args[0])
			if err != nil {
				return err
			}
			reg := worktree.NewOrphans(app.paths().OrphanRegistryFile(jobID), jobID)
			orphans, err := reg.List()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), orphans)
		},
	}
}

func newWorktreeCleanCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clean-orphaned <session-or-job-id>",
		Short: "Remove the registered orphaned worktrees of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := app.resolveJobID(args[0])
			if err != nil {
				return err
			}
			trees, err := worktree.NewManager(app.repoDir, app.paths().WorktreesDir(jobID), "")
			if err != nil {
				return err
			}
			reg := worktree.NewOrphans(app.paths().OrphanRegistryFile(jobID), jobID)
			orphans, err := reg.List()
			if err != nil {
				return err
			}

			resolved := map[string]bool{}
			for _, ow := range orphans {
				sess := &model.WorktreeSession{Path: ow.WorktreePath, Branch: branchForOrphan(jobID, ow)}
				if err := trees.Remove(sess); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", ow.WorktreePath, err)
					continue
				}
				resolved[ow.WorktreePath] = true
			}

			removed, err := reg.Resolve(resolved)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleaned %d of %d orphaned worktrees\n", removed, len(orphans))
			return nil
		},
	}
}

// branchForOrphan reconstructs the branch an orphaned worktree was on.
// Agent branches follow the parent branch naming; the parent worktree
// registers with an empty agent id.
func branchForOrphan(jobID string, ow model.OrphanedWorktree) string {
	parent := fmt.Sprintf("gitfan-%s", jobID)
	if ow.AgentID == "" || ow.AgentID == jobID {
		return parent
	}
	return fmt.Sprintf("%s-%s", parent, ow.AgentID)
}
