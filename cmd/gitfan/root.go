package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd creates the root gitfan command with all subcommands
// attached.
func newRootCmd() *cobra.Command {
	app := &appContext{}

	cmd := &cobra.Command{
		Use:   "gitfan",
		Short: "Fan work items out to parallel agents in isolated git worktrees",
		Long: `gitfan runs a mapreduce-style job over a list of work items: each item
is processed by an agent in its own git worktree, successful agents merge
back through a serialized queue, and failures land in a per-job dead
letter queue. Jobs checkpoint after every state change and can be resumed
after interruption.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&app.stateDir, "state-dir", ".gitfan", "state directory for sessions, checkpoints, and logs")
	flags.StringVar(&app.repoDir, "repo", ".", "repository the job operates on")
	flags.StringVar(&app.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	cmd.AddCommand(
		newRunCmd(app),
		newResumeCmd(app),
		newDLQCmd(app),
		newWorktreeCmd(app),
		newSessionsCmd(app),
		newEventsCmd(app),
	)

	return cmd
}
