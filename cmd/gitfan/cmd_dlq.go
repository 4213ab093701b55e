package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gitfan/internal/dlq"
	"gitfan/internal/model"
)

// newDLQCmd creates the "gitfan dlq" command group.
func newDLQCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry dead-lettered work items",
	}

	cmd.AddCommand(
		newDLQShowCmd(app),
		newDLQStatsCmd(app),
		newDLQAnalyzeCmd(app),
		newDLQRetryCmd(app),
		newDLQClearCmd(app),
		newDLQPurgeCmd(app),
	)
	return cmd
}

func (a *appContext) openQueue(id string) (*dlq.Queue, error) {
	jobID, err := a.resolveJobID(id)
	if err != nil {
		return nil, err
	}
	return dlq.Open(a.paths().DLQDir(jobID), 0)
}

func newDLQShowCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-or-job-id>",
		Short: "List the dead-lettered items of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := app.openQueue(args[0])
			if err != nil {
				return err
			}
			items, err := queue.Items()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
}

func newDLQStatsCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <session-or-job-id>",
		Short: "Summarize the dead letter queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := app.openQueue(args[0])
			if err != nil {
				return err
			}
			stats, err := queue.Stats()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func newDLQAnalyzeCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <session-or-job-id>",
		Short: "Group dead-lettered items by error signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := app.openQueue(args[0])
			if err != nil {
				return err
			}
			patterns, err := queue.AnalyzePatterns()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), patterns)
		},
	}
}

func newDLQRetryCmd(app *appContext) *cobra.Command {
	var (
		configPath string
		itemIDs    []string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "retry <session-or-job-id>",
		Short: "Requeue dead-lettered items and run them again",
		Long: `Returns dead-lettered items to the pending queue and runs a map phase
over them, followed by a fresh reduce. Without --item all items are
retried. Items flagged for manual review are refused unless --force is
given. DLQ records are removed only for items that succeed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context(), cmd.ErrOrStderr())
			defer stop()

			coord := app.coordinator(cmd.ErrOrStderr(), cfg)
			outcome, err := coord.RetryDLQ(ctx, args[0], itemIDs, force)
			if err != nil {
				return err
			}
			return printOutcome(cmd, outcome)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gitfan.yaml", "job config file")
	cmd.Flags().StringSliceVar(&itemIDs, "item", nil, "item id to retry (repeatable; default all)")
	cmd.Flags().BoolVar(&force, "force", false, "retry items flagged for manual review")

	return cmd
}

func newDLQClearCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session-or-job-id>",
		Short: "Remove every dead-lettered item of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := app.openQueue(args[0])
			if err != nil {
				return err
			}
			removed, err := queue.Clear()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d items\n", removed)
			return nil
		},
	}
}

func newDLQPurgeCmd(app *appContext) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "purge <session-or-job-id>",
		Short: "Remove dead-lettered items past the retention window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := app.openQueue(args[0])
			if err != nil {
				return err
			}
			retention := time.Duration(olderThanDays) * 24 * time.Hour
			removed, err := queue.Purge(retention, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d items\n", removed)
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than", 30, "retention window in days")
	return cmd
}
