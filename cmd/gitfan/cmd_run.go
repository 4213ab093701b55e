package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"gitfan/internal/events"
	"gitfan/internal/job"
	"gitfan/internal/model"
)

// newRunCmd creates the "gitfan run" subcommand.
func newRunCmd(app *appContext) *cobra.Command {
	var (
		configPath  string
		itemsPath   string
		maxParallel int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a new job over a list of work items",
		Long: `Loads the job config and work items, provisions the parent worktree,
and fans the items out to agents. The command blocks until the job
completes, fails, or is interrupted. An interrupted job checkpoints and
can be picked up later with "gitfan resume".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if maxParallel > 0 {
				cfg.Job.MaxParallel = maxParallel
			}
			items, err := model.LoadWorkItems(itemsPath)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context(), cmd.ErrOrStderr())
			defer stop()

			coord := app.coordinator(cmd.ErrOrStderr(), cfg)

			bus := events.NewBus(16)
			defer bus.Close()
			unsubscribe := bus.Subscribe(events.WorkItemProcessed, func(ev events.Event) {
				fmt.Fprintf(cmd.ErrOrStderr(), "item %s: %v (%v/%v)\n",
					ev.ItemID, ev.Details["status"], ev.Details["completed"], ev.Details["total"])
			})
			defer unsubscribe()
			coord.Bus = bus

			outcome, err := coord.Start(ctx, items)
			if err != nil {
				if errors.Is(err, job.ErrInterrupted) && outcome != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "job paused; resume with: gitfan resume %s\n", outcome.SessionID)
				}
				return err
			}
			return printOutcome(cmd, outcome)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gitfan.yaml", "job config file")
	cmd.Flags().StringVarP(&itemsPath, "items", "i", "", "JSON file with the work items")
	cmd.Flags().IntVarP(&maxParallel, "max-parallel", "p", 0, "override max parallel agents")
	_ = cmd.MarkFlagRequired("items")

	return cmd
}

func printOutcome(cmd *cobra.Command, outcome *job.Outcome) error {
	summary := map[string]any{
		"job_id":        outcome.JobID,
		"session_id":    outcome.SessionID,
		"phase":         outcome.State.Phase,
		"total_items":   outcome.State.Totals.TotalItems,
		"succeeded":     outcome.State.Totals.Succeeded,
		"dead_lettered": outcome.State.Totals.DeadLettered,
	}
	if outcome.Reduce != nil {
		summary["reduce"] = outcome.Reduce
	}
	return printJSON(cmd.OutOrStdout(), summary)
}
