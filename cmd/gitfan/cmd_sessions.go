package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newSessionsCmd creates the "gitfan sessions" command group.
func newSessionsCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean stored sessions",
	}

	cmd.AddCommand(
		newSessionsListCmd(app),
		newSessionsShowCmd(app),
		newSessionsCleanCmd(app),
	)
	return cmd
}

func newSessionsListCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := app.sessions().List()
			if err != nil {
				return err
			}
			for _, s := range sessions {
				jobID := ""
				if s.MapReduceData != nil {
					jobID = s.MapReduceData.JobID
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n",
					s.ID, s.Status, s.StartedAt.Format(time.RFC3339), jobID)
			}
			return nil
		},
	}
}

func newSessionsShowCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-or-job-id>",
		Short: "Show one session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := app.sessions().Resolve(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sess)
		},
	}
}

func newSessionsCleanCmd(app *appContext) *cobra.Command {
	var olderThanDays int

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove finished sessions older than the retention window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			retention := time.Duration(olderThanDays) * 24 * time.Hour
			removed, err := app.sessions().Clean(retention, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d sessions\n", removed)
			return nil
		},
	}

	cmd.Flags().IntVar(&olderThanDays, "older-than", 7, "retention window in days")
	return cmd
}
