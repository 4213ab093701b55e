package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"gitfan/internal/events"
)

// newEventsCmd creates the "gitfan events" command group.
func newEventsCmd(app *appContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read and follow the job event log",
	}

	cmd.AddCommand(
		newEventsShowCmd(app),
		newEventsVerifyCmd(app),
	)
	return cmd
}

func newEventsShowCmd(app *appContext) *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "show <session-or-job-id>",
		Short: "Print the job's events, optionally following new ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := app.resolveJobID(args[0])
			if err != nil {
				return err
			}
			logPath := app.paths().EventLogFile(jobID)

			printEvent := func(ev events.Event) {
				line, err := json.Marshal(ev)
				if err != nil {
					return
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(line))
			}

			if follow {
				return events.NewFollower(logPath).Follow(cmd.Context(), printEvent)
			}

			all, err := events.ReadAll(logPath)
			if err != nil {
				return err
			}
			for _, ev := range all {
				printEvent(ev)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep reading as events are appended")
	return cmd
}

func newEventsVerifyCmd(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <session-or-job-id>",
		Short: "Verify event log integrity via record checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID, err := app.resolveJobID(args[0])
			if err != nil {
				return err
			}
			total, valid, err := events.VerifyIntegrity(app.paths().EventLogFile(jobID))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d records, %d valid\n", total, valid)
			if valid < total {
				return fmt.Errorf("%d records failed checksum verification", total-valid)
			}
			return nil
		},
	}
}
