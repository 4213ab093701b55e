package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"gitfan/internal/job"
	"gitfan/internal/lock"
	"gitfan/internal/model"
)

// newResumeCmd creates the "gitfan resume" subcommand.
func newResumeCmd(app *appContext) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <session-or-job-id>",
		Short: "Resume an interrupted job from its latest checkpoint",
		Long: `Resumes a paused or interrupted job. Accepts either the session id or
the job id. Items that were in progress at interruption are re-dispatched
from scratch; completed and dead-lettered items keep their outcome. Only
one resume per session can run at a time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := model.LoadConfig(configPath)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context(), cmd.ErrOrStderr())
			defer stop()

			coord := app.coordinator(cmd.ErrOrStderr(), cfg)
			outcome, err := coord.Resume(ctx, args[0])
			if err != nil {
				var held *lock.HeldError
				if errors.As(err, &held) {
					return fmt.Errorf("another resume is already running: %w", err)
				}
				if errors.Is(err, job.ErrInterrupted) && outcome != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "job paused; resume with: gitfan resume %s\n", outcome.SessionID)
				}
				return err
			}
			return printOutcome(cmd, outcome)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "gitfan.yaml", "job config file")

	return cmd
}
