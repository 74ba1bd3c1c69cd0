package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var (
		runID string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded runs",
		Long: `Show the phase table of a run, or list the recorded runs.

Completed runs delete their checkpoint and no longer appear.`,
		Example: `  hostmove status --config /etc/hostmove/config.yaml
  hostmove status --config /etc/hostmove/config.yaml --run-id 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{runID: runID})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			if runID == "" {
				runs, err := a.checkpoints.List(ctx, limit)
				if err != nil {
					return err
				}
				return renderRuns(cmd.OutOrStdout(), runs)
			}

			summary, err := a.orch.Summary(ctx, runID)
			if err != nil {
				return err
			}
			return renderSummary(cmd.OutOrStdout(), summary)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to show")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")

	return cmd
}
