package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmove/pkg/engine"
	"github.com/openfroyo/hostmove/pkg/faults"
)

func newRollbackCommand() *cobra.Command {
	var (
		runID       string
		restoreData bool
		assumeYes   bool
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo what can be undone for a run",
		Long: `Roll back a run as far as the host allows.

This:
  - removes the temporary administrator, unless a removal was already attempted
  - clears the continuation so the run no longer resumes at login
  - with --restore-data, restores the profile from the run's backup

Leaving the source directory is one-way; rejoining it is a manual step.
The run is left aborted and can still be retried with "migrate --run-id".`,
		Example: `  hostmove rollback --config /etc/hostmove/config.yaml --run-id 7c9e6679-7425-40de-944b-e07fc1f90ae7 --restore-data`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if runID == "" {
				return faults.Configuration("--run-id is required", nil)
			}

			a, err := newApp(ctx, appOptions{runID: runID})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			ok, err := confirmAction(ctx, assumeYes,
				fmt.Sprintf("Roll back run %s?", runID),
				"The temporary administrator is removed and the continuation cleared.")
			if err != nil || !ok {
				return err
			}

			report, err := a.orch.Rollback(context.WithoutCancel(ctx), a.cfg, runID, currentActor(),
				engine.RollbackOptions{RestoreData: restoreData})
			if report != nil {
				if rerr := renderRollback(cmd.OutOrStdout(), report); rerr != nil {
					return rerr
				}
			}
			return err
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to roll back")
	cmd.Flags().BoolVar(&restoreData, "restore-data", false, "restore the profile from the run's backup")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}
