package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmove/pkg/faults"
)

func newAbandonCommand() *cobra.Command {
	var (
		runID     string
		assumeYes bool
	)

	cmd := &cobra.Command{
		Use:   "abandon",
		Short: "Discard a run",
		Long: `Clear the continuation of a run and delete its checkpoint.

Nothing on the host is undone; use rollback first to remove the temporary
administrator. The abandonment is recorded in the audit log.`,
		Example: `  hostmove abandon --config /etc/hostmove/config.yaml --run-id 7c9e6679-7425-40de-944b-e07fc1f90ae7 --yes`,
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
				fmt.Sprintf("Abandon run %s?", runID),
				"Its checkpoint is deleted and it can no longer be resumed.")
			if err != nil || !ok {
				return err
			}

			if err := a.orch.Abandon(context.WithoutCancel(ctx), runID, currentActor()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s abandoned\n", runID)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to abandon")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}
