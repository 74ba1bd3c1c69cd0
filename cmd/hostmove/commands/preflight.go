package commands

import (
	"context"

	"github.com/spf13/cobra"
)

func newPreflightCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Evaluate the safeguards without migrating",
		Long: `Probe the host and evaluate every safeguard and preflight policy.

Nothing is changed. The command fails when any check fails.`,
		Example: `  hostmove preflight --config /etc/hostmove/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{ephemeral: true})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			res, err := a.preflight.Evaluate(ctx, a.cfg, false)
			if err != nil {
				return err
			}
			for _, c := range res.Checks {
				a.telemetry.Metrics.RecordPreflightCheck(string(c.Outcome))
			}
			if err := renderPreflight(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return res.Err()
		},
	}

	return cmd
}
