package commands

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmove/pkg/engine"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/gateway"
)

const sessionPollInterval = 5 * time.Second

func newResumeCommand() *cobra.Command {
	var (
		runID       string
		waitSession string
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a run after the restart",
		Long: `Continue a run from its registered continuation.

This is the command the continuation trigger launches as root at boot.
With --wait-for-session it first waits until that user has logged in. The
continuation fires once: a second resume of the same run exits successfully
without doing anything. Use "migrate --run-id" to retry a halted run by hand.`,
		Example: `  hostmove resume --run-id 7c9e6679-7425-40de-944b-e07fc1f90ae7 --wait-for-session hostmove-admin --config /etc/hostmove/config.yaml`,
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

			if waitSession != "" {
				logger := a.telemetry.Logger.Component("session")
				if err := gateway.WaitForSession(ctx, gateway.LoginUsers, waitSession, sessionPollInterval, clock.WallClock, logger); err != nil {
					return err
				}
			}

			rc := a.runContext(engine.RunOptions{RunID: runID})
			summary, err := a.orch.Resume(ctx, engine.BuildPlan(a.cfg), rc)
			if errors.Is(err, engine.ErrContinuationConsumed) {
				a.logger.Info().Str("run_id", runID).Msg("Continuation already consumed")
				return nil
			}
			return a.conclude(ctx, cmd.OutOrStdout(), summary, err, false)
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "run to resume")
	cmd.Flags().StringVar(&waitSession, "wait-for-session", "", "wait until this user has logged in")

	return cmd
}
