package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmove/pkg/engine"
)

func newMigrateCommand() *cobra.Command {
	var (
		dryRun        bool
		skipPreflight bool
		skipBackup    bool
		skipRecovery  bool
		assumeYes     bool
		runID         string
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run the migration",
		Long: `Run the migration phases in order.

The run stops after leaving the source directory. A continuation is
registered for the temporary administrator (or the principal) and the run
resumes at the target-join phase after the host restarts and that account
logs in.

A halted run is retried from the phase that failed by passing its run ID.
A dry run evaluates every decision against the live host without changing
it and continues through the reboot point in-process.`,
		Example: `  # Rehearse the migration
  hostmove migrate --config /etc/hostmove/config.yaml --dry-run

  # Run it
  hostmove migrate --config /etc/hostmove/config.yaml

  # Retry a halted run without repeating the backup
  hostmove migrate --config /etc/hostmove/config.yaml --run-id 7c9e6679-7425-40de-944b-e07fc1f90ae7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if runID == "" {
				runID = uuid.NewString()
			}

			a, err := newApp(ctx, appOptions{runID: runID, ephemeral: dryRun, assumeYes: assumeYes})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			var skip []string
			if skipPreflight {
				skip = append(skip, engine.PhasePreflight)
			}
			if skipBackup {
				skip = append(skip, engine.PhaseBackup)
			}
			if skipRecovery {
				skip = append(skip, engine.PhaseRecoveryExport)
			}

			rc := a.runContext(engine.RunOptions{RunID: runID, DryRun: dryRun, Skip: skip})
			summary, err := a.orch.Run(ctx, engine.BuildPlan(a.cfg), rc)
			return a.conclude(ctx, cmd.OutOrStdout(), summary, err, assumeYes)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "evaluate every phase without changing the host")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "skip the preflight safeguards")
	cmd.Flags().BoolVar(&skipBackup, "skip-backup", false, "skip the profile backup")
	cmd.Flags().BoolVar(&skipRecovery, "skip-recovery-export", false, "skip the recovery material export")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "answer confirmations with yes and restart without asking")
	cmd.Flags().StringVar(&runID, "run-id", "", "continue the run with this ID")

	return cmd
}

// conclude renders the outcome of an invocation and handles a pending
// restart. Completed runs, runs with failures, and runs waiting for a
// restart all succeed; a halted run returns its error.
func (a *app) conclude(ctx context.Context, w io.Writer, summary *engine.RunSummary, runErr error, assumeYes bool) error {
	if summary != nil {
		if err := renderSummary(w, summary); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if summary == nil || !summary.RebootRequired {
		return nil
	}

	restart := assumeYes
	if !restart && interactive() {
		ok, err := confirm(ctx, "Restart now?",
			fmt.Sprintf("The run resumes at %s when %s logs in.", summary.ResumePhase, a.continuationPrincipal()), true)
		if err != nil {
			return err
		}
		restart = ok
	}
	if !restart {
		fmt.Fprintln(w, "Restart the host to continue the migration.")
		return nil
	}

	a.logger.Info().Str("run_id", summary.RunID).Msg("Restarting host")
	return a.gateway.RestartHost(context.WithoutCancel(ctx))
}

func (a *app) continuationPrincipal() string {
	if a.cfg.DomainLeave.Enabled && a.cfg.TempAccount.Enabled {
		return a.cfg.TempAccount.Name
	}
	return a.cfg.Principal
}
