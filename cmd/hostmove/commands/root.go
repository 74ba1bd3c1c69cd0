package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	buildVersion = version

	rootCmd := &cobra.Command{
		Use:   "hostmove",
		Short: "hostmove - one-way host identity migration",
		Long: `hostmove moves a workstation from one directory service to another.

A migration runs as an ordered list of phases:
  - preflight safeguards
  - profile backup
  - disk-encryption recovery export
  - temporary administrator creation
  - leaving the source directory (reboot)
  - joining the target directory
  - profile restore
  - temporary administrator removal

Every phase is checkpointed. The run resumes after the reboot at the phase
following the one that required it, and an interrupted run can be picked up
again with the same run ID.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newPreflightCommand())
	rootCmd.AddCommand(newBackupCommand())
	rootCmd.AddCommand(newRestoreCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newAbandonCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
