package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/faults"
)

func newBackupCommand() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Back up the profile",
		Long: `Copy the configured profile paths to a new timestamped directory under
the backup root and write its manifest.

The backup is the same one the migration takes; running it on its own is
useful before a rehearsal or as a restore point.`,
		Example: `  # Show what would be copied
  hostmove backup --config /etc/hostmove/config.yaml --dry-run

  hostmove backup --config /etc/hostmove/config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{ephemeral: true})
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			cfg := a.cfg
			m, err := a.backups.Backup(ctx, backup.Request{
				ProfileDir:      cfg.ProfileDir,
				Includes:        cfg.Backup.Include,
				Excludes:        cfg.Backup.Exclude,
				DestinationRoot: cfg.Backup.Root,
				User:            cfg.Principal,
				DryRun:          dryRun,
			})
			if err != nil {
				return err
			}

			var total int64
			for _, e := range m.Entries {
				total += e.Bytes
			}
			a.telemetry.Metrics.AddBackupBytes(total)

			if err := renderManifest(cmd.OutOrStdout(), m, dryRun); err != nil {
				return err
			}
			if m.Tally.Failed > 0 {
				return faults.Mutation(fmt.Sprintf("%d of %d include paths failed to copy", m.Tally.Failed, len(m.Entries)), nil).
					WithOperation("backup")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be copied without copying")

	return cmd
}
