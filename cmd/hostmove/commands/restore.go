package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/gateway"
	"github.com/openfroyo/hostmove/pkg/telemetry"
)

func newRestoreCommand() *cobra.Command {
	var (
		from   string
		mode   string
		groups []string
		target string
		force  bool
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a profile backup",
		Long: `Restore a backup directory written by "hostmove backup" or a migration.

The backup is verified before anything is written; a backup with missing
or unreadable content is not restored unless --force is given.

Modes:
  full       restore every item
  selective  restore the named groups plus the configured always-restore groups
  verify     only verify the backup`,
		Example: `  # Restore the latest backup under the configured root
  hostmove restore --config /etc/hostmove/config.yaml

  # Restore two groups from a specific backup
  hostmove restore --from /srv/backup/alice-20260301-090000 --mode selective --group Documents --group Desktop

  # Check a backup
  hostmove restore --from /srv/backup/alice-20260301-090000 --mode verify`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var cfg *config.Config
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			if from == "" {
				if cfg == nil {
					return faults.Configuration("--from or --config is required", nil)
				}
				latest, err := backup.LatestBackup(cfg.Backup.Root)
				if err != nil {
					return faults.Configuration("no backup found under "+cfg.Backup.Root, err)
				}
				from = latest
			}

			m := backup.Mode(mode)
			switch m {
			case backup.ModeFull, backup.ModeSelective, backup.ModeVerifyOnly:
			default:
				return faults.Configuration(fmt.Sprintf("unknown restore mode %q", mode), nil)
			}

			tcfg := telemetry.DefaultConfig()
			if verbose {
				tcfg.Logging.Level = "debug"
			}
			tel, err := telemetry.New(tcfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.WithoutCancel(ctx))
			logger := tel.Logger.Logger

			req := backup.RestoreRequest{
				Dir:    from,
				Target: target,
				Mode:   m,
				Groups: groups,
				Force:  force,
				DryRun: dryRun,
			}
			if cfg != nil {
				req.AlwaysRestore = cfg.Backup.AlwaysRestore
				if req.Target == "" {
					req.Target = cfg.ProfileDir
				}
			}

			svc := backup.NewService(gateway.NewMirror(logger), logger)
			summary, err := svc.Restore(ctx, req)
			if summary != nil {
				tel.Metrics.RecordRestoreItems(string(backup.ItemRestored), summary.Successful)
				tel.Metrics.RecordRestoreItems(string(backup.ItemFailed), summary.Failed)
				tel.Metrics.RecordRestoreItems(string(backup.ItemSkipped), summary.Skipped)
				if rerr := renderRestore(cmd.OutOrStdout(), summary); rerr != nil {
					return rerr
				}
			}
			if err != nil {
				return err
			}
			if m == backup.ModeVerifyOnly {
				return summary.Integrity.Err()
			}
			if summary.Failed > 0 {
				return faults.Mutation(fmt.Sprintf("%d of %d items failed to restore", summary.Failed, summary.TotalItems), nil).
					WithOperation("restore")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "backup directory (default: latest under the configured root)")
	cmd.Flags().StringVar(&mode, "mode", string(backup.ModeFull), "restore mode: full, selective, or verify")
	cmd.Flags().StringArrayVar(&groups, "group", nil, "group to restore in selective mode (repeatable)")
	cmd.Flags().StringVar(&target, "target", "", "profile directory to restore into (default: the recorded profile)")
	cmd.Flags().BoolVar(&force, "force", false, "restore despite integrity issues")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be restored without writing")

	return cmd
}
