package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/checkpoint"
	"github.com/openfroyo/hostmove/pkg/config"
)

// Summary returns the summary of a recorded run.
func (o *Orchestrator) Summary(ctx context.Context, runID string) (*RunSummary, error) {
	cp, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return summarize(cp), nil
}

// Rollback undoes what can be undone for a run: the temporary account is
// removed if it was never removal-attempted, the continuation is cleared,
// and with RestoreData the profile is restored from the run's backup.
// Directory membership changes are one-way and are not reverted.
func (o *Orchestrator) Rollback(ctx context.Context, cfg *config.Config, runID, actor string, opts RollbackOptions) (*RollbackReport, error) {
	cp, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return nil, err
	}
	logger := o.logger.With().Str("run_id", runID).Logger()
	report := &RollbackReport{RunID: runID}
	var errs []error

	if cred := cp.Credential; cred != nil && cred.RemovedAt == nil {
		first, err := o.checkpoints.BeginCredentialRemoval(ctx, runID)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("failed to record removal attempt: %w", err))
		case !first:
			report.Notes = append(report.Notes,
				fmt.Sprintf("removal of %s was already attempted; remove the account manually", cred.Principal))
		default:
			if err := o.gateway.RemovePrivilegedAccount(ctx, cred.Principal); err != nil {
				errs = append(errs, err)
			} else if err := o.checkpoints.CompleteCredentialRemoval(ctx, runID); err != nil {
				errs = append(errs, err)
			} else {
				report.CredentialRemoved = true
				logger.Info().Str("account", cred.Principal).Msg("Temporary account removed")
			}
		}
	}

	if err := o.checkpoints.ClearContinuation(ctx, runID); err != nil {
		errs = append(errs, err)
	} else {
		report.ContinuationCleared = cp.Continuation != nil
	}

	if opts.RestoreData {
		if err := o.rollbackData(ctx, cfg, cp, report); err != nil {
			errs = append(errs, err)
		}
	}

	if src := cp.Artifacts[ArtifactSourceDomain]; src != "" {
		report.Notes = append(report.Notes,
			fmt.Sprintf("host left %s; rejoining the source directory is a manual step", src))
	}

	errMsg := "rolled back"
	if len(errs) > 0 {
		errMsg = "rollback incomplete: " + errors.Join(errs...).Error()
	}
	if err := o.checkpoints.SetState(ctx, runID, checkpoint.RunStateAborted, errMsg); err != nil {
		errs = append(errs, err)
	}
	if err := o.checkpoints.Audit(ctx, "rollback", actor, runID, map[string]string{
		"credential_removed": strconv.FormatBool(report.CredentialRemoved),
		"restore_data":       strconv.FormatBool(opts.RestoreData),
		"restored_from":      report.RestoredFrom,
	}); err != nil {
		errs = append(errs, err)
	}

	logger.Info().
		Bool("credential_removed", report.CredentialRemoved).
		Str("restored_from", report.RestoredFrom).
		Int("errors", len(errs)).
		Msg("Rollback finished")
	return report, errors.Join(errs...)
}

func (o *Orchestrator) rollbackData(ctx context.Context, cfg *config.Config, cp *checkpoint.Checkpoint, report *RollbackReport) error {
	if o.backups == nil {
		return errors.New("backup service is not configured")
	}
	dir := cp.Artifacts[ArtifactBackupDir]
	if dir == "" {
		latest, err := backup.LatestBackup(cfg.Backup.Root)
		if err != nil {
			return fmt.Errorf("no backup to restore: %w", err)
		}
		dir = latest
	}

	summary, err := o.backups.Restore(ctx, backup.RestoreRequest{
		Dir:    dir,
		Target: cfg.ProfileDir,
		Mode:   backup.ModeFull,
		Force:  true,
	})
	report.RestoredFrom = dir
	if summary != nil {
		report.RestoredItems = summary.Successful
	}
	return err
}

// Abandon discards a run: its continuation is cleared and its checkpoint
// deleted. The audit entry outlives the checkpoint.
func (o *Orchestrator) Abandon(ctx context.Context, runID, actor string) error {
	cp, err := o.checkpoints.Load(ctx, runID)
	if err != nil {
		return err
	}

	details := map[string]string{
		"state":        string(cp.State),
		"resume_phase": cp.PendingResumePhase,
	}
	if cred := cp.Credential; cred != nil && cred.RemovedAt == nil {
		details["outstanding_account"] = cred.Principal
		o.logger.Warn().
			Str("run_id", runID).
			Str("account", cred.Principal).
			Msg("Abandoned run leaves its temporary account in place")
	}

	if err := o.checkpoints.Audit(ctx, "abandon", actor, runID, details); err != nil {
		return err
	}
	if err := o.checkpoints.Delete(ctx, runID); err != nil {
		return err
	}
	o.logger.Info().Str("run_id", runID).Msg("Run abandoned")
	return nil
}
