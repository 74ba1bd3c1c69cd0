package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/openfroyo/hostmove/pkg/backup"
	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/checkpoint"
	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/preflight"
)

// Phase decisions.
const (
	DecisionPassed             = "passed"
	DecisionPassedWithWarnings = "passed-with-warnings"
	DecisionFailed             = "failed"
	DecisionCopied             = "copied"
	DecisionCopiedWithSkips    = "copied-with-skips"
	DecisionPartial            = "partial"
	DecisionExported           = "exported"
	DecisionCreated            = "created"
	DecisionAlreadyCreated     = "already-created"
	DecisionNotJoined          = "not-joined"
	DecisionLeft               = "left"
	DecisionSourceStillJoined  = "source-still-joined"
	DecisionAlreadyJoined      = "already-joined"
	DecisionJoined             = "joined"
	DecisionTimedOut           = "timed-out"
	DecisionNoBackup           = "no-backup"
	DecisionRestored           = "restored"
	DecisionIntegrityBlocked   = "integrity-blocked"
	DecisionNoCredential       = "no-credential"
	DecisionAlreadyRemoved     = "already-removed"
	DecisionRemovalAttempted   = "removal-already-attempted"
	DecisionRemoved            = "removed"
)

func (o *Orchestrator) defaultSteps() map[string]Step {
	return map[string]Step{
		PhasePreflight:         o.stepPreflight,
		PhaseBackup:            o.stepBackup,
		PhaseRecoveryExport:    o.stepRecoveryExport,
		PhaseTempAccountCreate: o.stepTempAccountCreate,
		PhaseDomainLeave:       o.stepDomainLeave,
		PhaseTargetJoin:        o.stepTargetJoin,
		PhaseProfileRestore:    o.stepProfileRestore,
		PhaseTempAccountRemove: o.stepTempAccountRemove,
	}
}

func (o *Orchestrator) stepPreflight(ctx context.Context, rc *RunContext) (Outcome, error) {
	if o.preflight == nil {
		return Outcome{}, faults.Configuration("preflight engine is not configured", nil)
	}

	res, err := o.preflight.Evaluate(ctx, rc.Config, rc.DryRun)
	if err != nil {
		return Outcome{Decision: DecisionFailed}, faults.Prerequisite("preflight evaluation failed", err).
			WithCode(faults.CodePreflightFailed)
	}

	for _, c := range res.Checks {
		o.metrics.RecordPreflightCheck(string(c.Outcome))
	}

	if !res.Passed() {
		return Outcome{Decision: DecisionFailed, Detail: checkNames(res.Failures())}, res.Err()
	}
	if warnings := res.Warnings(); len(warnings) > 0 {
		return Outcome{Decision: DecisionPassedWithWarnings, Detail: checkNames(warnings)}, nil
	}
	return Outcome{Decision: DecisionPassed}, nil
}

func (o *Orchestrator) stepBackup(ctx context.Context, rc *RunContext) (Outcome, error) {
	if o.backups == nil {
		return Outcome{}, faults.Configuration("backup service is not configured", nil)
	}

	cfg := rc.Config
	m, err := o.backups.Backup(ctx, backup.Request{
		ProfileDir:      cfg.ProfileDir,
		Includes:        cfg.Backup.Include,
		Excludes:        cfg.Backup.Exclude,
		DestinationRoot: cfg.Backup.Root,
		RunID:           rc.RunID,
		User:            cfg.Principal,
		DryRun:          rc.DryRun,
	})
	if err != nil {
		return Outcome{Decision: DecisionFailed}, err
	}

	var bytes int64
	for _, e := range m.Entries {
		bytes += e.Bytes
	}
	o.metrics.AddBackupBytes(bytes)

	out := Outcome{
		Detail: fmt.Sprintf("%d copied, %d skipped, %d failed (%s)",
			m.Tally.Copied, m.Tally.Skipped, m.Tally.Failed, humanize.IBytes(uint64(bytes))),
		Artifacts: artifacts(ArtifactBackupDir, m.Dir),
	}
	switch {
	case m.Tally.Failed > 0:
		out.Decision = DecisionPartial
		return out, faults.Mutation(
			fmt.Sprintf("%d of %d include paths failed to copy", m.Tally.Failed, len(m.Entries)), nil).
			WithOperation("backup")
	case m.Tally.Skipped > 0:
		out.Decision = DecisionCopiedWithSkips
	default:
		out.Decision = DecisionCopied
	}
	return out, nil
}

func (o *Orchestrator) stepRecoveryExport(ctx context.Context, rc *RunContext) (Outcome, error) {
	dest := rc.Config.RecoveryExport.Directory
	if err := rc.gateway.ExportRecoveryArtifacts(ctx, dest); err != nil {
		return Outcome{Decision: DecisionFailed}, err
	}
	return Outcome{
		Decision:  DecisionExported,
		Detail:    dest,
		Artifacts: artifacts(ArtifactRecoveryDir, dest),
	}, nil
}

func (o *Orchestrator) stepTempAccountCreate(ctx context.Context, rc *RunContext) (Outcome, error) {
	name := rc.Config.TempAccount.Name
	if cred := rc.Checkpoint.Credential; cred != nil {
		return Outcome{Decision: DecisionAlreadyCreated, Detail: cred.Principal}, nil
	}
	if rc.tempSecret == nil {
		return Outcome{}, faults.Configuration("temporary account secret was not resolved", nil).
			WithCode(faults.CodeSecretUnresolved)
	}

	if err := rc.gateway.CreateTemporaryPrivilegedAccount(ctx, name, rc.tempSecret); err != nil {
		return Outcome{Decision: DecisionFailed, Detail: name}, err
	}

	// Only the reference is recorded, so the removal phase can find the
	// account after the reboot.
	if err := o.checkpoints.RecordCredential(ctx, rc.RunID, checkpoint.TemporaryCredential{
		Principal: name,
		SecretRef: rc.tempSecret.Ref(),
	}); err != nil {
		if rerr := rc.gateway.RemovePrivilegedAccount(ctx, name); rerr != nil {
			rc.Logger.Error().Err(rerr).Str("account", name).Msg("Failed to remove unrecorded temporary account")
		}
		return Outcome{Decision: DecisionFailed, Detail: name}, fmt.Errorf("failed to record temporary account: %w", err)
	}
	if err := o.reload(ctx, rc); err != nil {
		return Outcome{Decision: DecisionCreated, Detail: name}, err
	}
	return Outcome{Decision: DecisionCreated, Detail: name}, nil
}

func (o *Orchestrator) stepDomainLeave(ctx context.Context, rc *RunContext) (Outcome, error) {
	status, err := rc.gateway.GetMembershipStatus(ctx)
	if err != nil {
		return Outcome{Decision: DecisionFailed}, err
	}
	if !status.Joined {
		return Outcome{Decision: DecisionNotJoined, NotApplicable: true}, nil
	}

	cred := capability.Credential{User: rc.Config.DomainLeave.User, Secret: rc.leaveSecret}
	if err := rc.gateway.LeaveMembership(ctx, cred); err != nil {
		return Outcome{Decision: DecisionFailed, Detail: status.Domain}, err
	}
	return Outcome{
		Decision:  DecisionLeft,
		Detail:    status.Domain,
		Artifacts: artifacts(ArtifactSourceDomain, status.Domain),
	}, nil
}

func (o *Orchestrator) stepTargetJoin(ctx context.Context, rc *RunContext) (Outcome, error) {
	membership, err := rc.gateway.GetMembershipStatus(ctx)
	if err != nil {
		return Outcome{Decision: DecisionFailed}, err
	}
	if membership.Joined {
		return Outcome{Decision: DecisionSourceStillJoined, Detail: membership.Domain},
			faults.Mutation("source directory membership is still present; target join not attempted", nil).
				WithCode(faults.CodeMembershipPresent)
	}

	if status, err := rc.gateway.GetTargetJoinStatus(ctx); err == nil && status.Joined {
		return Outcome{
			Decision:  DecisionAlreadyJoined,
			Detail:    status.Tenant,
			Artifacts: joinArtifacts(status),
		}, nil
	}

	if err := rc.gateway.PromptUserToInitiateJoin(ctx); err != nil {
		return Outcome{Decision: DecisionFailed}, err
	}

	cfg := rc.Config.Join
	logger := rc.Logger.With().Str("phase", PhaseTargetJoin).Logger()
	status, err := PollJoinStatus(ctx, rc.Interrupted(), rc.gateway, cfg.PollInterval(), cfg.Timeout(), o.clock, logger)
	if err != nil {
		decision := DecisionFailed
		switch {
		case faults.IsTimeout(err):
			decision = DecisionTimedOut
		case interrupted(err):
			decision = DecisionInterrupted
		}
		return Outcome{Decision: decision}, err
	}
	return Outcome{
		Decision:  DecisionJoined,
		Detail:    status.Tenant,
		Artifacts: joinArtifacts(status),
	}, nil
}

func (o *Orchestrator) stepProfileRestore(ctx context.Context, rc *RunContext) (Outcome, error) {
	if o.backups == nil {
		return Outcome{}, faults.Configuration("backup service is not configured", nil)
	}

	cfg := rc.Config
	dir := rc.Artifact(ArtifactBackupDir)
	if dir == "" {
		latest, err := backup.LatestBackup(cfg.Backup.Root)
		if err != nil {
			return Outcome{Decision: DecisionNoBackup},
				faults.Mutation("no backup is available to restore from "+cfg.Backup.Root, err).
					WithOperation("restore")
		}
		dir = latest
	} else if rc.DryRun && hypotheticalBackup(rc, dir) {
		// The backup of this dry run was never written; there is nothing
		// to verify.
		rc.Logger.Info().Str("dir", dir).Str("target", cfg.ProfileDir).Msg("dry-run: would restore profile")
		return Outcome{Decision: DecisionRestored, Detail: dir}, nil
	}

	summary, err := o.backups.Restore(ctx, backup.RestoreRequest{
		Dir:           dir,
		Target:        cfg.ProfileDir,
		Mode:          backup.ModeFull,
		AlwaysRestore: cfg.Backup.AlwaysRestore,
		DryRun:        rc.DryRun,
	})
	out := Outcome{Detail: dir}
	if summary != nil {
		o.metrics.RecordRestoreItems(string(backup.ItemRestored), summary.Successful)
		o.metrics.RecordRestoreItems(string(backup.ItemFailed), summary.Failed)
		o.metrics.RecordRestoreItems(string(backup.ItemSkipped), summary.Skipped)
		out.Artifacts = artifacts(ArtifactRestoreReport, summary.ReportPath)
		out.Detail = fmt.Sprintf("%d restored, %d skipped, %d failed from %s",
			summary.Successful, summary.Skipped, summary.Failed, dir)
	}
	if err != nil {
		out.Decision = DecisionFailed
		if faults.IsIntegrity(err) {
			out.Decision = DecisionIntegrityBlocked
		}
		return out, err
	}
	if summary.Failed > 0 {
		out.Decision = DecisionPartial
		return out, faults.Mutation(
			fmt.Sprintf("%d of %d items failed to restore", summary.Failed, summary.TotalItems), nil).
			WithOperation("restore")
	}
	out.Decision = DecisionRestored
	return out, nil
}

func (o *Orchestrator) stepTempAccountRemove(ctx context.Context, rc *RunContext) (Outcome, error) {
	cred := rc.Checkpoint.Credential
	switch {
	case cred == nil:
		return Outcome{Decision: DecisionNoCredential, NotApplicable: true}, nil
	case cred.RemovedAt != nil:
		return Outcome{Decision: DecisionAlreadyRemoved, Detail: cred.Principal}, nil
	}

	first, err := o.checkpoints.BeginCredentialRemoval(ctx, rc.RunID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to record removal attempt: %w", err)
	}
	if !first {
		return Outcome{Decision: DecisionRemovalAttempted, Detail: cred.Principal},
			faults.Mutation(fmt.Sprintf("removal of %s was already attempted; remove the account manually", cred.Principal), nil).
				WithCode(faults.CodeCommandFailed)
	}

	if err := rc.gateway.RemovePrivilegedAccount(ctx, cred.Principal); err != nil {
		return Outcome{Decision: DecisionFailed, Detail: cred.Principal}, err
	}
	if err := o.checkpoints.CompleteCredentialRemoval(ctx, rc.RunID); err != nil {
		return Outcome{Decision: DecisionRemoved, Detail: cred.Principal}, err
	}
	return Outcome{Decision: DecisionRemoved, Detail: cred.Principal}, o.reload(ctx, rc)
}

// hypotheticalBackup reports whether dir is the backup a dry run's backup
// phase would have written.
func hypotheticalBackup(rc *RunContext, dir string) bool {
	rec := rc.Checkpoint.Phase(PhaseBackup)
	if rec == nil || (rec.Status != checkpoint.PhaseStatusSucceeded && rec.Status != checkpoint.PhaseStatusFailed) {
		return false
	}
	_, err := os.Stat(dir)
	return errors.Is(err, fs.ErrNotExist)
}

func checkNames(checks []preflight.Check) string {
	names := make([]string, len(checks))
	for i, c := range checks {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

func joinArtifacts(status capability.JoinStatus) map[string]string {
	return artifacts(ArtifactTargetTenant, status.Tenant, ArtifactTargetDevice, status.DeviceID)
}

// artifacts builds an artifact map from key/value pairs, dropping empty
// values.
func artifacts(kv ...string) map[string]string {
	out := map[string]string{}
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			out[kv[i]] = kv[i+1]
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
